package stationserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tunedin/stationsync/go/internal/models"
	"github.com/tunedin/stationsync/go/internal/station"
)

// Hub manages the websocket connections of every station on this instance.
type Hub struct {
	stationConnections map[uuid.UUID]map[*Connection]bool
	mu                 sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	service  *Service

	broadcastCh chan broadcastMessage
}

// Connection is one listener's websocket stream. Identity is bound by the
// join handshake; until then only ping and join are served.
type Connection struct {
	ID        string
	StationID uuid.UUID
	Conn      *websocket.Conn
	Send      chan []byte
	hub       *Hub
	session   *Session

	// sendMu serializes queueing against close so a broadcast racing a
	// pump exit cannot send on a closed channel.
	sendMu sync.Mutex
	closed bool

	ConnectedAt time.Time
}

// ConnectionConfig holds websocket transport tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the default websocket transport tuning.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

type broadcastMessage struct {
	stationID       uuid.UUID
	state           models.PlaybackState
	excludeDeviceID string
}

// NewHub creates a connection hub over the station service.
func NewHub(service *Service, config ConnectionConfig) *Hub {
	return &Hub{
		stationConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		service:     service,
		broadcastCh: make(chan broadcastMessage, 256),
	}
}

// Start processes queued broadcasts until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("station hub started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("station hub shutting down")
			return
		case message := <-h.broadcastCh:
			h.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket stream for one
// station.
func (h *Hub) UpgradeConnection(w http.ResponseWriter, r *http.Request, stationID uuid.UUID) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		StationID:   stationID,
		Conn:        conn,
		Send:        make(chan []byte, 64),
		hub:         h,
		ConnectedAt: time.Now(),
	}
	connection.session = NewSession(h.service, stationID, connection.enqueue)
	h.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("station_id", stationID.String()).
		Msg("websocket connection established")
	return nil
}

func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stationConnections[conn.StationID] == nil {
		h.stationConnections[conn.StationID] = make(map[*Connection]bool)
	}
	h.stationConnections[conn.StationID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("station_connections", len(h.stationConnections[conn.StationID])).
		Msg("connection registered")
}

func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	connections, exists := h.stationConnections[conn.StationID]
	removed := false
	if exists {
		if _, ok := connections[conn]; ok {
			delete(connections, conn)
			conn.closeSend()
			removed = true
			if len(connections) == 0 {
				delete(h.stationConnections, conn.StationID)
			}
		}
	}
	h.mu.Unlock()
	if !removed {
		return
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("station_id", conn.StationID.String()).
		Msg("connection unregistered")

	// The head must not keep running with nobody at the controls.
	listener, joined := conn.session.Joined()
	if joined && listener.Role.IsDJ() {
		if err := h.service.EnsurePaused(context.Background(), conn.StationID); err != nil {
			log.Error().Err(err).Str("station_id", conn.StationID.String()).Msg("failed to pause station on disconnect")
		}
	}
}

// BroadcastPlaybackState queues a canonical state for fan-out to every
// joined connection of the station except the excluded device.
func (h *Hub) BroadcastPlaybackState(stationID uuid.UUID, state models.PlaybackState, excludeDeviceID string) {
	select {
	case h.broadcastCh <- broadcastMessage{stationID: stationID, state: state, excludeDeviceID: excludeDeviceID}:
	default:
		log.Warn().Str("station_id", stationID.String()).Msg("broadcast channel full, dropping state")
	}
}

func (h *Hub) handleBroadcast(message broadcastMessage) {
	h.mu.RLock()
	connections, exists := h.stationConnections[message.stationID]
	if !exists {
		h.mu.RUnlock()
		return
	}
	var targets []*Connection
	for conn := range connections {
		listener, joined := conn.session.Joined()
		if !joined {
			continue
		}
		if message.excludeDeviceID != "" && listener.DeviceID == message.excludeDeviceID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	state := message.state
	data, err := json.Marshal(&station.Message{Type: station.TypeEnsurePlaybackState, State: &state})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal canonical state for broadcast")
		return
	}

	for _, conn := range targets {
		if !conn.trySend(data) {
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			h.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("station_id", message.stationID.String()).
		Int("connections", len(targets)).
		Msg("canonical state broadcasted")
}

// ConnectionStats reports active connection counts per station.
func (h *Hub) ConnectionStats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	counts := make(map[string]int, len(h.stationConnections))
	for stationID, connections := range h.stationConnections {
		counts[stationID.String()] = len(connections)
	}
	return counts
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.hub.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write websocket message")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.hub.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close error")
			}
			break
		}
		c.session.HandleMessage(data)
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}

// enqueue serializes a protocol message onto the connection's send buffer.
func (c *Connection) enqueue(msg *station.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal outbound message")
		return
	}
	if !c.trySend(data) {
		log.Warn().Str("connection_id", c.ID).Msg("connection send buffer full, dropping reply")
	}
}

// trySend queues a frame unless the connection is shut down or its buffer
// is full.
func (c *Connection) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}
