package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tunedin/stationsync/go/internal/models"
)

// Config is the station server's yaml configuration: the stations it
// serves and the listeners enrolled in them.
type Config struct {
	Stations []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"stations"`
	Listeners []struct {
		StationID string `yaml:"station_id"`
		DeviceID  string `yaml:"device_id"`
		Username  string `yaml:"username"`
		Role      string `yaml:"role"`
	} `yaml:"listeners"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

// enrollment converts the yaml config into registry entries.
func (c *Config) enrollment() ([]models.Station, []models.Listener, error) {
	stations := make([]models.Station, 0, len(c.Stations))
	for _, s := range c.Stations {
		id, err := uuid.Parse(s.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid station id %q: %w", s.ID, err)
		}
		stations = append(stations, models.Station{ID: id, Name: s.Name})
	}

	listeners := make([]models.Listener, 0, len(c.Listeners))
	for _, l := range c.Listeners {
		stationID, err := uuid.Parse(l.StationID)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid station id %q for listener %q: %w", l.StationID, l.DeviceID, err)
		}
		role, err := parseRole(l.Role)
		if err != nil {
			return nil, nil, fmt.Errorf("listener %q: %w", l.DeviceID, err)
		}
		listeners = append(listeners, models.Listener{
			StationID: stationID,
			DeviceID:  l.DeviceID,
			Username:  l.Username,
			Role:      role,
		})
	}
	return stations, listeners, nil
}

func parseRole(role string) (models.ListenerRole, error) {
	switch role {
	case "", "listener":
		return models.RoleListener, nil
	case "dj":
		return models.RoleDJ, nil
	case "admin":
		return models.RoleAdmin, nil
	case "dj+admin":
		return models.RoleDJ | models.RoleAdmin, nil
	default:
		return 0, fmt.Errorf("unknown role %q", role)
	}
}
