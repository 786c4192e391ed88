package stationserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tunedin/stationsync/go/internal/models"
)

func startTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	svc, _, _, _ := testService(t)
	hub := NewHub(svc, DefaultConnectionConfig())

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewStateHandler(svc), NewStreamHandler(hub))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, svc
}

func patchState(t *testing.T, url, deviceID string, state models.PlaybackState, precondition string) *http.Response {
	t.Helper()
	body, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set(deviceHeader, deviceID)
	if precondition != "" {
		req.Header.Set("If-Unmodified-Since", precondition)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStateHandler(t *testing.T) {
	t.Run("GetWithoutStateIs404", func(t *testing.T) {
		srv, _ := startTestServer(t)
		resp, err := http.Get(srv.URL + "/api/v1/stations/" + testStationID.String() + "/playback")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("PatchThenGetRoundTrip", func(t *testing.T) {
		srv, _ := startTestServer(t)
		url := srv.URL + "/api/v1/stations/" + testStationID.String() + "/playback"

		resp := patchState(t, url, djListener.DeviceID, playingState("track-a", 1000, time.Now().UTC()), "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("PATCH status = %d, want 200", resp.StatusCode)
		}
		var merged models.PlaybackState
		if err := json.NewDecoder(resp.Body).Decode(&merged); err != nil {
			t.Fatalf("decode merged state: %v", err)
		}
		if merged.Etag.IsZero() {
			t.Fatal("merged state must carry a server etag")
		}
		if resp.Header.Get("Last-Modified") == "" {
			t.Fatal("PATCH response must carry Last-Modified")
		}

		getResp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer getResp.Body.Close()
		if getResp.StatusCode != http.StatusOK {
			t.Fatalf("GET status = %d, want 200", getResp.StatusCode)
		}
		var stored models.PlaybackState
		if err := json.NewDecoder(getResp.Body).Decode(&stored); err != nil {
			t.Fatalf("decode stored state: %v", err)
		}
		if !stored.Etag.Equal(merged.Etag) {
			t.Fatalf("stored etag %v != merged etag %v", stored.Etag, merged.Etag)
		}
	})

	t.Run("StalePreconditionIs412", func(t *testing.T) {
		srv, _ := startTestServer(t)
		url := srv.URL + "/api/v1/stations/" + testStationID.String() + "/playback"

		resp := patchState(t, url, djListener.DeviceID, playingState("track-a", 0, time.Now().UTC()), "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("seed PATCH status = %d", resp.StatusCode)
		}

		stale := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
		resp = patchState(t, url, djListener.DeviceID, playingState("track-b", 0, time.Now().UTC()), stale)
		if resp.StatusCode != http.StatusPreconditionFailed {
			t.Fatalf("status = %d, want 412", resp.StatusCode)
		}
	})

	t.Run("MatchingPreconditionSucceeds", func(t *testing.T) {
		srv, _ := startTestServer(t)
		url := srv.URL + "/api/v1/stations/" + testStationID.String() + "/playback"

		resp := patchState(t, url, djListener.DeviceID, playingState("track-a", 0, time.Now().UTC()), "")
		var merged models.PlaybackState
		if err := json.NewDecoder(resp.Body).Decode(&merged); err != nil {
			t.Fatalf("decode merged state: %v", err)
		}

		resp = patchState(t, url, djListener.DeviceID,
			playingState("track-b", 0, time.Now().UTC()), merged.Etag.Format(time.RFC3339Nano))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200 with matching precondition", resp.StatusCode)
		}
	})

	t.Run("NonDJIs403", func(t *testing.T) {
		srv, _ := startTestServer(t)
		url := srv.URL + "/api/v1/stations/" + testStationID.String() + "/playback"
		resp := patchState(t, url, earListener.DeviceID, playingState("track-a", 0, time.Now().UTC()), "")
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("UnknownDeviceIs403", func(t *testing.T) {
		srv, _ := startTestServer(t)
		url := srv.URL + "/api/v1/stations/" + testStationID.String() + "/playback"
		resp := patchState(t, url, "stranger-device", playingState("track-a", 0, time.Now().UTC()), "")
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("UnknownStationIs404", func(t *testing.T) {
		srv, _ := startTestServer(t)
		url := srv.URL + "/api/v1/stations/00000000-0000-0000-0000-000000000001/playback"
		resp := patchState(t, url, djListener.DeviceID, playingState("track-a", 0, time.Now().UTC()), "")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})
}
