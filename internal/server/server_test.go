package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/sonos-remote/internal/app"
	"github.com/strefethen/sonos-remote/internal/auth"
	"github.com/strefethen/sonos-remote/internal/config"
	"github.com/strefethen/sonos-remote/internal/logging"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// newTestServer runs a controller loop against an empty network and mounts
// the full handler stack in front of it. The returned callback server
// carries the NOTIFY listener that production runs on a separate port.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *httptest.Server) {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.RescanSchedule = ""
	cfg.DefaultDeviceIP = ""
	if mutate != nil {
		mutate(&cfg)
	}

	sink := logging.NewNop()
	controller := app.New(cfg, sink, nil)
	hub := NewHub(sink.Channel("ws"))
	controller.OnState(hub.Broadcast)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = controller.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
		hub.Close()
	})

	srv := httptest.NewServer(NewHandler(cfg, sink, controller, hub))
	t.Cleanup(srv.Close)
	callback := httptest.NewServer(NewCallbackHandler(controller))
	t.Cleanup(callback.Close)
	return srv, callback
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
}

func TestStateBeforeSelection(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/state")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "", body["device"])

	track, ok := body["track"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "", track["title"])
}

func TestDeviceListEmpty(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/devices")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["request_id"])
	require.Contains(t, body, "devices")
}

func TestPlaybackWithoutSelectedDevice(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for _, action := range []string{"play", "pause", "toggle", "stop", "next", "previous"} {
		t.Run(action, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/v1/playback/"+action, "application/json", nil)
			require.NoError(t, err)
			body := decodeBody(t, resp)
			require.Equal(t, http.StatusConflict, resp.StatusCode)

			errBody, ok := body["error"].(map[string]any)
			require.True(t, ok)
			require.Equal(t, "NO_DEVICE_SELECTED", errBody["code"])
		})
	}
}

func TestSelectDeviceValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	t.Run("empty body", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/v1/devices/select", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed ip", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/v1/devices/select", "application/json",
			strings.NewReader(`{"ip":"not-an-ip"}`))
		require.NoError(t, err)
		body := decodeBody(t, resp)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		errBody, ok := body["error"].(map[string]any)
		require.True(t, ok)
		require.Equal(t, "VALIDATION_ERROR", errBody["code"])
	})
}

func TestVolumeValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := srv.Client()

	t.Run("out of range rejected before device check", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/volume", strings.NewReader(`{"volume":150}`))
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("valid volume needs a selected device", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/volume", strings.NewReader(`{"volume":40}`))
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestAuthGatesAPIButNotNotify(t *testing.T) {
	srv, callback := newTestServer(t, func(cfg *config.Config) {
		cfg.JWTSecret = testSecret
	})
	client := srv.Client()

	t.Run("state requires token", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/state")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid token accepted", func(t *testing.T) {
		token, err := auth.GenerateToken(testSecret, "test-client", time.Hour)
		require.NoError(t, err)

		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/state", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("notify stays open for speakers", func(t *testing.T) {
		req, err := http.NewRequest("NOTIFY", callback.URL+"/notify", strings.NewReader("<e:propertyset/>"))
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("health stays open", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/health")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestNotifyRejectsOtherMethods(t *testing.T) {
	_, callback := newTestServer(t, nil)

	resp, err := http.Post(callback.URL+"/notify", "text/xml", strings.NewReader("<e:propertyset/>"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebsocketStateFeed(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/state/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The hub replays the last broadcast state on connect; the run loop
	// broadcasts the initial empty model shortly after starting.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var track map[string]any
	require.NoError(t, conn.ReadJSON(&track))
	require.Contains(t, track, "playbackState")
}
