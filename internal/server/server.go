// Package server exposes the remote's HTTP surface: a JSON control API, a
// websocket state feed, and the UPnP NOTIFY callback endpoint speakers
// deliver events to.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/strefethen/sonos-remote/internal/api"
	"github.com/strefethen/sonos-remote/internal/app"
	"github.com/strefethen/sonos-remote/internal/apperrors"
	"github.com/strefethen/sonos-remote/internal/auth"
	"github.com/strefethen/sonos-remote/internal/config"
	"github.com/strefethen/sonos-remote/internal/logging"
	"github.com/strefethen/sonos-remote/internal/soap"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func requestLoggerMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			log.Debug("request",
				zap.String("method", r.Method), zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.status),
				zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
		})
	}
}

// NewHandler builds the HTTP handler around a running controller.
func NewHandler(cfg config.Config, sink *logging.Sink, controller *app.Controller, hub *Hub) http.Handler {
	log := sink.Channel("http")

	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(requestLoggerMiddleware(log))
	router.Use(api.RequestIDMiddleware)
	router.Use(api.RecovererMiddleware(log))
	router.Use(auth.Middleware(cfg.JWTSecret))

	s := &handlers{controller: controller}

	router.Method(http.MethodGet, "/v1/health", api.Handler(s.health))
	router.Method(http.MethodGet, "/v1/devices", api.Handler(s.listDevices))
	router.Method(http.MethodPost, "/v1/devices/discover", api.Handler(s.discover))
	router.Method(http.MethodPost, "/v1/devices/select", api.Handler(s.selectDevice))

	router.Method(http.MethodGet, "/v1/state", api.Handler(s.state))
	router.Handle("/v1/state/ws", hub)

	router.Method(http.MethodPost, "/v1/playback/play", s.transport(controller.Play))
	router.Method(http.MethodPost, "/v1/playback/pause", s.transport(controller.Pause))
	router.Method(http.MethodPost, "/v1/playback/toggle", s.transport(controller.TogglePlayPause))
	router.Method(http.MethodPost, "/v1/playback/stop", s.transport(controller.Stop))
	router.Method(http.MethodPost, "/v1/playback/next", s.transport(controller.Next))
	router.Method(http.MethodPost, "/v1/playback/previous", s.transport(controller.Previous))

	router.Method(http.MethodGet, "/v1/volume", api.Handler(s.getVolume))
	router.Method(http.MethodPut, "/v1/volume", api.Handler(s.setVolume))
	router.Method(http.MethodPost, "/v1/volume/adjust", api.Handler(s.adjustVolume))
	router.Method(http.MethodPut, "/v1/mute", api.Handler(s.setMute))

	return router
}

// NewCallbackHandler builds the listener for UPnP NOTIFY delivery. It runs
// on its own port with a plain mux: chi rejects the nonstandard NOTIFY
// method, and speakers cannot carry bearer tokens anyway.
func NewCallbackHandler(controller *app.Controller) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/notify", controller.Ingest().Handler())
	return mux
}

type handlers struct {
	controller *app.Controller
}

func (s *handlers) health(w http.ResponseWriter, r *http.Request) error {
	return api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "sonos-remote",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *handlers) listDevices(w http.ResponseWriter, r *http.Request) error {
	devices, err := s.controller.Devices(r.Context())
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	return api.WriteList(w, r, "devices", devices)
}

func (s *handlers) discover(w http.ResponseWriter, r *http.Request) error {
	result, err := s.controller.Discover(r.Context())
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	if appErr := apperrors.FromResult(result); appErr != nil {
		return appErr
	}
	return api.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "scanning"})
}

func (s *handlers) selectDevice(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" {
		return apperrors.NewValidationError("body must carry a device ip")
	}

	result, err := s.controller.SelectDevice(r.Context(), body.IP)
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	if appErr := apperrors.FromResult(result); appErr != nil {
		return appErr
	}
	return api.WriteJSON(w, http.StatusOK, map[string]any{"selected": body.IP})
}

func (s *handlers) state(w http.ResponseWriter, r *http.Request) error {
	data, err := s.controller.State(r.Context())
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	selected, err := s.controller.Selected(r.Context())
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	return api.WriteJSON(w, http.StatusOK, map[string]any{
		"device": selected,
		"track":  data,
	})
}

// requireSelected rejects device commands issued before any speaker is
// selected, distinguishing that from an unresolvable device.
func (s *handlers) requireSelected(r *http.Request) error {
	selected, err := s.controller.Selected(r.Context())
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	if selected == "" {
		return apperrors.NewNoDeviceError()
	}
	return nil
}

// transport adapts a controller playback operation into a handler. On
// success the refreshed state is returned so callers see the outcome
// without a second request.
func (s *handlers) transport(op func(ctx context.Context) (soap.Result, error)) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		if err := s.requireSelected(r); err != nil {
			return err
		}
		result, err := op(r.Context())
		if err != nil {
			return apperrors.NewInternalError(err.Error())
		}
		if appErr := apperrors.FromResult(result); appErr != nil {
			return appErr
		}
		data, err := s.controller.State(r.Context())
		if err != nil {
			return apperrors.NewInternalError(err.Error())
		}
		return api.WriteJSON(w, http.StatusOK, map[string]any{"track": data})
	}
}

func (s *handlers) getVolume(w http.ResponseWriter, r *http.Request) error {
	data, err := s.controller.State(r.Context())
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	return api.WriteJSON(w, http.StatusOK, map[string]any{"volume": data.Volume})
}

func (s *handlers) setVolume(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Volume *int `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Volume == nil {
		return apperrors.NewValidationError("body must carry a volume")
	}
	if *body.Volume < 0 || *body.Volume > 100 {
		return apperrors.NewValidationError("volume must be between 0 and 100")
	}
	if err := s.requireSelected(r); err != nil {
		return err
	}

	result, err := s.controller.SetVolume(r.Context(), *body.Volume)
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	if appErr := apperrors.FromResult(result); appErr != nil {
		return appErr
	}
	return api.WriteJSON(w, http.StatusOK, map[string]any{"volume": *body.Volume})
}

func (s *handlers) adjustVolume(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Step int `json:"step"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return apperrors.NewValidationError("body must carry a step")
	}
	if err := s.requireSelected(r); err != nil {
		return err
	}

	volume, result, err := s.controller.AdjustVolume(r.Context(), body.Step)
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	if appErr := apperrors.FromResult(result); appErr != nil {
		return appErr
	}
	return api.WriteJSON(w, http.StatusOK, map[string]any{"volume": volume})
}

func (s *handlers) setMute(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Mute *bool `json:"mute"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Mute == nil {
		return apperrors.NewValidationError("body must carry a mute flag")
	}
	if err := s.requireSelected(r); err != nil {
		return err
	}

	result, err := s.controller.SetMute(r.Context(), *body.Mute)
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	if appErr := apperrors.FromResult(result); appErr != nil {
		return appErr
	}
	return api.WriteJSON(w, http.StatusOK, map[string]any{"muted": *body.Mute})
}
