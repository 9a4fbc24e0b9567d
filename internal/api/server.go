package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sevenofnine/calsync/internal/provider"
	"github.com/sevenofnine/calsync/internal/security"
	"github.com/sevenofnine/calsync/internal/store"
	"github.com/sevenofnine/calsync/internal/syncer"
	"github.com/sevenofnine/calsync/internal/webhook"
)

const maxNotificationBody = 1 << 20

type Server struct {
	syncer  *syncer.Syncer
	manager *webhook.Manager
	auth    security.BearerAuth
	log     *slog.Logger
	httpSrv *http.Server
}

type Options struct {
	Syncer  *syncer.Syncer
	Manager *webhook.Manager
	Auth    security.BearerAuth
	Logger  *slog.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{syncer: opts.Syncer, manager: opts.Manager, auth: opts.Auth, log: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/sync", s.handleSync)
	mux.HandleFunc("/v1/sync/all", s.handleSyncAll)
	mux.HandleFunc("/v1/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/webhooks/graph", s.handleGraphWebhook)
	mux.HandleFunc("/webhooks/gcal", s.handleGCalWebhook)
	s.httpSrv = &http.Server{Handler: s.wrapAuth(mux), ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Server) ServeTCP(ctx context.Context, bind string) error {
	if bind == "" {
		return errors.New("bind required")
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	go s.shutdownOnContext(ctx)
	return s.httpSrv.Serve(ln)
}

// wrapAuth guards the management surface. The health check and webhook
/// endpoints stay open: providers cannot send our bearer token, their
// notifications carry their own per-subscription secret instead.
func (s *Server) wrapAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		open := r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/webhooks/")
		if !open && !s.auth.Authorize(r) {
			writeErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) shutdownOnContext(ctx context.Context) {
	<-ctx.Done()
	timeout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(timeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type syncRequest struct {
	ConnectionID string `json:"connection_id"`
	ForceFull    bool   `json:"force_full"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload syncRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if payload.ConnectionID == "" {
		writeErr(w, http.StatusBadRequest, "connection_id required")
		return
	}
	stats, err := s.syncer.Sync(r.Context(), payload.ConnectionID, payload.ForceFull)
	if errors.Is(err, syncer.ErrSyncInProgress) {
		// A run is already underway for this connection; the trigger folds
		// into it instead of failing.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "coalesced"})
		return
	}
	if err != nil {
		writeSyncErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type syncAllRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload syncAllRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if payload.UserID == "" {
		writeErr(w, http.StatusBadRequest, "user_id required")
		return
	}
	outcomes, err := s.syncer.SyncAll(r.Context(), payload.UserID)
	if err != nil {
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

type subscriptionRequest struct {
	ConnectionID   string `json:"connection_id"`
	SubscriptionID string `json:"subscription_id"`
	TTLMinutes     int    `json:"ttl_minutes"`
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	var payload subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	switch r.Method {
	case http.MethodPost:
		if payload.ConnectionID == "" {
			writeErr(w, http.StatusBadRequest, "connection_id required")
			return
		}
		sub, err := s.manager.Create(r.Context(), payload.ConnectionID, time.Duration(payload.TTLMinutes)*time.Minute)
		if err != nil {
			writeSubscriptionErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodDelete:
		if payload.SubscriptionID == "" {
			writeErr(w, http.StatusBadRequest, "subscription_id required")
			return
		}
		if err := s.manager.Delete(r.Context(), payload.SubscriptionID); err != nil {
			writeSubscriptionErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"subscription_id": payload.SubscriptionID})
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleGraphWebhook answers the validation handshake and accepts push
// notification batches. Notifications are acknowledged as soon as they pass
// schema validation, the triggered syncs run detached from the request.
func (s *Server) handleGraphWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.manager.HandleNotification(r.Context(), body); err != nil {
		if errors.Is(err, webhook.ErrInvalidNotification) {
			writeErr(w, http.StatusBadRequest, "invalid notification")
			return
		}
		s.log.Error("notification handling failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "notification handling failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGCalWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	channelID := r.Header.Get("X-Goog-Channel-ID")
	if channelID == "" {
		writeErr(w, http.StatusBadRequest, "channel id required")
		return
	}
	token := r.Header.Get("X-Goog-Channel-Token")
	state := r.Header.Get("X-Goog-Resource-State")
	if err := s.manager.HandleChannelPing(r.Context(), channelID, token, state); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "unknown channel")
			return
		}
		s.log.Error("channel ping handling failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "channel handling failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeSyncErr(w http.ResponseWriter, err error) {
	var rle provider.RateLimitedError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, "connection not found")
	case errors.Is(err, syncer.ErrConnectionInactive):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.As(err, &rle):
		secs := int(rle.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":               err.Error(),
			"retry_after_seconds": secs,
		})
	default:
		writeErr(w, http.StatusBadGateway, err.Error())
	}
}

func writeSubscriptionErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
	case errors.Is(err, webhook.ErrNoWebhookSupport), errors.Is(err, syncer.ErrConnectionInactive):
		writeErr(w, http.StatusBadRequest, err.Error())
	default:
		writeErr(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
