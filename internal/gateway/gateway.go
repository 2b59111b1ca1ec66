package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/maksec/msgguard/internal/config"
	"github.com/maksec/msgguard/internal/ingest"
	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/prefs"
	"github.com/maksec/msgguard/internal/store"
)

// maxIngestBody bounds a single submitted event.
const maxIngestBody = 256 * 1024

// Config carries the dependencies the local HTTP API serves from.
type Config struct {
	Store    *store.Store
	Prefs    *prefs.Prefs
	Ingestor *ingest.Ingestor
	Logger   *slog.Logger

	API config.APIConfig

	// ConfigFingerprint is the hash of active settings exposed in /healthz.
	ConfigFingerprint string
	Version           string
}

// Server exposes the message, user, stats, prefs, and ingest surface over
// loopback HTTP.
type Server struct {
	cfg Config
	log *slog.Logger
}

// New creates a gateway server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, log: logger.With("component", "gateway")}
}

// Handler returns the fully wired route tree: auth outermost, then rate
// limiting, then the mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/messages/", s.handleMessageByID)
	mux.HandleFunc("/v1/users", s.handleUsers)
	mux.HandleFunc("/v1/users/blocked", s.handleUsersBlocked)
	mux.HandleFunc("/v1/users/ignored", s.handleUsersIgnored)
	mux.HandleFunc("/v1/users/", s.handleUserByID)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/prefs", s.handlePrefs)
	mux.HandleFunc("/v1/ingest/", s.handleIngest)
	mux.HandleFunc("/v1/sources/", s.handleSourceByName)
	mux.HandleFunc("/v1/admin/reset", s.handleAdminReset)

	rl := NewRateLimitMiddleware(s.cfg.API.RequestsPerMinute, s.cfg.API.BurstSize, s.log)
	auth := NewAuthMiddleware(s.cfg.API.Token)
	return auth.Wrap(rl.Wrap(mux))
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.cfg.Store.DB().PingContext(ctx) == nil

	var lastDate int64
	if d, err := s.cfg.Store.LastMessageDate(ctx); err == nil {
		lastDate = d
	}
	blocked, _ := s.cfg.Store.BlockedUserCount(ctx)

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"last_message_date":  lastDate,
		"blocked_users":      blocked,
		"version":            s.cfg.Version,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	order := store.OrderDateDesc
	switch v := r.URL.Query().Get("order"); v {
	case "", string(store.OrderDateDesc):
	case string(store.OrderDateAsc):
		order = store.OrderDateAsc
	case string(store.OrderDangerDesc):
		order = store.OrderDangerDesc
	case string(store.OrderDangerAsc):
		order = store.OrderDangerAsc
	default:
		writeError(w, http.StatusBadRequest, "unknown order")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	messages, err := s.cfg.Store.ListMessages(r.Context(), order, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleMessageByID routes /v1/messages/{id}, /v1/messages/{id}/stats,
// /v1/messages/{id}/action and /v1/messages/{id}/danger.
func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/messages/")
	parts := strings.SplitN(rest, "/", 2)
	messageID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "message id must be numeric")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch sub {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		msg, err := s.cfg.Store.GetMessage(r.Context(), messageID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, msg)
	case "stats":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		rows, err := s.cfg.Store.StatsForMessage(r.Context(), messageID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stats": rows})
	case "action":
		s.handleMessageAction(w, r, messageID)
	case "danger":
		s.handleMessageDanger(w, r, messageID)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) handleMessageAction(w http.ResponseWriter, r *http.Request, messageID int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	action := label.MessageAction(strings.ToUpper(strings.TrimSpace(req.Action)))
	switch action {
	case label.ActionDelete, label.ActionViewed, label.ActionBlock,
		label.ActionIgnored, label.ActionAwaitsUser, label.ActionSkipped:
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if _, err := s.cfg.Store.GetMessage(r.Context(), messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.cfg.Store.SetMessageAction(r.Context(), messageID, action); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("message action set", "message_id", messageID, "action", action)
	writeJSON(w, http.StatusOK, map[string]any{"message_id": messageID, "action": action})
}

func (s *Server) handleMessageDanger(w http.ResponseWriter, r *http.Request, messageID int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token := strings.ToUpper(strings.TrimSpace(req.Level))
	switch token {
	case "SAFE", "SUSPICIOUS", "CRITICAL":
	default:
		writeError(w, http.StatusBadRequest, "unknown danger level")
		return
	}
	level := label.ParseDangerLevel(token)
	if err := s.cfg.Store.SetDangerManually(r.Context(), messageID, level); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("danger override", "message_id", messageID, "level", level)
	writeJSON(w, http.StatusOK, map[string]any{"message_id": messageID, "danger_level": level})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	s.listUsers(w, r, s.cfg.Store.ListUsers)
}

func (s *Server) handleUsersBlocked(w http.ResponseWriter, r *http.Request) {
	s.listUsers(w, r, s.cfg.Store.ListBlockedUsers)
}

func (s *Server) handleUsersIgnored(w http.ResponseWriter, r *http.Request) {
	s.listUsers(w, r, s.cfg.Store.ListIgnoredUsers)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request, list func(context.Context) ([]store.User, error)) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	users, err := list(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// handleUserByID routes /v1/users/{id}, /v1/users/{id}/tag,
// /v1/users/{id}/block and /v1/users/{id}/ignore.
func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	parts := strings.SplitN(rest, "/", 2)
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user id must be numeric")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch sub {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		u, err := s.cfg.Store.GetUser(r.Context(), userID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, u)
	case "tag":
		s.handleUserTag(w, r, userID)
	case "block":
		s.handleUserBlock(w, r, userID)
	case "ignore":
		s.handleUserIgnore(w, r, userID)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) handleUserTag(w http.ResponseWriter, r *http.Request, userID int64) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Tag string `json:"tag"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		tag, ok := label.ParseTag(req.Tag)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown tag")
			return
		}
		if err := s.cfg.Store.SetUserTag(r.Context(), userID, tag); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.log.Info("user tagged", "user_id", userID, "tag", tag)
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "tag": tag})
	case http.MethodDelete:
		if err := s.cfg.Store.ClearUserTag(r.Context(), userID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "tag": ""})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleUserBlock(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Blocked bool `json:"blocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.cfg.Store.SetUserBlocked(r.Context(), userID, req.Blocked, 0, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("user block set", "user_id", userID, "blocked", req.Blocked)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "blocked": req.Blocked})
}

func (s *Server) handleUserIgnore(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Ignored   bool  `json:"ignored"`
		MessageID int64 `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.cfg.Store.SetUserIgnored(r.Context(), userID, req.Ignored, req.MessageID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "ignored": req.Ignored})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	now := time.Now().Unix()
	from := now - 7*24*3600
	to := now
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be a unix timestamp")
			return
		}
		from = n
	}
	if v := r.URL.Query().Get("to"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be a unix timestamp")
			return
		}
		to = n
	}
	if from > to {
		writeError(w, http.StatusBadRequest, "from must not exceed to")
		return
	}
	counts, err := s.cfg.Store.StatsForRange(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":       from,
		"to":         to,
		"safe":       counts.Safe,
		"suspicious": counts.Suspicious,
		"critical":   counts.Critical,
		"total":      counts.Total(),
	})
}

// prefsPayload is the wire form of the preference snapshot. Pointers make
// POST updates partial: absent fields stay untouched.
type prefsPayload struct {
	NotifyCritical   *bool `json:"notify_critical,omitempty"`
	NotifySuspicious *bool `json:"notify_suspicious,omitempty"`
	NotifyRelative   *bool `json:"notify_relative,omitempty"`
	AnalyzeContacts  *bool `json:"analyze_contacts,omitempty"`
	AnalyzeStrangers *bool `json:"analyze_strangers,omitempty"`
	AutoBlock        *bool `json:"auto_block,omitempty"`

	Defend map[label.Source]*bool `json:"defend,omitempty"`

	AutoBlockExceptions map[label.Source][]label.Label `json:"auto_block_exceptions,omitempty"`
}

func (s *Server) handlePrefs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handlePrefsGet(w, r)
	case http.MethodPost:
		s.handlePrefsPost(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handlePrefsGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := s.cfg.Prefs

	boolPtr := func(v bool) *bool { return &v }
	contact := store.User{IsContact: true}
	stranger := store.User{}

	payload := prefsPayload{
		NotifyCritical:   boolPtr(p.NotifyForLevel(ctx, label.Critical)),
		NotifySuspicious: boolPtr(p.NotifyForLevel(ctx, label.Suspicious)),
		NotifyRelative:   boolPtr(p.NotifyRelative(ctx)),
		AnalyzeContacts:  boolPtr(p.ShouldAnalyze(ctx, contact, false)),
		AnalyzeStrangers: boolPtr(p.ShouldAnalyze(ctx, stranger, false)),
		AutoBlock:        boolPtr(p.AutoBlockEnabled(ctx)),
		Defend:           make(map[label.Source]*bool, len(label.Sources)),
	}
	for _, src := range label.Sources {
		payload.Defend[src] = boolPtr(p.DefendEnabled(ctx, src))
	}
	if exceptions, err := p.AutoBlockExceptions(ctx); err == nil && len(exceptions) > 0 {
		payload.AutoBlockExceptions = exceptions
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePrefsPost(w http.ResponseWriter, r *http.Request) {
	var req prefsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	p := s.cfg.Prefs
	apply := func(v *bool, set func(context.Context, bool) error) error {
		if v == nil {
			return nil
		}
		return set(ctx, *v)
	}

	var err error
	for _, step := range []error{
		apply(req.NotifyCritical, p.SetNotifyCritical),
		apply(req.NotifySuspicious, p.SetNotifySuspicious),
		apply(req.NotifyRelative, p.SetNotifyRelative),
		apply(req.AnalyzeContacts, p.SetAnalyzeContacts),
		apply(req.AnalyzeStrangers, p.SetAnalyzeStrangers),
		apply(req.AutoBlock, p.SetAutoBlockEnabled),
	} {
		if step != nil {
			err = step
		}
	}
	for src, v := range req.Defend {
		if v == nil {
			continue
		}
		if _, ok := label.ParseSource(string(src)); !ok {
			writeError(w, http.StatusBadRequest, "unknown source in defend map")
			return
		}
		if e := p.SetDefendEnabled(ctx, src, *v); e != nil {
			err = e
		}
	}
	if req.AutoBlockExceptions != nil {
		if e := p.SetAutoBlockExceptions(ctx, req.AutoBlockExceptions); e != nil {
			err = e
		}
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.handlePrefsGet(w, r)
}

// handleIngest accepts a raw event for /v1/ingest/{source}. This is the
// feed path for integrations that push over HTTP instead of a socket.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	token := strings.TrimPrefix(r.URL.Path, "/v1/ingest/")
	src, ok := label.ParseSource(token)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "event too large")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}
	if err := s.cfg.Ingestor.Submit(r.Context(), src, body); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "ingest queue full")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "source": src})
}

// handleSourceByName routes DELETE /v1/sources/{source} and
// GET /v1/sources/{source}/outbox.
func (s *Server) handleSourceByName(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sources/")
	parts := strings.SplitN(rest, "/", 2)
	src, ok := label.ParseSource(parts[0])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch sub {
	case "":
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := s.cfg.Store.DeleteBySource(r.Context(), src); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.log.Info("source data deleted", "source", src)
		writeJSON(w, http.StatusOK, map[string]any{"source": src, "deleted": true})
	case "outbox":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		size, err := s.cfg.Store.OutboxSize(r.Context(), src)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"source": src, "outbox_size": size})
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.cfg.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Warn("database reset via API")
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}
