package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycollab/internal/collab"
	"github.com/agentworkforce/relaycollab/internal/conflict"
	"github.com/agentworkforce/relaycollab/internal/delivery"
	"github.com/agentworkforce/relaycollab/internal/hub"
	"github.com/agentworkforce/relaycollab/internal/wire"
	"github.com/charmbracelet/log"
)

const (
	defaultJWTSecret      = "dev-secret"
	defaultInternalSecret = "dev-internal-secret"

	scopeDocsRead   = "docs:read"
	scopeDocsWrite  = "docs:write"
	scopeRealtime   = "realtime"
	scopeAdminRead  = "admin:read"
	scopeAdminWrite = "admin:write"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	RequestTimeout     time.Duration
	Logger             *log.Logger
}

// Deps are the collaboration components the HTTP surface fronts. Queue and
// Hub are optional; their admin routes answer 404 without them.
type Deps struct {
	Orchestrator *collab.Orchestrator
	Hub          *hub.Hub
	Queue        *delivery.Queue
}

type Server struct {
	orch               *collab.Orchestrator
	hub                *hub.Hub
	queue              *delivery.Queue
	cfg                ServerConfig
	logger             *log.Logger
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = defaultJWTSecret
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = defaultInternalSecret
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		orch:               deps.Orchestrator,
		hub:                deps.Hub,
		queue:              deps.Queue,
		cfg:                cfg,
		logger:             cfg.Logger.With("component", "httpapi"),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/ws" && r.Method == http.MethodGet {
		if s.hub == nil {
			writeError(w, http.StatusNotFound, "not_found", "realtime hub not configured", getCorrelationID(r))
			return
		}
		s.hub.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "internal" && parts[2] == "documents" && parts[4] == "changes" && r.Method == http.MethodPost {
		s.handleInternalChanges(w, r, parts[3])
		return
	}
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "documents" && r.Method == http.MethodPost:
		requiredScope, route = scopeDocsWrite, "create_document"
	case len(parts) == 3 && parts[1] == "documents" && r.Method == http.MethodGet:
		requiredScope, route = scopeDocsRead, "get_document"
	case len(parts) == 3 && parts[1] == "documents" && r.Method == http.MethodDelete:
		requiredScope, route = scopeDocsWrite, "delete_document"
	case len(parts) == 4 && parts[1] == "documents" && parts[3] == "operations" && r.Method == http.MethodPost:
		requiredScope, route = scopeDocsWrite, "operation"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "queue" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdminRead, "queue_stats"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "dead-letters" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdminRead, "dead_letters"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "dead-letters" && r.Method == http.MethodDelete:
		requiredScope, route = scopeAdminWrite, "dead_letters_clear"
	case len(parts) == 5 && parts[1] == "admin" && parts[2] == "dead-letters" && parts[4] == "retry" && r.Method == http.MethodPost:
		requiredScope, route = scopeAdminWrite, "dead_letter_retry"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "conflicts" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdminRead, "conflicts"
	case len(parts) == 4 && parts[1] == "admin" && parts[2] == "conflicts" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdminRead, "conflict"
	case len(parts) == 5 && parts[1] == "admin" && parts[2] == "conflicts" && parts[4] == "resolve" && r.Method == http.MethodPost:
		requiredScope, route = scopeAdminWrite, "conflict_resolve"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "connections" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdminRead, "connections"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := string(claims.Role) + "|" + claims.ActorID
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "create_document", "delete_document", "operation":
		if claims.Role != hub.RoleAgent {
			writeError(w, http.StatusForbidden, wire.CodeUnauthorized, "only agents may submit operations", correlationID)
			return
		}
	}

	switch route {
	case "create_document":
		s.handleCreateDocument(w, r, claims, correlationID)
	case "get_document":
		s.runOperation(w, r, claims, correlationID, collab.ActionGetDocument, parts[2], nil)
	case "delete_document":
		s.runOperation(w, r, claims, correlationID, collab.ActionDeleteDocument, parts[2], nil)
	case "operation":
		s.handleOperation(w, r, claims, parts[2], correlationID)
	case "queue_stats":
		s.handleQueueStats(w, correlationID)
	case "dead_letters":
		s.handleDeadLetters(w, correlationID)
	case "dead_letters_clear":
		s.handleClearDeadLetters(w, correlationID)
	case "dead_letter_retry":
		s.handleRetryDeadLetter(w, parts[3], correlationID)
	case "conflicts", "conflict", "conflict_resolve":
		if s.orch == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured", correlationID)
			return
		}
		switch route {
		case "conflicts":
			s.handleConflicts(w, r)
		case "conflict":
			s.handleConflict(w, parts[3], correlationID)
		default:
			s.handleResolveConflict(w, r, parts[3], correlationID)
		}
	case "connections":
		s.handleConnections(w, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type operationBody struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request, claims tokenClaims, documentID, correlationID string) {
	var body operationBody
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.Action) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing action", correlationID)
		return
	}
	s.runOperation(w, r, claims, correlationID, body.Action, documentID, body.Payload)
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var payload map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &payload) {
		return
	}
	documentID, _ := payload["id"].(string)
	s.runOperation(w, r, claims, correlationID, collab.ActionCreateDocument, documentID, payload)
}

func (s *Server) runOperation(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID, action, documentID string, payload map[string]any) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured", correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	class := conflict.ActorUser
	if claims.Role == hub.RoleAgent {
		class = conflict.ActorAgent
	}
	res, err := s.orch.Handle(ctx, collab.Request{
		Action:        action,
		DocumentID:    documentID,
		Payload:       payload,
		ActorID:       claims.ActorID,
		ActorClass:    class,
		CorrelationID: correlationID,
	})
	if err != nil {
		code := collab.ErrorCode(err)
		writeError(w, statusForCode(code), code, err.Error(), correlationID)
		return
	}
	status := http.StatusOK
	if action == collab.ActionCreateDocument {
		status = http.StatusCreated
	}
	writeJSON(w, status, collab.ToWireResult(res, nil, correlationID))
}

func statusForCode(code string) int {
	switch code {
	case wire.CodeConflictRejected:
		return http.StatusConflict
	case wire.CodeTargetNotFound:
		return http.StatusNotFound
	case wire.CodeUnsupportedForFormat:
		return http.StatusUnprocessableEntity
	case wire.CodeUnknownAction, wire.CodeInvalidRequest:
		return http.StatusBadRequest
	case wire.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, correlationID string) {
	if s.queue == nil {
		writeError(w, http.StatusNotFound, "not_found", "delivery queue not configured", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, correlationID string) {
	if s.queue == nil {
		writeError(w, http.StatusNotFound, "not_found", "delivery queue not configured", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.queue.DeadLetters()})
}

func (s *Server) handleClearDeadLetters(w http.ResponseWriter, correlationID string) {
	if s.queue == nil {
		writeError(w, http.StatusNotFound, "not_found", "delivery queue not configured", correlationID)
		return
	}
	cleared := s.queue.ClearDeadLetters()
	s.logger.Info("dead letters cleared", "count", cleared, "correlationId", correlationID)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, itemID, correlationID string) {
	if s.queue == nil {
		writeError(w, http.StatusNotFound, "not_found", "delivery queue not configured", correlationID)
		return
	}
	if err := s.queue.RetryDeadLetter(itemID); err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		if errors.Is(err, delivery.ErrStopped) {
			writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": itemID, "status": "queued"})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	engine := s.orch.Engine()
	unresolved := parseBool(r.URL.Query().Get("unresolved"), false)
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	cases := engine.Cases(unresolved)
	if len(cases) > limit {
		cases = cases[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases": cases,
		"stats": engine.Stats(),
	})
}

func (s *Server) handleConflict(w http.ResponseWriter, caseID, correlationID string) {
	c, ok := s.orch.Engine().Case(caseID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", conflict.ErrCaseNotFound.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type resolveBody struct {
	Strategy           string         `json:"strategy"`
	WinningOperationID string         `json:"winningOperationId"`
	MergedPayload      map[string]any `json:"mergedPayload"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request, caseID, correlationID string) {
	var body resolveBody
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	strategy, err := conflict.ParseStrategy(body.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error()+": "+body.Strategy, correlationID)
		return
	}
	var manual *conflict.ManualChoice
	if body.WinningOperationID != "" || body.MergedPayload != nil {
		manual = &conflict.ManualChoice{WinningOperationID: body.WinningOperationID, MergedPayload: body.MergedPayload}
	}
	res, err := s.orch.Engine().Resolve(caseID, strategy, manual)
	if err != nil {
		switch {
		case errors.Is(err, conflict.ErrCaseNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		case errors.Is(err, conflict.ErrInvalidResolution):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConnections(w http.ResponseWriter, correlationID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "realtime hub not configured", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.hub.Connections(),
		"stats":       s.hub.Stats(),
	})
}

type internalChangesBody struct {
	Changes     []wire.Change    `json:"changes"`
	SourceClass wire.SourceClass `json:"sourceClass"`
}

// handleInternalChanges lets a trusted backend announce document changes
// made outside the orchestrator. The request is HMAC signed and replays are
// refused.
func (s *Server) handleInternalChanges(w http.ResponseWriter, r *http.Request, documentID string) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Relaycollab-Timestamp")
	signature := r.Header.Get("X-Relaycollab-Signature")
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, r.URL.Path, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	var req internalChangesBody
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if len(req.Changes) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "changes must not be empty", correlationID)
		return
	}
	if req.SourceClass == "" {
		req.SourceClass = wire.SourceUser
	}
	if req.SourceClass != wire.SourceUser && req.SourceClass != wire.SourceAgent {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid sourceClass", correlationID)
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "realtime hub not configured", correlationID)
		return
	}
	delivered := s.hub.Broadcast(documentID, req.Changes, req.SourceClass)
	writeJSON(w, http.StatusAccepted, map[string]any{"documentId": documentID, "delivered": delivered})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(s.cfg.InternalMaxSkew)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
