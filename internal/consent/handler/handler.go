package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"consentry/internal/consent"
	"consentry/internal/platform/middleware"
	dErrors "consentry/pkg/domain-errors"
)

// Service defines the engine operations the transport layer needs.
type Service interface {
	ScreenItems(ctx context.Context, tenantID, clientID, userID, language, tenantDefaultLanguage string) ([]consent.ScreenItem, error)
	Satisfaction(ctx context.Context, tenantID, clientID, userID string) (consent.Satisfaction, error)
	ProcessDecisions(ctx context.Context, tenantID, userID string, decisions map[string]consent.Decision, evidence consent.Evidence) error
	ActivateVersion(ctx context.Context, tenantID, statementID, versionID string) error
	ComputeContentHash(ctx context.Context, tenantID, statementID, versionID string) (string, error)
	ListUserConsents(ctx context.Context, tenantID, userID string) ([]*consent.UserConsentRecord, error)
	ListHistory(ctx context.Context, tenantID, userID, statementID string) ([]*consent.HistoryRecord, error)
	HashIP(ctx context.Context, tenantID, ip string) string
}

// Handler is the thin HTTP layer over the consent engine. It delegates to the
// service without embedding business logic so transport concerns stay isolated.
type Handler struct {
	logger          *slog.Logger
	service         Service
	jwtValidator    middleware.JWTValidator
	defaultLanguage string
}

func New(service Service, logger *slog.Logger, jwtValidator middleware.JWTValidator, defaultLanguage string) *Handler {
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	return &Handler{
		logger:          logger,
		service:         service,
		jwtValidator:    jwtValidator,
		defaultLanguage: defaultLanguage,
	}
}

// Register mounts the consent routes on the chi router.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Recovery(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(h.logger))
	router.Use(middleware.ContentTypeJSON)
	router.Use(middleware.RequireAuth(h.jwtValidator, h.logger))

	router.Get("/consent/screen", h.handleScreen)
	router.Get("/consent/satisfaction", h.handleSatisfaction)
	router.Post("/consent/decisions", h.handleDecisions)
	router.Get("/consent/records", h.handleRecords)
	router.Get("/consent/history/{statementID}", h.handleHistory)

	router.Post("/admin/statements/{statementID}/versions/{versionID}/activate", h.handleActivate)
	router.Get("/admin/statements/{statementID}/versions/{versionID}/hash", h.handleContentHash)

	r.Mount("/", router)
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (tenantID, userID string, ok bool) {
	ctx := r.Context()
	tenantID = middleware.GetTenantID(ctx)
	userID = middleware.GetUserID(ctx)
	if tenantID == "" || userID == "" {
		// RequireAuth should make this unreachable.
		h.logger.ErrorContext(ctx, "identity missing from context despite auth middleware",
			"request_id", middleware.GetRequestID(ctx),
		)
		writeError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return "", "", false
	}
	return tenantID, userID, true
}

func (h *Handler) handleScreen(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}

	language := r.URL.Query().Get("lang")
	clientID := r.URL.Query().Get("client_id")

	items, err := h.service.ScreenItems(r.Context(), tenantID, clientID, userID, language, h.defaultLanguage)
	if err != nil {
		h.logError(r, "assemble consent screen", err)
		writeError(w, err)
		return
	}

	out := make([]ScreenItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toScreenItemResponse(item))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSatisfaction(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	clientID := r.URL.Query().Get("client_id")

	satisfaction, err := h.service.Satisfaction(r.Context(), tenantID, clientID, userID)
	if err != nil {
		h.logError(r, "check satisfaction", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SatisfactionResponse{
		Satisfied:   satisfaction.Satisfied,
		Unsatisfied: satisfaction.Unsatisfied,
	})
}

func (h *Handler) handleDecisions(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req DecisionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	evidence := consent.Evidence{
		ClientID:  req.ClientID,
		UserAgent: r.UserAgent(),
		IPHash:    h.service.HashIP(r.Context(), tenantID, clientIP(r)),
	}

	if err := h.service.ProcessDecisions(r.Context(), tenantID, userID, req.Decisions, evidence); err != nil {
		h.logError(r, "process decisions", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	records, err := h.service.ListUserConsents(r.Context(), tenantID, userID)
	if err != nil {
		h.logError(r, "list records", err)
		writeError(w, err)
		return
	}
	out := make([]RecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, RecordResponse{
			StatementID: rec.StatementID,
			Status:      string(rec.Status),
			Version:     rec.Version,
			GrantedAt:   rec.GrantedAt,
			WithdrawnAt: rec.WithdrawnAt,
			ExpiresAt:   rec.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	statementID := chi.URLParam(r, "statementID")

	history, err := h.service.ListHistory(r.Context(), tenantID, userID, statementID)
	if err != nil {
		h.logError(r, "list history", err)
		writeError(w, err)
		return
	}
	out := make([]HistoryResponse, 0, len(history))
	for _, entry := range history {
		out = append(out, HistoryResponse{
			Action:        string(entry.Action),
			StatusBefore:  string(entry.StatusBefore),
			StatusAfter:   string(entry.StatusAfter),
			VersionBefore: entry.VersionBefore,
			VersionAfter:  entry.VersionAfter,
			ClientID:      entry.ClientID,
			CreatedAt:     entry.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	statementID := chi.URLParam(r, "statementID")
	versionID := chi.URLParam(r, "versionID")

	if err := h.service.ActivateVersion(r.Context(), tenantID, statementID, versionID); err != nil {
		h.logError(r, "activate version", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"statement_id": statementID,
		"version_id":   versionID,
		"activated_at": time.Now().UTC(),
	})
}

func (h *Handler) handleContentHash(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	statementID := chi.URLParam(r, "statementID")
	versionID := chi.URLParam(r, "versionID")

	hash, err := h.service.ComputeContentHash(r.Context(), tenantID, statementID, versionID)
	if err != nil {
		h.logError(r, "compute content hash", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content_hash": hash})
}

func (h *Handler) logError(r *http.Request, op string, err error) {
	h.logger.ErrorContext(r.Context(), op+" failed",
		"request_id", middleware.GetRequestID(r.Context()),
		"error", err.Error(),
	)
}

// clientIP strips the port from RemoteAddr, preferring X-Forwarded-For when a
// proxy set it.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
