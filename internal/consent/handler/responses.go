package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"consentry/internal/consent"
	dErrors "consentry/pkg/domain-errors"
)

// ScreenItemResponse is one consent screen entry on the wire.
type ScreenItemResponse struct {
	StatementID         string `json:"statement_id"`
	Slug                string `json:"slug"`
	Title               string `json:"title"`
	Description         string `json:"description,omitempty"`
	DocumentURL         string `json:"document_url,omitempty"`
	InlineContent       string `json:"inline_content,omitempty"`
	Language            string `json:"language,omitempty"`
	IsRequired          bool   `json:"is_required"`
	Enforcement         string `json:"enforcement"`
	ShowDeletionLink    bool   `json:"show_deletion_link,omitempty"`
	DeletionURL         string `json:"deletion_url,omitempty"`
	CurrentVersion      string `json:"current_version"`
	UserStatus          string `json:"user_status,omitempty"`
	UserVersion         string `json:"user_version,omitempty"`
	NeedsVersionUpgrade bool   `json:"needs_version_upgrade"`
}

func toScreenItemResponse(item consent.ScreenItem) ScreenItemResponse {
	return ScreenItemResponse{
		StatementID:         item.StatementID,
		Slug:                item.Slug,
		Title:               item.Title,
		Description:         item.Description,
		DocumentURL:         item.DocumentURL,
		InlineContent:       item.InlineContent,
		Language:            item.Language,
		IsRequired:          item.IsRequired,
		Enforcement:         string(item.Enforcement),
		ShowDeletionLink:    item.ShowDeletionLink,
		DeletionURL:         item.DeletionURL,
		CurrentVersion:      item.CurrentVersion,
		UserStatus:          string(item.UserStatus),
		UserVersion:         item.UserVersion,
		NeedsVersionUpgrade: item.NeedsVersionUpgrade,
	}
}

// SatisfactionResponse reports whether the user's consents satisfy current
// requirements.
type SatisfactionResponse struct {
	Satisfied   bool     `json:"satisfied"`
	Unsatisfied []string `json:"unsatisfied"`
}

// RecordResponse is one durable consent record on the wire.
type RecordResponse struct {
	StatementID string     `json:"statement_id"`
	Status      string     `json:"status"`
	Version     string     `json:"version,omitempty"`
	GrantedAt   *time.Time `json:"granted_at,omitempty"`
	WithdrawnAt *time.Time `json:"withdrawn_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// HistoryResponse is one audit-trail row on the wire.
type HistoryResponse struct {
	Action        string    `json:"action"`
	StatusBefore  string    `json:"status_before,omitempty"`
	StatusAfter   string    `json:"status_after"`
	VersionBefore string    `json:"version_before,omitempty"`
	VersionAfter  string    `json:"version_after,omitempty"`
	ClientID      string    `json:"client_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError centralizes domain error translation to HTTP responses so every
// handler returns the same JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	writeJSON(w, httpStatus(code), map[string]string{"error": string(code)})
}

func httpStatus(code dErrors.Code) int {
	switch code {
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeValidation, dErrors.CodeBadRequest:
		return http.StatusBadRequest
	case dErrors.CodeDegraded:
		return http.StatusServiceUnavailable
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
