package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"

	"consentry/internal/consent"
	"consentry/internal/consent/service"
	"consentry/internal/platform/middleware"
)

const signingKey = "test-signing-key"

// ConsentHandlerSuite drives the full chi router, including the auth
// middleware, against a real service over the in-memory store.
type ConsentHandlerSuite struct {
	suite.Suite
	store  *consent.InMemoryStore
	router chi.Router
	now    time.Time
}

func TestConsentHandlerSuite(t *testing.T) {
	suite.Run(t, new(ConsentHandlerSuite))
}

func (s *ConsentHandlerSuite) SetupTest() {
	s.store = consent.NewInMemoryStore()
	s.now = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewService(s.store, service.NewMemoryTx(s.store), logger,
		service.WithClock(func() time.Time { return s.now }),
	)

	h := New(svc, logger, middleware.NewHMACValidator(signingKey), "en")
	s.router = chi.NewRouter()
	h.Register(s.router)
}

func (s *ConsentHandlerSuite) token(userID, tenantID string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"tid": tenantID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(signingKey))
	s.Require().NoError(err)
	return signed
}

func (s *ConsentHandlerSuite) request(method, target string, body any, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "203.0.113.7:4242"
	req.Header.Set("User-Agent", "suite-agent")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *ConsentHandlerSuite) seedTos() {
	s.store.PutStatement(&consent.Statement{
		ID: "stmt-tos", TenantID: "tenant-a", Slug: "tos",
		DisplayOrder: 1, Active: true, CreatedAt: s.now.Add(-24 * time.Hour),
	})
	s.store.PutVersion(&consent.StatementVersion{
		ID: "ver-tos", StatementID: "stmt-tos", Version: "20250206",
		ContentType: consent.ContentTypeInline, IsCurrent: true,
		Status: consent.VersionStatusActive,
	})
	s.store.PutLocalization(consent.Localization{
		ID: "loc-tos-en", VersionID: "ver-tos", Language: "en",
		Title: "Terms of Service", InlineContent: "the terms",
	})
	s.store.PutTenantRequirement(&consent.TenantRequirement{
		TenantID: "tenant-a", StatementID: "stmt-tos", IsRequired: true,
	})
}

func (s *ConsentHandlerSuite) TestAuthRequired() {
	s.Run("missing token", func() {
		w := s.request(http.MethodGet, "/consent/screen", nil, "")
		s.Equal(http.StatusUnauthorized, w.Code)
	})

	s.Run("token signed with wrong key", func() {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "user-a", "tid": "tenant-a",
		})
		signed, err := token.SignedString([]byte("wrong-key"))
		s.Require().NoError(err)
		w := s.request(http.MethodGet, "/consent/screen", nil, signed)
		s.Equal(http.StatusUnauthorized, w.Code)
	})
}

func (s *ConsentHandlerSuite) TestScreen() {
	s.seedTos()
	token := s.token("user-a", "tenant-a")

	w := s.request(http.MethodGet, "/consent/screen?lang=en", nil, token)
	s.Require().Equal(http.StatusOK, w.Code)

	var items []ScreenItemResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &items))
	s.Require().Len(items, 1)
	s.Equal("stmt-tos", items[0].StatementID)
	s.Equal("Terms of Service", items[0].Title)
	s.Equal("the terms", items[0].InlineContent)
	s.True(items[0].IsRequired)
	s.Equal("20250206", items[0].CurrentVersion)
}

func (s *ConsentHandlerSuite) TestScreenIsTenantScoped() {
	s.seedTos()
	token := s.token("user-b", "tenant-b")

	w := s.request(http.MethodGet, "/consent/screen", nil, token)
	s.Require().Equal(http.StatusOK, w.Code)

	var items []ScreenItemResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &items))
	s.Empty(items)
}

func (s *ConsentHandlerSuite) TestDecisionsAndSatisfaction() {
	s.seedTos()
	token := s.token("user-a", "tenant-a")

	w := s.request(http.MethodGet, "/consent/satisfaction", nil, token)
	s.Require().Equal(http.StatusOK, w.Code)
	var satisfaction SatisfactionResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &satisfaction))
	s.False(satisfaction.Satisfied)
	s.Equal([]string{"stmt-tos"}, satisfaction.Unsatisfied)

	w = s.request(http.MethodPost, "/consent/decisions", DecisionsRequest{
		ClientID:  "client-a",
		Decisions: map[string]consent.Decision{"stmt-tos": consent.DecisionGranted},
	}, token)
	s.Require().Equal(http.StatusNoContent, w.Code)

	w = s.request(http.MethodGet, "/consent/satisfaction", nil, token)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &satisfaction))
	s.True(satisfaction.Satisfied)
	s.Empty(satisfaction.Unsatisfied)
}

// TestSatisfactionSeesClaims wires a claim source and checks that a
// claim-conditional requirement blocks the satisfaction route exactly when the
// screen renders it as required.
func (s *ConsentHandlerSuite) TestSatisfactionSeesClaims() {
	s.seedTos()
	s.store.PutTenantRequirement(&consent.TenantRequirement{
		TenantID: "tenant-a", StatementID: "stmt-tos",
		Rules: []consent.Rule{{
			Claim: "country", Operator: consent.OpEq,
			Value: json.RawMessage(`"DE"`), Result: consent.OutcomeRequired,
		}},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewService(s.store, service.NewMemoryTx(s.store), logger,
		service.WithClock(func() time.Time { return s.now }),
		service.WithClaimSources(service.StaticClaims{"country": "DE"}, nil),
	)
	h := New(svc, logger, middleware.NewHMACValidator(signingKey), "en")
	s.router = chi.NewRouter()
	h.Register(s.router)

	token := s.token("user-a", "tenant-a")

	w := s.request(http.MethodGet, "/consent/screen", nil, token)
	s.Require().Equal(http.StatusOK, w.Code)
	var items []ScreenItemResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &items))
	s.Require().Len(items, 1)
	s.True(items[0].IsRequired)

	w = s.request(http.MethodGet, "/consent/satisfaction", nil, token)
	s.Require().Equal(http.StatusOK, w.Code)
	var satisfaction SatisfactionResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &satisfaction))
	s.False(satisfaction.Satisfied)
	s.Equal([]string{"stmt-tos"}, satisfaction.Unsatisfied)
}

func (s *ConsentHandlerSuite) TestDecisionsRecordsEvidence() {
	s.seedTos()
	token := s.token("user-a", "tenant-a")

	w := s.request(http.MethodPost, "/consent/decisions", DecisionsRequest{
		ClientID:  "client-a",
		Decisions: map[string]consent.Decision{"stmt-tos": consent.DecisionGranted},
	}, token)
	s.Require().Equal(http.StatusNoContent, w.Code)

	rec, err := s.store.Record(context.Background(), "tenant-a", "user-a", "stmt-tos")
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	s.Equal("client-a", rec.ClientID)
	s.Equal("suite-agent", rec.UserAgent)
	// Evidence carries a salted digest, never the raw address.
	s.NotEmpty(rec.IPHash)
	s.NotContains(rec.IPHash, "203.0.113.7")
	s.Len(rec.IPHash, 64)
}

func (s *ConsentHandlerSuite) TestDecisionsValidation() {
	s.seedTos()
	token := s.token("user-a", "tenant-a")

	s.Run("malformed body", func() {
		req := httptest.NewRequest(http.MethodPost, "/consent/decisions", bytes.NewReader([]byte("{broken")))
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		s.Equal(http.StatusBadRequest, w.Code)
	})

	s.Run("empty batch", func() {
		w := s.request(http.MethodPost, "/consent/decisions", DecisionsRequest{}, token)
		s.Equal(http.StatusBadRequest, w.Code)
	})

	s.Run("unknown decision value", func() {
		w := s.request(http.MethodPost, "/consent/decisions", DecisionsRequest{
			Decisions: map[string]consent.Decision{"stmt-tos": consent.Decision("maybe")},
		}, token)
		s.Equal(http.StatusBadRequest, w.Code)
	})
}

func (s *ConsentHandlerSuite) TestRecordsAndHistory() {
	s.seedTos()
	token := s.token("user-a", "tenant-a")

	w := s.request(http.MethodPost, "/consent/decisions", DecisionsRequest{
		Decisions: map[string]consent.Decision{"stmt-tos": consent.DecisionGranted},
	}, token)
	s.Require().Equal(http.StatusNoContent, w.Code)

	w = s.request(http.MethodGet, "/consent/records", nil, token)
	s.Require().Equal(http.StatusOK, w.Code)
	var records []RecordResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &records))
	s.Require().Len(records, 1)
	s.Equal("stmt-tos", records[0].StatementID)
	s.Equal("granted", records[0].Status)
	s.Equal("20250206", records[0].Version)

	w = s.request(http.MethodGet, "/consent/history/stmt-tos", nil, token)
	s.Require().Equal(http.StatusOK, w.Code)
	var history []HistoryResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &history))
	s.Require().Len(history, 1)
	s.Equal("granted", history[0].Action)
	s.Equal("20250206", history[0].VersionAfter)
}

func (s *ConsentHandlerSuite) TestActivateVersion() {
	s.seedTos()
	token := s.token("admin-a", "tenant-a")

	s.store.PutVersion(&consent.StatementVersion{
		ID: "ver-draft", StatementID: "stmt-tos", Version: "20250301",
		ContentType: consent.ContentTypeInline, Status: consent.VersionStatusDraft,
	})
	s.store.PutLocalization(consent.Localization{
		ID: "loc-draft-en", VersionID: "ver-draft", Language: "en",
		Title: "ToS", InlineContent: "new terms",
	})

	s.Run("unknown version", func() {
		w := s.request(http.MethodPost, "/admin/statements/stmt-tos/versions/nope/activate", nil, token)
		s.Equal(http.StatusNotFound, w.Code)
	})

	s.Run("activates draft", func() {
		w := s.request(http.MethodPost, "/admin/statements/stmt-tos/versions/ver-draft/activate", nil, token)
		s.Require().Equal(http.StatusOK, w.Code)

		current, err := s.store.CurrentVersion(context.Background(), "tenant-a", "stmt-tos")
		s.Require().NoError(err)
		s.Require().NotNil(current)
		s.Equal("ver-draft", current.ID)
	})
}

func (s *ConsentHandlerSuite) TestContentHash() {
	s.seedTos()
	token := s.token("admin-a", "tenant-a")

	w := s.request(http.MethodGet, "/admin/statements/stmt-tos/versions/ver-tos/hash", nil, token)
	s.Require().Equal(http.StatusOK, w.Code)

	var resp map[string]string
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Len(resp["content_hash"], 64)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:4242"

	if got := clientIP(req); got != "203.0.113.7" {
		t.Errorf("clientIP() = %q, want remote host", got)
	}

	req.Header.Set("X-Forwarded-For", "198.51.100.9, 203.0.113.7")
	if got := clientIP(req); got != "198.51.100.9" {
		t.Errorf("clientIP() = %q, want first forwarded hop", got)
	}
}
