package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"consentry/internal/audit"
	"consentry/internal/consent"
	"consentry/internal/consent/metrics"
	dErrors "consentry/pkg/domain-errors"
)

// Clock is injected for testability and defaults to time.Now.
type Clock func() time.Time

// Service is the consent-management engine: it resolves which consent items a
// user must grant, checks prior consent against current requirements, applies
// decisions as audited state transitions, and manages the versioned content
// lifecycle. It keeps orchestration out of handlers and domain logic thin.
type Service struct {
	store   consent.Store
	tx      StoreTx
	salts   consent.SaltStore
	auditor *audit.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   Clock
	base    ClaimSource
	profile ClaimSource
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock function for testability.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSaltStore wires the KV collaborator holding per-tenant IP-hash salts.
func WithSaltStore(salts consent.SaltStore) Option {
	return func(s *Service) { s.salts = salts }
}

// WithAuditPublisher wires best-effort audit event emission.
func WithAuditPublisher(p *audit.Publisher) Option {
	return func(s *Service) { s.auditor = p }
}

// WithMetrics wires Prometheus observability. All metric methods are nil-safe.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClaimSources wires the base and optional supplementary claim sources
// used when the caller does not pass a claim bag itself.
func WithClaimSources(base, profile ClaimSource) Option {
	return func(s *Service) {
		s.base = base
		s.profile = profile
	}
}

func NewService(store consent.Store, tx StoreTx, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tx:     tx,
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ResolveRequirements merges tenant defaults, client overrides and
// conditional-rule outcomes for every active statement of the tenant.
// clientID may be empty when no client context exists. Statements without a
// current version are excluded entirely: an unpublished statement cannot be
// enforced. Output is sorted by display order with a stable sort, so ties
// keep catalog order.
func (s *Service) ResolveRequirements(ctx context.Context, tenantID, clientID string, claims consent.Claims) ([]consent.ResolvedRequirement, error) {
	start := s.clock()
	statements, err := s.store.ListActiveStatements(ctx, tenantID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "list statements")
	}

	resolved := make([]consent.ResolvedRequirement, 0, len(statements))
	for _, st := range statements {
		req, err := s.resolveStatement(ctx, st, tenantID, clientID, claims)
		if err != nil {
			return nil, err
		}
		if req != nil {
			resolved = append(resolved, *req)
		}
	}

	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].DisplayOrder < resolved[j].DisplayOrder
	})

	s.metrics.ObserveResolveLatency(s.clock().Sub(start))
	return resolved, nil
}

// resolveStatement produces the resolved requirement for one statement, or
// nil when the statement is excluded (no current version, or a hidden
// outcome from the client override or either rule list).
func (s *Service) resolveStatement(ctx context.Context, st *consent.Statement, tenantID, clientID string, claims consent.Claims) (*consent.ResolvedRequirement, error) {
	now := s.clock()

	current, err := s.store.CurrentVersion(ctx, tenantID, st.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "load current version")
	}
	if current == nil {
		return nil, nil
	}

	tenantReq, err := s.store.TenantRequirement(ctx, tenantID, st.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "load tenant requirement")
	}

	var override *consent.ClientOverride
	if clientID != "" {
		override, err = s.store.ClientOverride(ctx, tenantID, clientID, st.ID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeStorage, "load client override")
		}
	}

	// A hidden override suppresses the statement before anything else runs,
	// including tenant rules that would force it required.
	if override != nil && override.Requirement == consent.OverrideHidden {
		return nil, nil
	}

	resolved := consent.ResolvedRequirement{
		StatementID:    st.ID,
		Slug:           st.Slug,
		Enforcement:    consent.EnforcementBlock,
		DisplayOrder:   st.DisplayOrder,
		CurrentVersion: *current,
	}

	if tenantReq != nil {
		resolved.IsRequired = tenantReq.IsRequired
		resolved.MinVersion = tenantReq.MinVersion
		if tenantReq.Enforcement != "" {
			resolved.Enforcement = tenantReq.Enforcement
		}
		resolved.ShowDeletionLink = tenantReq.ShowDeletionLink
		resolved.DeletionURL = tenantReq.DeletionURL
		if tenantReq.DisplayOrder != nil {
			resolved.DisplayOrder = *tenantReq.DisplayOrder
		}

		if len(tenantReq.Rules) > 0 {
			switch consent.EvaluateRules(tenantReq.Rules, claims, now) {
			case consent.OutcomeRequired:
				resolved.IsRequired = true
			case consent.OutcomeOptional:
				resolved.IsRequired = false
			case consent.OutcomeHidden:
				return nil, nil
			}
		}
	}

	if override != nil {
		switch override.Requirement {
		case consent.OverrideRequired:
			resolved.IsRequired = true
		case consent.OverrideOptional:
			resolved.IsRequired = false
		case consent.OverrideInherit:
			// keep the tenant-derived value
		}
		if override.MinVersion != nil {
			resolved.MinVersion = *override.MinVersion
		}
		if override.Enforcement != nil {
			resolved.Enforcement = *override.Enforcement
		}
		if override.DisplayOrder != nil {
			resolved.DisplayOrder = *override.DisplayOrder
		}

		// Client rules run even after tenant rules already did; their hidden
		// outcome suppresses the statement just the same.
		if len(override.Rules) > 0 {
			switch consent.EvaluateRules(override.Rules, claims, now) {
			case consent.OutcomeRequired:
				resolved.IsRequired = true
			case consent.OutcomeOptional:
				resolved.IsRequired = false
			case consent.OutcomeHidden:
				return nil, nil
			}
		}
	}

	return &resolved, nil
}

// CheckSatisfaction compares the user's consent records against the resolved
// requirements. Only required items can be unsatisfied; the unsatisfied list
// follows the resolved-requirement order.
func (s *Service) CheckSatisfaction(ctx context.Context, tenantID, userID string, requirements []consent.ResolvedRequirement) (consent.Satisfaction, error) {
	records, err := s.recordsByStatement(ctx, tenantID, userID)
	if err != nil {
		return consent.Satisfaction{}, err
	}
	now := s.clock()

	result := consent.Satisfaction{Satisfied: true, Unsatisfied: []string{}}
	for _, req := range requirements {
		if !req.IsRequired {
			continue
		}
		if !recordSatisfies(records[req.StatementID], req.MinVersion, now) {
			result.Satisfied = false
			result.Unsatisfied = append(result.Unsatisfied, req.StatementID)
		}
	}

	if result.Satisfied {
		s.metrics.IncrementSatisfaction("satisfied")
	} else {
		s.metrics.IncrementSatisfaction("unsatisfied")
	}
	return result, nil
}

// Satisfaction gathers the user's claims, resolves requirements with them and
// checks the user's records in one call. The authorization flow must see the
// same claim-conditional requirements the consent screen renders; resolving
// without claims here would let a conditionally required item pass unnoticed.
func (s *Service) Satisfaction(ctx context.Context, tenantID, clientID, userID string) (consent.Satisfaction, error) {
	claims, err := s.gatherClaims(ctx, tenantID, userID)
	if err != nil {
		return consent.Satisfaction{}, err
	}
	requirements, err := s.ResolveRequirements(ctx, tenantID, clientID, claims)
	if err != nil {
		return consent.Satisfaction{}, err
	}
	return s.CheckSatisfaction(ctx, tenantID, userID, requirements)
}

// recordSatisfies reports whether one record satisfies a required item.
func recordSatisfies(rec *consent.UserConsentRecord, minVersion string, now time.Time) bool {
	if rec == nil {
		return false
	}
	if rec.Status != consent.RecordGranted {
		return false
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(now) {
		return false
	}
	// Fixed-width YYYYMMDD versions compare lexicographically.
	if minVersion != "" && rec.Version < minVersion {
		return false
	}
	return true
}

// ScreenItems assembles the user-facing consent item list: resolved
// requirements joined with localized content and the user's current state.
// Claims come from the wired claim sources; language fallback runs
// userLanguage, tenantDefaultLanguage, then "en".
func (s *Service) ScreenItems(ctx context.Context, tenantID, clientID, userID, language, tenantDefaultLanguage string) ([]consent.ScreenItem, error) {
	claims, err := s.gatherClaims(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	requirements, err := s.ResolveRequirements(ctx, tenantID, clientID, claims)
	if err != nil {
		return nil, err
	}

	records, err := s.recordsByStatement(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	items := make([]consent.ScreenItem, 0, len(requirements))
	for _, req := range requirements {
		locs, err := s.store.Localizations(ctx, req.CurrentVersion.ID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeStorage, "load localizations")
		}

		item := consent.ScreenItem{
			StatementID:      req.StatementID,
			Slug:             req.Slug,
			Title:            req.Slug,
			IsRequired:       req.IsRequired,
			Enforcement:      req.Enforcement,
			ShowDeletionLink: req.ShowDeletionLink,
			DeletionURL:      req.DeletionURL,
			CurrentVersion:   req.CurrentVersion.Version,
		}

		if loc, ok := pickLocalization(locs, language, tenantDefaultLanguage); ok {
			item.Language = loc.Language
			if loc.Title != "" {
				item.Title = loc.Title
			}
			item.Description = loc.Description
			if req.CurrentVersion.ContentType == consent.ContentTypeURL {
				item.DocumentURL = loc.DocumentURL
			} else {
				item.InlineContent = loc.InlineContent
			}
		}

		if rec := records[req.StatementID]; rec != nil {
			item.UserStatus = rec.Status
			item.UserVersion = rec.Version
			item.NeedsVersionUpgrade = rec.Status == consent.RecordGranted &&
				rec.Version != "" && req.MinVersion != "" &&
				rec.Version < req.MinVersion
		}

		items = append(items, item)
	}
	return items, nil
}

// pickLocalization walks the deduplicated fallback chain, then settles for
// the first available row.
func pickLocalization(locs []consent.Localization, language, tenantDefault string) (consent.Localization, bool) {
	if len(locs) == 0 {
		return consent.Localization{}, false
	}
	seen := make(map[string]bool, 3)
	for _, lang := range []string{language, tenantDefault, "en"} {
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		for _, loc := range locs {
			if loc.Language == lang {
				return loc, true
			}
		}
	}
	return locs[0], true
}

// ActivateVersion promotes a draft version to current. The demote+promote
// pair runs in one transaction so the statement never transiently has zero or
// two current versions.
func (s *Service) ActivateVersion(ctx context.Context, tenantID, statementID, versionID string) error {
	version, err := s.store.Version(ctx, tenantID, statementID, versionID)
	if err != nil {
		s.metrics.IncrementActivation("error")
		return dErrors.Wrap(err, dErrors.CodeStorage, "load version")
	}
	if version == nil {
		s.metrics.IncrementActivation("not_found")
		return dErrors.New(dErrors.CodeNotFound, "version not found")
	}

	locs, err := s.store.Localizations(ctx, versionID)
	if err != nil {
		s.metrics.IncrementActivation("error")
		return dErrors.Wrap(err, dErrors.CodeStorage, "load localizations")
	}
	if len(locs) == 0 {
		// A version with no displayable content can never become current.
		s.metrics.IncrementActivation("no_localizations")
		return dErrors.New(dErrors.CodeValidation, "version has no localizations")
	}

	contentHash := consent.HashLocalizations(version.ContentType, locs)

	err = s.tx.RunInTx(ctx, func(txCtx context.Context, store consent.Store) error {
		if err := store.DemoteCurrentVersion(txCtx, tenantID, statementID); err != nil {
			return err
		}
		return store.PromoteVersion(txCtx, tenantID, statementID, versionID, contentHash)
	})
	if err != nil {
		s.metrics.IncrementActivation("error")
		return dErrors.Wrap(err, dErrors.CodeStorage, "activate version")
	}

	s.metrics.IncrementActivation("ok")
	s.emitAudit(ctx, audit.Event{
		TenantID:    tenantID,
		StatementID: statementID,
		Action:      audit.ActionVersionActivated,
		Version:     version.Version,
	})
	return nil
}

// ComputeContentHash recomputes the deterministic content hash for a stored
// version. Fails loudly when the version does not exist.
func (s *Service) ComputeContentHash(ctx context.Context, tenantID, statementID, versionID string) (string, error) {
	version, err := s.store.Version(ctx, tenantID, statementID, versionID)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeStorage, "load version")
	}
	if version == nil {
		return "", dErrors.New(dErrors.CodeNotFound, "version not found")
	}
	locs, err := s.store.Localizations(ctx, versionID)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeStorage, "load localizations")
	}
	return consent.HashLocalizations(version.ContentType, locs), nil
}

// HashIP produces the salted evidence digest for a client address, using the
// tenant's lazily provisioned salt and degrading to the tenant id when the
// salt store is unreachable.
func (s *Service) HashIP(ctx context.Context, tenantID, ip string) string {
	if s.salts == nil {
		s.metrics.IncrementSaltFallback()
	}
	return consent.HashIPForTenant(ctx, s.salts, tenantID, ip)
}

// ListUserConsents returns the user's current consent records for the
// self-service surface.
func (s *Service) ListUserConsents(ctx context.Context, tenantID, userID string) ([]*consent.UserConsentRecord, error) {
	records, err := s.store.ListRecords(ctx, tenantID, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "list records")
	}
	return records, nil
}

// ListHistory returns the append-only transition rows for one statement.
func (s *Service) ListHistory(ctx context.Context, tenantID, userID, statementID string) ([]*consent.HistoryRecord, error) {
	history, err := s.store.ListHistory(ctx, tenantID, userID, statementID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "list history")
	}
	return history, nil
}

func (s *Service) recordsByStatement(ctx context.Context, tenantID, userID string) (map[string]*consent.UserConsentRecord, error) {
	records, err := s.store.ListRecords(ctx, tenantID, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "list records")
	}
	byStatement := make(map[string]*consent.UserConsentRecord, len(records))
	for _, rec := range records {
		byStatement[rec.StatementID] = rec
	}
	return byStatement, nil
}

func (s *Service) emitAudit(ctx context.Context, event audit.Event) {
	if s.auditor != nil {
		s.auditor.Emit(ctx, event)
	}
}
