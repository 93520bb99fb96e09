package consent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is the test double used by unit tests and local runs. It
// mirrors the Postgres store's contract, including tenant scoping and the
// (display_order, created_at) catalog ordering.
type InMemoryStore struct {
	mu            sync.RWMutex
	statements    map[string]*Statement        // by statement id
	versions      map[string]*StatementVersion // by version id
	localizations map[string][]Localization    // by version id
	requirements  map[string]*TenantRequirement
	overrides     map[string]*ClientOverride
	records       map[string]*UserConsentRecord // by tenant|user|statement
	history       []*HistoryRecord

	// writes counts record saves and history appends; idempotency tests
	// assert it stays flat across repeated identical decision calls.
	writes int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		statements:    make(map[string]*Statement),
		versions:      make(map[string]*StatementVersion),
		localizations: make(map[string][]Localization),
		requirements:  make(map[string]*TenantRequirement),
		overrides:     make(map[string]*ClientOverride),
		records:       make(map[string]*UserConsentRecord),
	}
}

func recordKey(tenantID, userID, statementID string) string {
	return tenantID + "|" + userID + "|" + statementID
}

// Seeding helpers for tests and local bootstrap.

func (s *InMemoryStore) PutStatement(st *Statement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.statements[st.ID] = &cp
}

func (s *InMemoryStore) PutVersion(v *StatementVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.versions[v.ID] = &cp
}

func (s *InMemoryStore) PutLocalization(loc Localization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localizations[loc.VersionID] = append(s.localizations[loc.VersionID], loc)
}

func (s *InMemoryStore) PutTenantRequirement(req *TenantRequirement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requirements[req.TenantID+"|"+req.StatementID] = &cp
}

func (s *InMemoryStore) PutClientOverride(ov *ClientOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ov
	s.overrides[ov.TenantID+"|"+ov.ClientID+"|"+ov.StatementID] = &cp
}

// WriteCount returns the number of record/history mutations so far.
func (s *InMemoryStore) WriteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Store implementation.

func (s *InMemoryStore) ListActiveStatements(_ context.Context, tenantID string) ([]*Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Statement
	for _, st := range s.statements {
		if st.TenantID == tenantID && st.Active {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) CurrentVersion(_ context.Context, tenantID, statementID string) (*StatementVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.statementInTenant(tenantID, statementID) {
		return nil, nil
	}
	for _, v := range s.versions {
		if v.StatementID == statementID && v.IsCurrent {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) Version(_ context.Context, tenantID, statementID, versionID string) (*StatementVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.statementInTenant(tenantID, statementID) {
		return nil, nil
	}
	v, ok := s.versions[versionID]
	if !ok || v.StatementID != statementID {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *InMemoryStore) Localizations(_ context.Context, versionID string) ([]Localization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Localization{}, s.localizations[versionID]...), nil
}

func (s *InMemoryStore) TenantRequirement(_ context.Context, tenantID, statementID string) (*TenantRequirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requirements[tenantID+"|"+statementID]
	if !ok {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (s *InMemoryStore) ClientOverride(_ context.Context, tenantID, clientID, statementID string) (*ClientOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ov, ok := s.overrides[tenantID+"|"+clientID+"|"+statementID]
	if !ok {
		return nil, nil
	}
	cp := *ov
	return &cp, nil
}

func (s *InMemoryStore) Record(_ context.Context, tenantID, userID, statementID string) (*UserConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey(tenantID, userID, statementID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) ListRecords(_ context.Context, tenantID, userID string) ([]*UserConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*UserConsentRecord
	for _, rec := range s.records {
		if rec.TenantID == tenantID && rec.UserID == userID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatementID < out[j].StatementID })
	return out, nil
}

func (s *InMemoryStore) SaveRecord(_ context.Context, record *UserConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	cp.UpdatedAt = time.Now()
	s.records[recordKey(record.TenantID, record.UserID, record.StatementID)] = &cp
	s.writes++
	return nil
}

func (s *InMemoryStore) AppendHistory(_ context.Context, entry *HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.history = append(s.history, &cp)
	s.writes++
	return nil
}

func (s *InMemoryStore) ListHistory(_ context.Context, tenantID, userID, statementID string) ([]*HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*HistoryRecord
	for _, h := range s.history {
		if h.TenantID == tenantID && h.UserID == userID && h.StatementID == statementID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) DemoteCurrentVersion(_ context.Context, tenantID, statementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.StatementID == statementID && v.IsCurrent {
			v.IsCurrent = false
			v.Status = VersionStatusArchived
		}
	}
	return nil
}

func (s *InMemoryStore) PromoteVersion(_ context.Context, tenantID, statementID, versionID, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return nil
	}
	v.IsCurrent = true
	v.Status = VersionStatusActive
	v.ContentHash = contentHash
	return nil
}

func (s *InMemoryStore) statementInTenant(tenantID, statementID string) bool {
	st, ok := s.statements[statementID]
	return ok && st.TenantID == tenantID
}
