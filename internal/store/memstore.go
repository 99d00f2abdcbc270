package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory [Store] for tests and demo deployments that run
// without PostgreSQL. Safe for concurrent use.
type MemStore struct {
	mu         sync.RWMutex
	nextID     int64
	businesses map[string]*Business // keyed by phone number
	rules      []CorrectionRule
	records    map[string]*CallRecord // keyed by call SID
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		nextID:     1,
		businesses: make(map[string]*Business),
		records:    make(map[string]*CallRecord),
	}
}

// AddBusiness registers a business, assigning it an ID. Not part of [Store];
// used for seeding.
func (s *MemStore) AddBusiness(b Business) *Business {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = s.nextID
	s.nextID++
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	s.businesses[b.PhoneNumber] = &b
	return &b
}

// AddRule appends a correction rule. Not part of [Store]; used for seeding.
func (s *MemStore) AddRule(r CorrectionRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, r)
}

// BusinessByNumber implements [Store].
func (s *MemStore) BusinessByNumber(_ context.Context, phoneNumber string) (*Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.businesses[phoneNumber]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

// ListCorrectionRules implements [Store].
func (s *MemStore) ListCorrectionRules(_ context.Context) ([]CorrectionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CorrectionRule, len(s.rules))
	copy(out, s.rules)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// SaveCallRecord implements [Store].
func (s *MemStore) SaveCallRecord(_ context.Context, rec *CallRecord) error {
	if rec.CallSID == "" {
		return fmt.Errorf("store: call record requires a call SID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.CallSID]; exists {
		return fmt.Errorf("store: call record %q already exists", rec.CallSID)
	}
	cp := *rec
	s.records[rec.CallSID] = &cp
	return nil
}

// CallRecord returns a saved record by SID, or nil. Not part of [Store];
// used by tests.
func (s *MemStore) CallRecord(callSID string) *CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[callSID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}
