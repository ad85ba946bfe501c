package credentials

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/debdevops/servicehub/internal/apperr"
	"github.com/debdevops/servicehub/internal/domain"
)

// MemoryStore is an in-memory Store, used by tests and the simulator-backed
// bootstrap wiring.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]domain.Namespace
	creds  map[string]domain.Credential
	byName map[string]string
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   map[string]domain.Namespace{},
		creds:  map[string]domain.Credential{},
		byName: map[string]string{},
	}
}

func (s *MemoryStore) Register(ctx context.Context, ns domain.Namespace, cred domain.Credential) (domain.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[ns.Name]; exists {
		return domain.Namespace{}, apperr.New(apperr.KindConflict, "namespace_name_conflict", "a namespace with this name already exists")
	}

	now := time.Now().UTC()
	ns.CreatedAt = now
	ns.UpdatedAt = now
	ns.Active = true

	s.byID[ns.ID] = ns
	s.byName[ns.Name] = ns.ID
	cred.NamespaceID = ns.ID
	s.creds[ns.ID] = cred

	return ns, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (domain.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.byID[id]
	if !ok {
		return domain.Namespace{}, apperr.New(apperr.KindNotFound, "namespace_not_found", "namespace not found")
	}

	return ns, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]domain.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Namespace, 0, len(s.byID))
	for _, ns := range s.byID {
		out = append(out, ns)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (s *MemoryStore) ActiveNamespaceIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, ns := range s.byID {
		if ns.Active {
			out = append(out, id)
		}
	}

	sort.Strings(out)

	return out, nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.byID[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "namespace_not_found", "namespace not found")
	}

	ns.Active = false
	ns.UpdatedAt = time.Now().UTC()
	s.byID[id] = ns

	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.byID[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "namespace_not_found", "namespace not found")
	}

	delete(s.byID, id)
	delete(s.creds, id)
	delete(s.byName, ns.Name)

	return nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id string) (domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[id]
	if !ok {
		return domain.Credential{}, unauthorized(id, nil)
	}

	return cred, nil
}

func (s *MemoryStore) RecordConnectionTest(ctx context.Context, id string, succeeded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.byID[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "namespace_not_found", "namespace not found")
	}

	now := time.Now().UTC()
	ns.LastConnectionTestAt = &now
	ns.LastConnectionTestSucceeded = &succeeded
	s.byID[id] = ns

	return nil
}
