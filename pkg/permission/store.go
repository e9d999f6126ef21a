package permission

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used in tests and in deployments without
// a database. All methods are safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	blacklist   map[string]struct{}
	groupAdmins map[string]map[string]struct{} // groupID -> userIDs
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blacklist:   make(map[string]struct{}),
		groupAdmins: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) IsBlacklisted(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blacklist[userID]
	return ok, nil
}

func (s *MemoryStore) IsGroupAdmin(_ context.Context, userID, groupID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	admins, ok := s.groupAdmins[groupID]
	if !ok {
		return false, nil
	}
	_, ok = admins[userID]
	return ok, nil
}

// Block adds a user to the blacklist.
func (s *MemoryStore) Block(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist[userID] = struct{}{}
}

// Unblock removes a user from the blacklist.
func (s *MemoryStore) Unblock(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blacklist, userID)
}

// SetGroupAdmin marks a user as admin of a group.
func (s *MemoryStore) SetGroupAdmin(groupID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groupAdmins[groupID] == nil {
		s.groupAdmins[groupID] = make(map[string]struct{})
	}
	s.groupAdmins[groupID][userID] = struct{}{}
}
