package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
)

// MemoryStore keeps records in process memory. Used with STORE=memory and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*model.User // user id -> user
	orphans []*model.OrphanedAccount
	nextID  int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*model.User)}
}

func (s *MemoryStore) Load(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.byUsername(username)
	if u == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	return u.Clone(), nil
}

func (s *MemoryStore) LoadByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			out := u.Clone()
			out.Bindings = nil
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
}

func (s *MemoryStore) Save(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, other := range s.users {
		if id == user.UserID {
			continue
		}
		if other.Username == user.Username || strings.EqualFold(other.Email, user.Email) {
			return fmt.Errorf("%w: %s", ErrDuplicate, user.Username)
		}
	}

	now := time.Now()
	stored := user.Clone()
	if prev, ok := s.users[user.UserID]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Renumber()
	s.users[user.UserID] = stored

	user.CreatedAt = stored.CreatedAt
	user.UpdatedAt = stored.UpdatedAt
	user.Renumber()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.byUsername(username)
	if u == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	delete(s.users, u.UserID)
	return nil
}

func (s *MemoryStore) byUsername(username string) *model.User {
	for _, u := range s.users {
		if u.Username == username {
			return u
		}
	}
	return nil
}

// Usernames lists stored usernames in sorted order.
func (s *MemoryStore) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Username)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) RecordOrphan(_ context.Context, orphan *model.OrphanedAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	orphan.ID = s.nextID
	if orphan.CreatedAt.IsZero() {
		orphan.CreatedAt = time.Now()
	}
	cp := *orphan
	s.orphans = append(s.orphans, &cp)
	return nil
}

func (s *MemoryStore) ListPendingOrphans(_ context.Context, maxAttempts, limit int) ([]*model.OrphanedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.OrphanedAccount
	for _, o := range s.orphans {
		if o.Resolved || o.Attempts >= maxAttempts {
			continue
		}
		cp := *o
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkOrphanResolved(_ context.Context, id int64) error {
	return s.updateOrphan(id, func(o *model.OrphanedAccount) { o.Resolved = true })
}

func (s *MemoryStore) BumpOrphanAttempt(_ context.Context, id int64, reason string) error {
	return s.updateOrphan(id, func(o *model.OrphanedAccount) {
		o.Attempts++
		o.Reason = reason
	})
}

func (s *MemoryStore) ResolveOrphansFor(_ context.Context, p model.Platform, nativeID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.orphans {
		if !o.Resolved && o.Platform == p && o.NativeID == nativeID {
			o.Resolved = true
			o.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) updateOrphan(id int64, fn func(*model.OrphanedAccount)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orphans {
		if o.ID == id {
			fn(o)
			o.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("orphan %d not found", id)
}

// Orphans returns a snapshot of every recorded orphan.
func (s *MemoryStore) Orphans() []model.OrphanedAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.OrphanedAccount, len(s.orphans))
	for i, o := range s.orphans {
		out[i] = *o
	}
	return out
}
