package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/event"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/repo"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

// fakeAdapter keeps accounts in memory and replays scripted errors per operation.
type fakeAdapter struct {
	mu       sync.Mutex
	platform model.Platform
	accounts map[string]string // username -> native id
	access   map[string]model.Attributes
	profiles map[string]platform.ProfileChange
	errs     map[Op][]error
	calls    []Op
	seq      int
	// before runs ahead of every call, outside the lock.
	before func(op Op)
}

func newFakeAdapter(p model.Platform) *fakeAdapter {
	return &fakeAdapter{
		platform: p,
		accounts: make(map[string]string),
		access:   make(map[string]model.Attributes),
		profiles: make(map[string]platform.ProfileChange),
		errs:     make(map[Op][]error),
	}
}

// fail scripts the next len(errs) calls of op to return errs in order.
func (f *fakeAdapter) fail(op Op, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
}

func (f *fakeAdapter) enter(op Op) error {
	if f.before != nil {
		f.before(op)
	}
	f.mu.Lock()
	f.calls = append(f.calls, op)
	var err error
	if q := f.errs[op]; len(q) > 0 {
		err, f.errs[op] = q[0], q[1:]
	}
	f.mu.Unlock()
	return err
}

func (f *fakeAdapter) count(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeAdapter) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdapter) hasAccount(username string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.accounts[username]
	return ok
}

func (f *fakeAdapter) granted(nativeID string) (model.Attributes, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.access[nativeID]
	return a, ok
}

// seed creates a remote account outside the orchestrator.
func (f *fakeAdapter) seed(username string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%s-%d", f.platform, f.seq)
	f.accounts[username] = id
	return id
}

func (f *fakeAdapter) Platform() model.Platform { return f.platform }

func (f *fakeAdapter) FindIdentity(_ context.Context, id platform.Identity) (string, error) {
	if err := f.enter(OpFindIdentity); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if native, ok := f.accounts[id.Username]; ok {
		return native, nil
	}
	return "", platform.ErrNotFound
}

func (f *fakeAdapter) CreateAccount(_ context.Context, cred platform.Credentials, _ model.Attributes) (string, error) {
	if err := f.enter(OpCreateAccount); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[cred.Username]; ok {
		return "", platform.ErrConflict
	}
	f.seq++
	id := fmt.Sprintf("%s-%d", f.platform, f.seq)
	f.accounts[cred.Username] = id
	return id, nil
}

func (f *fakeAdapter) ApplyAccess(_ context.Context, nativeID string, _ platform.Identity, desired model.Attributes) (model.Attributes, error) {
	if err := f.enter(OpApplyAccess); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access[nativeID] = desired
	return desired, nil
}

func (f *fakeAdapter) UpdateAccess(_ context.Context, nativeID string, current, desired model.Attributes) (model.Attributes, error) {
	if err := f.enter(OpUpdateAccess); err != nil {
		return nil, err
	}
	merged := current.Merge(desired)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access[nativeID] = merged
	return merged, nil
}

func (f *fakeAdapter) RevokeAccess(_ context.Context, nativeID string, _ model.Attributes) error {
	if err := f.enter(OpRevokeAccess); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.access, nativeID)
	return nil
}

func (f *fakeAdapter) DeleteAccount(_ context.Context, nativeID string) error {
	if err := f.enter(OpDeleteAccount); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, id := range f.accounts {
		if id == nativeID {
			delete(f.accounts, name)
			return nil
		}
	}
	return platform.ErrNotFound
}

func (f *fakeAdapter) UpdateProfile(_ context.Context, nativeID string, change platform.ProfileChange) error {
	if err := f.enter(OpUpdateProfile); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[nativeID] = change
	if change.Username != "" {
		for name, id := range f.accounts {
			if id == nativeID {
				delete(f.accounts, name)
				f.accounts[change.Username] = id
				break
			}
		}
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	orch     *Orchestrator
	registry *platform.Registry
	store    *repo.MemoryStore
	events   *recordingPublisher
	adapters map[model.Platform]*fakeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := platform.NewRegistry()
	f := &fixture{
		registry: reg,
		store:    repo.NewMemoryStore(),
		events:   &recordingPublisher{},
		adapters: make(map[model.Platform]*fakeAdapter),
	}
	for _, p := range model.Platforms {
		a := newFakeAdapter(p)
		if err := reg.Register(a); err != nil {
			t.Fatalf("register %s: %v", p, err)
		}
		f.adapters[p] = a
	}
	f.orch = f.newOrchestrator(f.store)
	return f
}

// newOrchestrator builds an orchestrator over the fixture's adapters with a
// different user store.
func (f *fixture) newOrchestrator(users repo.UserRepository) *Orchestrator {
	return NewOrchestrator(f.registry, users, testLogger(), Options{
		Retry:        RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond},
		Events:       f.events,
		Orphans:      f.store,
		PasswordCost: bcrypt.MinCost,
	})
}

// saveFailingStore is a MemoryStore whose Save always fails.
type saveFailingStore struct {
	*repo.MemoryStore
	err error
}

func (s *saveFailingStore) Save(context.Context, *model.User) error { return s.err }

func (f *fixture) adapter(p model.Platform) *fakeAdapter { return f.adapters[p] }

func (f *fixture) remoteCalls() int {
	n := 0
	for _, a := range f.adapters {
		n += a.totalCalls()
	}
	return n
}

func gitlab(role string, group int64, repos ...int64) model.DesiredPlatformConfig {
	return model.Desired(model.SourceControlAttrs{Role: role, GroupID: group, RepoAccess: repos})
}

func chat(team, role string, channels ...string) model.DesiredPlatformConfig {
	return model.Desired(model.TeamChatAttrs{Team: team, Role: role, DefaultChannels: channels})
}

func files(group string, quota int) model.DesiredPlatformConfig {
	return model.Desired(model.FileSyncAttrs{GroupID: group, StorageLimitMB: quota})
}

func drive(folder, role string) model.DesiredPlatformConfig {
	return model.Desired(model.CloudDriveAttrs{SharedFolderID: folder, Role: role})
}
