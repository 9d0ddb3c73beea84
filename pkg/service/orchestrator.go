package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/event"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/repo"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxUsernameLen = 64

	defaultCleanupTimeout = 30 * time.Second
)

// AdapterRegistry resolves platform tags to adapters.
type AdapterRegistry interface {
	Resolve(p model.Platform) (platform.Adapter, error)
	Validate(cfg model.DesiredPlatformConfig) error
}

// EventPublisher receives lifecycle events after a call commits.
type EventPublisher interface {
	Publish(ctx context.Context, e event.Event) error
}

type ProvisionRequest struct {
	Username  string
	Email     string
	Password  string
	Platforms []model.DesiredPlatformConfig
}

// UserPatch changes user fields. Empty fields are left as they are.
type UserPatch struct {
	NewUsername string
	Email       string
	Password    string
}

type Options struct {
	Retry   RetryPolicy
	Locker  Locker
	Events  EventPublisher
	Orphans repo.OrphanRepository
	// CompensationTimeout bounds cleanup that runs after the caller's context is done.
	CompensationTimeout time.Duration
	// PasswordCost is the bcrypt cost; zero means bcrypt.DefaultCost.
	PasswordCost int
}

// Orchestrator drives one user's platform bindings toward a desired set.
type Orchestrator struct {
	registry AdapterRegistry
	users    repo.UserRepository
	orphans  repo.OrphanRepository
	locker   Locker
	retry    RetryPolicy
	events   EventPublisher
	metrics  *orchestratorMetrics
	log      *logrus.Logger

	cleanupTimeout time.Duration
	passwordCost   int
	newID          func() string
}

func NewOrchestrator(registry AdapterRegistry, users repo.UserRepository, log *logrus.Logger, opts Options) *Orchestrator {
	o := &Orchestrator{
		registry:       registry,
		users:          users,
		orphans:        opts.Orphans,
		locker:         opts.Locker,
		retry:          opts.Retry,
		events:         opts.Events,
		log:            log,
		cleanupTimeout: opts.CompensationTimeout,
		passwordCost:   opts.PasswordCost,
		newID:          uuid.NewString,
	}
	if o.locker == nil {
		o.locker = NewLocalLocker()
	}
	if o.retry == (RetryPolicy{}) {
		o.retry = DefaultRetryPolicy
	}
	if o.events == nil {
		o.events = event.Nop{}
	}
	if o.cleanupTimeout <= 0 {
		o.cleanupTimeout = defaultCleanupTimeout
	}
	if o.passwordCost == 0 {
		o.passwordCost = bcrypt.DefaultCost
	}
	o.metrics = newOrchestratorMetrics(log)
	return o
}

// step is one validated desired platform config with its adapter.
type step struct {
	cfg     model.DesiredPlatformConfig
	adapter platform.Adapter
	// profileOnly skips update_access: the caller did not send a platform list.
	profileOnly bool
}

func (s step) platform() model.Platform { return s.adapter.Platform() }

// provisioned is a binding reached (or attempted) on the create or add path.
type provisioned struct {
	adapter platform.Adapter
	desired model.Attributes
	binding model.PlatformBinding
	state   *bindingState
	// created is set when this call created the remote account.
	created bool
}

// Provision creates the user on every listed platform, or, when the username
// already exists, reconciles it toward the request.
func (o *Orchestrator) Provision(ctx context.Context, req ProvisionRequest) (*Result, error) {
	if err := validateUsername("username", req.Username); err != nil {
		return nil, err
	}
	if req.Email != "" {
		if err := validateEmail(req.Email); err != nil {
			return nil, err
		}
	}
	steps, err := o.plan(req.Platforms)
	if err != nil {
		return nil, err
	}

	unlock, err := o.locker.Lock(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := o.users.Load(ctx, req.Username)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return o.create(ctx, req, steps)
	case err != nil:
		return nil, err
	}
	return o.update(ctx, current, UserPatch{Email: req.Email, Password: req.Password}, steps)
}

// Reconcile moves an existing user's bindings to platforms without touching user fields.
func (o *Orchestrator) Reconcile(ctx context.Context, username string, platforms []model.DesiredPlatformConfig) (*Result, error) {
	if platforms == nil {
		platforms = []model.DesiredPlatformConfig{}
	}
	return o.Update(ctx, username, UserPatch{}, platforms)
}

// Update applies patch and, when platforms is non-nil, reconciles the binding
// set. A nil platforms keeps every binding and only propagates the patch.
func (o *Orchestrator) Update(ctx context.Context, username string, patch UserPatch, platforms []model.DesiredPlatformConfig) (*Result, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	var steps []step
	if platforms != nil {
		var err error
		if steps, err = o.plan(platforms); err != nil {
			return nil, err
		}
	}

	locked := []string{username}
	if patch.NewUsername != "" {
		locked = append(locked, patch.NewUsername)
	}
	unlock, err := o.lockUsers(ctx, locked...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := o.users.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	if platforms == nil {
		if steps, err = o.keepAll(current); err != nil {
			return nil, err
		}
	}
	return o.update(ctx, current, patch, steps)
}

// lockUsers takes the per-username locks in sorted order and returns one
// unlock for all of them.
func (o *Orchestrator) lockUsers(ctx context.Context, usernames ...string) (func(), error) {
	keys := append([]string(nil), usernames...)
	sort.Strings(keys)

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for i, key := range keys {
		if i > 0 && key == keys[i-1] {
			continue
		}
		unlock, err := o.locker.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// Deprovision removes the user from every bound platform, best effort, and
// deletes the local record. Cleanup failures come back as warnings.
func (o *Orchestrator) Deprovision(ctx context.Context, username string) ([]Warning, error) {
	unlock, err := o.locker.Lock(ctx, username)
	if err != nil {
		return nil, err
	}
	defer unlock()

	user, err := o.users.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	log := o.log.WithFields(logrus.Fields{"component": "orchestrator", "path": "delete", "username": username})
	log.Infof("deprovisioning %d platform(s)", len(user.Bindings))

	var warnings []Warning
	for _, b := range user.Bindings {
		warnings = append(warnings, o.remove(ctx, log, username, b, model.OrphanDelete)...)
	}

	// 远端清理结束后本地记录必须删除, 不受调用方取消影响
	dctx, cancel := o.detached(ctx)
	defer cancel()
	if err := o.users.Delete(dctx, username); err != nil {
		o.metrics.call("delete", "failed")
		return warnings, err
	}

	o.metrics.call("delete", outcomeOf(warnings, nil))
	o.publish(dctx, log, event.UserDeprovisioned, user, warnings, nil)
	log.Infof("deprovisioned with %d warning(s)", len(warnings))
	return warnings, nil
}

// Get returns the stored record without contacting any platform.
func (o *Orchestrator) Get(ctx context.Context, username string) (*model.User, error) {
	return o.users.Load(ctx, username)
}

// plan validates every desired config before any remote call.
func (o *Orchestrator) plan(platforms []model.DesiredPlatformConfig) ([]step, error) {
	seen := make(map[model.Platform]bool, len(platforms))
	steps := make([]step, 0, len(platforms))
	for i, cfg := range platforms {
		field := fmt.Sprintf("platforms[%d]", i)
		if err := o.registry.Validate(cfg); err != nil {
			return nil, &ValidationError{Field: field, Err: err}
		}
		p := cfg.Platform()
		if seen[p] {
			return nil, &ValidationError{Field: field, Err: fmt.Errorf("%w: %s", ErrDuplicatePlatform, p)}
		}
		seen[p] = true
		adapter, err := o.registry.Resolve(p)
		if err != nil {
			return nil, &ValidationError{Field: field, Err: err}
		}
		steps = append(steps, step{cfg: cfg, adapter: adapter})
	}
	return steps, nil
}

// keepAll turns the stored bindings into profile-only steps.
func (o *Orchestrator) keepAll(user *model.User) ([]step, error) {
	steps := make([]step, 0, len(user.Bindings))
	for _, b := range user.Bindings {
		adapter, err := o.registry.Resolve(b.Platform)
		if err != nil {
			return nil, &ValidationError{Field: "platforms", Err: err}
		}
		steps = append(steps, step{cfg: model.Desired(b.Attributes), adapter: adapter, profileOnly: true})
	}
	return steps, nil
}

// ---------------------------------------------------------------------------
// create path

func (o *Orchestrator) create(ctx context.Context, req ProvisionRequest, steps []step) (*Result, error) {
	log := o.log.WithFields(logrus.Fields{"component": "orchestrator", "path": "create", "username": req.Username})

	if req.Email == "" {
		return nil, &ValidationError{Field: "email", Err: errors.New("required")}
	}
	if req.Password == "" {
		return nil, &ValidationError{Field: "password", Err: errors.New("required")}
	}
	if err := o.emailFree(ctx, req.Email, ""); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), o.passwordCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &model.User{
		UserID:       o.newID(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	cred := platform.Credentials{
		Identity: platform.Identity{Username: req.Username, Email: req.Email},
		Password: req.Password,
	}
	log.Infof("provisioning on %d platform(s)", len(steps))

	done := make([]*provisioned, 0, len(steps))
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			fail := &Failure{Platform: s.platform(), Op: OpFindIdentity, Class: platform.ClassOf(err), Err: err}
			return nil, o.abortCreate(ctx, log, user.Username, done, nil, fail)
		}
		p, fail := o.provisionOne(ctx, log, s, cred)
		if fail != nil {
			return nil, o.abortCreate(ctx, log, user.Username, done, p, fail)
		}
		done = append(done, p)
		user.Bindings = append(user.Bindings, p.binding)
	}

	if err := o.users.Save(ctx, user); err != nil {
		fail := &Failure{Op: OpSave, Class: platform.Permanent, Err: err}
		return nil, o.abortCreate(ctx, log, user.Username, done, nil, fail)
	}

	cctx, cancel := o.detached(ctx)
	defer cancel()
	o.claimOrphans(cctx, log, user.Bindings)

	o.metrics.call("create", "ok")
	o.publish(ctx, log, event.UserProvisioned, user, nil, nil)
	log.Infof("provisioned user %s", user.UserID)
	return &Result{User: user.Clone(), Created: true}, nil
}

// provisionOne runs find → create (adopt on conflict) → apply_access for one
// platform. On failure the returned provisioned still describes what was
// reached so the caller can compensate it.
func (o *Orchestrator) provisionOne(ctx context.Context, log *logrus.Entry, s step, cred platform.Credentials) (*provisioned, *Failure) {
	p := s.platform()
	plog := log.WithField("platform", p)
	res := &provisioned{
		adapter: s.adapter,
		desired: s.cfg.Attrs,
		binding: model.PlatformBinding{Platform: p},
		state:   newBindingState(Absent, plog),
	}
	res.state.to(Creating)

	fail := func(op Op, err error) (*provisioned, *Failure) {
		res.state.to(Errored)
		plog.WithError(err).Warnf("%s failed", op)
		return res, &Failure{Platform: p, Op: op, Class: platform.ClassOf(err), Err: err}
	}

	nativeID, err := o.findIdentity(ctx, plog, s.adapter, cred.Identity)
	switch {
	case err == nil:
		plog.Infof("adopting existing account %s", nativeID)
	case errors.Is(err, platform.ErrNotFound):
		err = o.retry.do(ctx, plog, OpCreateAccount, func(ctx context.Context) error {
			id, err := s.adapter.CreateAccount(ctx, cred, s.cfg.Attrs)
			nativeID = id
			return err
		})
		switch {
		case errors.Is(err, platform.ErrConflict):
			// 并发创建或查找遗漏: 按已存在账号接管
			plog.Info("account already exists remotely, adopting it")
			if nativeID, err = o.findIdentity(ctx, plog, s.adapter, cred.Identity); err != nil {
				return fail(OpFindIdentity, err)
			}
		case err != nil:
			return fail(OpCreateAccount, err)
		default:
			res.created = true
		}
	default:
		return fail(OpFindIdentity, err)
	}
	if nativeID == "" {
		return fail(OpCreateAccount, platform.MarkPermanent(errors.New("adapter returned an empty native id")))
	}
	res.binding.NativeID = nativeID

	var granted model.Attributes
	err = o.retry.do(ctx, plog, OpApplyAccess, func(ctx context.Context) error {
		attrs, err := s.adapter.ApplyAccess(ctx, nativeID, cred.Identity, s.cfg.Attrs)
		granted = attrs
		return err
	})
	if err != nil {
		return fail(OpApplyAccess, err)
	}
	if granted == nil {
		granted = s.cfg.Attrs
	}
	res.binding.Attributes = granted
	res.state.to(Bound)
	plog.Infof("bound %s", nativeID)
	return res, nil
}

func (o *Orchestrator) findIdentity(ctx context.Context, log *logrus.Entry, a platform.Adapter, id platform.Identity) (string, error) {
	var nativeID string
	err := o.retry.do(ctx, log, OpFindIdentity, func(ctx context.Context) error {
		v, err := a.FindIdentity(ctx, id)
		nativeID = v
		return err
	})
	return nativeID, err
}

// abortCreate undoes every reached platform in reverse order and returns fail
// carrying the compensation warnings.
func (o *Orchestrator) abortCreate(ctx context.Context, log *logrus.Entry, username string, done []*provisioned, failed *provisioned, fail *Failure) error {
	cctx, cancel := o.detached(ctx)
	defer cancel()

	var warnings []Warning
	// 失败的平台最后到达, 最先补偿
	if failed != nil && failed.binding.NativeID != "" {
		b := failed.binding
		b.Attributes = failed.desired
		warnings = append(warnings, o.release(cctx, log, username, failed.adapter, b, failed.state, failed.created, model.OrphanCompensate)...)
	}
	for i := len(done) - 1; i >= 0; i-- {
		p := done[i]
		p.state.to(Revoking)
		warnings = append(warnings, o.release(cctx, log, username, p.adapter, p.binding, p.state, true, model.OrphanCompensate)...)
	}
	fail.Warnings = warnings

	o.metrics.call("create", "failed")
	log.WithError(fail.Err).Errorf("create failed at %s %s, compensated %d platform(s) with %d warning(s)",
		fail.Platform, fail.Op, len(done), len(warnings))
	return fail
}

// ---------------------------------------------------------------------------
// update path

func (o *Orchestrator) update(ctx context.Context, current *model.User, patch UserPatch, steps []step) (*Result, error) {
	log := o.log.WithFields(logrus.Fields{"component": "orchestrator", "path": "update", "username": current.Username})

	next := current.Clone()
	change, err := o.applyPatch(ctx, next, patch)
	if err != nil {
		return nil, err
	}
	if change.Username != "" {
		log = log.WithField("new_username", change.Username)
	}

	res := &Result{}
	wanted := make(map[model.Platform]bool, len(steps))
	bindings := make([]model.PlatformBinding, 0, len(steps))
	var newlyBound []model.PlatformBinding
	for _, s := range steps {
		p := s.platform()
		wanted[p] = true

		if cur, ok := current.Binding(p); ok {
			b, warnings, fail := o.updateOne(ctx, log, s, *cur, change)
			res.Warnings = append(res.Warnings, warnings...)
			if fail != nil {
				res.Failures = append(res.Failures, fail)
			}
			bindings = append(bindings, b)
			continue
		}

		cred := platform.Credentials{
			Identity: platform.Identity{Username: next.Username, Email: next.Email},
			Password: patch.Password,
		}
		if cred.Password == "" {
			// 只存了哈希, 新平台使用随机初始密码
			cred.Password = uuid.NewString()
			log.WithField("platform", p).Info("no password supplied, new account gets a random password")
		}
		added, fail := o.provisionOne(ctx, log, s, cred)
		if fail != nil {
			if added.binding.NativeID != "" {
				b := added.binding
				b.Attributes = added.desired
				cctx, cancel := o.detached(ctx)
				fail.Warnings = o.release(cctx, log, next.Username, added.adapter, b, added.state, added.created, model.OrphanCompensate)
				cancel()
			}
			res.Failures = append(res.Failures, fail)
			continue
		}
		bindings = append(bindings, added.binding)
		newlyBound = append(newlyBound, added.binding)
	}

	for _, b := range current.Bindings {
		if wanted[b.Platform] {
			continue
		}
		res.Warnings = append(res.Warnings, o.remove(ctx, log, next.Username, b, model.OrphanRemove)...)
	}
	next.Bindings = bindings

	// 远端已变更, 本地记录必须写入
	sctx, cancel := o.detached(ctx)
	defer cancel()
	if err := o.users.Save(sctx, next); err != nil {
		o.metrics.call("update", "failed")
		log.WithError(err).Error("failed to save reconciled record")
		return nil, &Failure{Op: OpSave, Class: platform.Permanent, Err: err, Warnings: res.Warnings}
	}
	o.claimOrphans(sctx, log, newlyBound)

	o.metrics.call("update", outcomeOf(res.Warnings, res.Failures))
	o.publish(sctx, log, event.UserUpdated, next, res.Warnings, res.Failures)
	log.Infof("reconciled %d platform(s): %d warning(s), %d failure(s)", len(bindings), len(res.Warnings), len(res.Failures))
	res.User = next.Clone()
	return res, nil
}

// updateOne propagates profile changes, then access changes, to a kept binding.
// On failure the stored binding is returned unchanged.
func (o *Orchestrator) updateOne(ctx context.Context, log *logrus.Entry, s step, cur model.PlatformBinding, change platform.ProfileChange) (model.PlatformBinding, []Warning, *Failure) {
	p := s.platform()
	plog := log.WithField("platform", p)
	st := newBindingState(Bound, plog)
	st.to(Updating)

	var warnings []Warning
	if !change.Empty() {
		err := o.retry.do(ctx, plog, OpUpdateProfile, func(ctx context.Context) error {
			return s.adapter.UpdateProfile(ctx, cur.NativeID, change)
		})
		if err != nil {
			warnings = append(warnings, o.warn(plog, p, OpUpdateProfile, err))
		}
	}
	if s.profileOnly {
		st.to(Bound)
		return cur, warnings, nil
	}

	currentAttrs := cur.Attributes
	if currentAttrs == nil {
		var err error
		if currentAttrs, err = model.EmptyAttributes(p); err != nil {
			st.to(Errored)
			return cur, warnings, &Failure{Platform: p, Op: OpUpdateAccess, Class: platform.Permanent, Err: err}
		}
	}

	var updated model.Attributes
	err := o.retry.do(ctx, plog, OpUpdateAccess, func(ctx context.Context) error {
		attrs, err := s.adapter.UpdateAccess(ctx, cur.NativeID, currentAttrs, s.cfg.Attrs)
		updated = attrs
		return err
	})
	if err != nil {
		st.to(Errored)
		plog.WithError(err).Warn("update_access failed, keeping stored binding")
		return cur, warnings, &Failure{Platform: p, Op: OpUpdateAccess, Class: platform.ClassOf(err), Err: err}
	}
	if updated == nil {
		updated = currentAttrs.Merge(s.cfg.Attrs)
	}
	cur.Attributes = updated
	st.to(Bound)
	return cur, warnings, nil
}

// applyPatch writes patch into next and returns what adapters must propagate.
func (o *Orchestrator) applyPatch(ctx context.Context, next *model.User, patch UserPatch) (platform.ProfileChange, error) {
	var change platform.ProfileChange

	if patch.NewUsername != "" && patch.NewUsername != next.Username {
		_, err := o.users.Load(ctx, patch.NewUsername)
		switch {
		case err == nil:
			return change, fmt.Errorf("%w: username %s", repo.ErrDuplicate, patch.NewUsername)
		case !errors.Is(err, repo.ErrNotFound):
			return change, err
		}
		next.Username = patch.NewUsername
		change.Username = patch.NewUsername
	}

	if patch.Email != "" && !strings.EqualFold(patch.Email, next.Email) {
		if err := o.emailFree(ctx, patch.Email, next.UserID); err != nil {
			return change, err
		}
		next.Email = patch.Email
		change.Email = patch.Email
	}

	if patch.Password != "" && bcrypt.CompareHashAndPassword([]byte(next.PasswordHash), []byte(patch.Password)) != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(patch.Password), o.passwordCost)
		if err != nil {
			return change, fmt.Errorf("hash password: %w", err)
		}
		next.PasswordHash = string(hash)
		change.Password = patch.Password
	}
	return change, nil
}

// emailFree fails with ErrDuplicate when another user already owns email.
func (o *Orchestrator) emailFree(ctx context.Context, email, selfID string) error {
	other, err := o.users.LoadByEmail(ctx, email)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil
	case err != nil:
		return err
	case other.UserID == selfID:
		return nil
	}
	return fmt.Errorf("%w: email %s", repo.ErrDuplicate, email)
}

// ---------------------------------------------------------------------------
// best-effort cleanup

// remove revokes and deletes a stored binding. It never fails; whatever could
// not be cleaned up is returned as warnings and recorded as an orphan.
func (o *Orchestrator) remove(ctx context.Context, log *logrus.Entry, username string, b model.PlatformBinding, reason string) []Warning {
	plog := log.WithField("platform", b.Platform)
	adapter, err := o.registry.Resolve(b.Platform)
	if err != nil {
		w := o.warn(plog, b.Platform, OpRevokeAccess, err)
		o.recordOrphan(ctx, plog, username, b, reason, []Warning{w})
		return []Warning{w}
	}
	st := newBindingState(Bound, plog)
	st.to(Revoking)
	return o.release(ctx, log, username, adapter, b, st, true, reason)
}

// release revokes access and optionally deletes the account. st must be in
// Revoking or Errored.
func (o *Orchestrator) release(ctx context.Context, log *logrus.Entry, username string, a platform.Adapter, b model.PlatformBinding, st *bindingState, deleteAccount bool, reason string) []Warning {
	plog := log.WithFields(logrus.Fields{"platform": b.Platform, "native_id": b.NativeID})
	if st.current() == Errored {
		st.to(Revoking)
	}

	var warnings []Warning
	err := o.retry.do(ctx, plog, OpRevokeAccess, func(ctx context.Context) error {
		return a.RevokeAccess(ctx, b.NativeID, b.Attributes)
	})
	if err != nil && !errors.Is(err, platform.ErrNotFound) {
		warnings = append(warnings, o.warn(plog, b.Platform, OpRevokeAccess, err))
	}
	if deleteAccount {
		err := o.retry.do(ctx, plog, OpDeleteAccount, func(ctx context.Context) error {
			return a.DeleteAccount(ctx, b.NativeID)
		})
		if err != nil && !errors.Is(err, platform.ErrNotFound) {
			warnings = append(warnings, o.warn(plog, b.Platform, OpDeleteAccount, err))
		}
	}

	if reason == model.OrphanCompensate {
		atomic.AddUint64(&o.metrics.compensationsTotal, 1)
	}
	if len(warnings) > 0 {
		st.to(Errored)
		if !deleteAccount {
			reason = model.OrphanRevoke
		}
		o.recordOrphan(ctx, plog, username, b, reason, warnings)
		return warnings
	}
	st.to(Absent)
	plog.Infof("released (%s)", reason)
	return nil
}

// claimOrphans drops pending cleanup of accounts that are bound again. Must
// run under the user's lock.
func (o *Orchestrator) claimOrphans(ctx context.Context, log *logrus.Entry, bindings []model.PlatformBinding) {
	if o.orphans == nil {
		return
	}
	for _, b := range bindings {
		n, err := o.orphans.ResolveOrphansFor(ctx, b.Platform, b.NativeID)
		plog := log.WithFields(logrus.Fields{"platform": b.Platform, "native_id": b.NativeID})
		if err != nil {
			plog.WithError(err).Error("failed to resolve orphans of a rebound account")
			continue
		}
		if n > 0 {
			plog.Infof("account bound again, dropped %d pending cleanup(s)", n)
		}
	}
}

func (o *Orchestrator) warn(log *logrus.Entry, p model.Platform, op Op, err error) Warning {
	o.metrics.warning(p)
	log.WithError(err).Warnf("reconciliation warning: %s", op)
	return newWarning(p, op, err)
}

func (o *Orchestrator) recordOrphan(ctx context.Context, log *logrus.Entry, username string, b model.PlatformBinding, reason string, warnings []Warning) {
	if o.orphans == nil || b.NativeID == "" {
		return
	}
	msgs := make([]string, len(warnings))
	for i, w := range warnings {
		msgs[i] = string(w.Op) + ": " + w.Message
	}
	octx, cancel := o.detached(ctx)
	defer cancel()
	if err := o.orphans.RecordOrphan(octx, model.NewOrphan(username, b, reason, strings.Join(msgs, "; "))); err != nil {
		log.WithError(err).Error("failed to record orphaned account")
		return
	}
	atomic.AddUint64(&o.metrics.orphansTotal, 1)
}

// detached returns a context that survives caller cancellation but is bounded
// by the cleanup timeout.
func (o *Orchestrator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
}

func (o *Orchestrator) publish(ctx context.Context, log *logrus.Entry, typ event.Type, user *model.User, warnings []Warning, failures []*Failure) {
	platforms := make([]model.Platform, len(user.Bindings))
	for i, b := range user.Bindings {
		platforms[i] = b.Platform
	}
	e := event.Event{
		Type:      typ,
		UserID:    user.UserID,
		Username:  user.Username,
		Platforms: platforms,
		Warnings:  len(warnings),
		Failures:  len(failures),
	}
	if err := o.events.Publish(ctx, e); err != nil {
		log.WithError(err).Warnf("failed to publish %s event", typ)
	}
}

func outcomeOf(warnings []Warning, failures []*Failure) string {
	switch {
	case len(failures) > 0:
		return "partial"
	case len(warnings) > 0:
		return "warnings"
	}
	return "ok"
}

func validateUsername(field, username string) error {
	switch {
	case username == "":
		return &ValidationError{Field: field, Err: errors.New("required")}
	case len(username) > maxUsernameLen:
		return &ValidationError{Field: field, Err: fmt.Errorf("longer than %d characters", maxUsernameLen)}
	case strings.ContainsAny(username, " \t\r\n/"):
		return &ValidationError{Field: field, Err: errors.New("contains whitespace or '/'")}
	}
	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return &ValidationError{Field: "email", Err: fmt.Errorf("invalid address %q", email)}
	}
	return nil
}

func validatePatch(p UserPatch) error {
	if p.NewUsername != "" {
		if err := validateUsername("username", p.NewUsername); err != nil {
			return err
		}
	}
	if p.Email != "" {
		return validateEmail(p.Email)
	}
	return nil
}
