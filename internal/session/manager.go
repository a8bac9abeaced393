// Package session hands out exclusive, validated leases on supplier account
// sessions. At most one lease per (org, marketplace) exists at a time across
// goroutines and, when a distributed lock is configured, across processes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// ErrValidationUnavailable marks a validation that could not reach a
// verdict, such as a browser that is down. The session is not flagged.
var ErrValidationUnavailable = errors.New("session: validation unavailable")

// Opener decrypts stored session material.
type Opener interface {
	OpenMaterial(sealed []byte) (domain.SessionMaterial, error)
}

// Validator performs a lightweight liveness check of opened material. A
// non-nil error means the supplier no longer accepts the session.
type Validator interface {
	Validate(ctx context.Context, key domain.SessionKey, m domain.SessionMaterial) error
}

// Config controls acquisition and validation.
type Config struct {
	AcquireTimeout time.Duration
	ValidationTTL  time.Duration
	LockTTL        time.Duration
	PollInterval   time.Duration
}

// Manager owns the lease table.
type Manager struct {
	store     domain.SessionStore
	opener    Opener
	validator Validator
	locks     domain.LockManager
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// OnWait, when set, observes how long each successful Acquire waited.
	OnWait func(key domain.SessionKey, wait time.Duration)

	mu    sync.Mutex
	slots map[domain.SessionKey]chan struct{}
}

// NewManager creates a Manager. locks and validator may be nil: without
// locks exclusivity is process-local, without a validator stale sessions
// are used as stored.
func NewManager(store domain.SessionStore, opener Opener, validator Validator, locks domain.LockManager, cfg Config, logger *slog.Logger) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Manager{
		store:     store,
		opener:    opener,
		validator: validator,
		locks:     locks,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "session")),
		now:       func() time.Time { return time.Now().UTC() },
		slots:     make(map[domain.SessionKey]chan struct{}),
	}
}

// Lease is exclusive, validated access to one supplier session. Release
// must be called on every exit path; it is safe to call more than once.
type Lease struct {
	Key      domain.SessionKey
	Material domain.SessionMaterial

	once    sync.Once
	release func()
}

// Release returns the session to the pool.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

func (m *Manager) slot(key domain.SessionKey) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

// Acquire waits up to the configured acquire timeout for the session of
// (orgID, marketplace). It returns domain.ErrSessionBusy when the wait runs
// out and domain.ErrReauthRequired when the session cannot be used until a
// human logs in again.
func (m *Manager) Acquire(ctx context.Context, orgID, marketplace string) (*Lease, error) {
	return m.acquire(ctx, domain.SessionKey{OrgID: orgID, Marketplace: marketplace}, m.cfg.AcquireTimeout)
}

// TryAcquire is Acquire without waiting.
func (m *Manager) TryAcquire(ctx context.Context, orgID, marketplace string) (*Lease, error) {
	return m.acquire(ctx, domain.SessionKey{OrgID: orgID, Marketplace: marketplace}, 0)
}

func (m *Manager) acquire(ctx context.Context, key domain.SessionKey, wait time.Duration) (*Lease, error) {
	start := m.now()
	deadline := start.Add(wait)
	slot := m.slot(key)

	if err := m.takeSlot(ctx, slot, wait); err != nil {
		return nil, fmt.Errorf("session: acquire %s: %w", key, err)
	}
	freeSlot := func() { <-slot }

	unlock := func() {}
	if m.locks != nil {
		var err error
		unlock, err = m.lock(ctx, key, deadline)
		if err != nil {
			freeSlot()
			return nil, fmt.Errorf("session: acquire %s: %w", key, err)
		}
	}
	release := func() {
		unlock()
		freeSlot()
	}

	material, err := m.prepare(ctx, key)
	if err != nil {
		release()
		return nil, fmt.Errorf("session: acquire %s: %w", key, err)
	}

	if m.OnWait != nil {
		m.OnWait(key, m.now().Sub(start))
	}
	return &Lease{Key: key, Material: material, release: release}, nil
}

func (m *Manager) takeSlot(ctx context.Context, slot chan struct{}, wait time.Duration) error {
	if wait <= 0 {
		select {
		case slot <- struct{}{}:
			return nil
		default:
			return domain.ErrSessionBusy
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case slot <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.ErrSessionBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lock(ctx context.Context, key domain.SessionKey, deadline time.Time) (func(), error) {
	for {
		unlock, err := m.locks.Acquire(ctx, "session:"+key.String(), m.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}
		if !m.now().Add(m.cfg.PollInterval).Before(deadline) {
			return nil, domain.ErrSessionBusy
		}
		select {
		case <-time.After(m.cfg.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// prepare loads, opens and, when stale, validates the stored session.
func (m *Manager) prepare(ctx context.Context, key domain.SessionKey) (domain.SessionMaterial, error) {
	sess, err := m.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SessionMaterial{}, fmt.Errorf("no stored session: %w", domain.ErrReauthRequired)
	}
	if err != nil {
		return domain.SessionMaterial{}, err
	}
	if sess.RequiresReauth {
		return domain.SessionMaterial{}, fmt.Errorf("%s: %w", sess.ReauthReason, domain.ErrReauthRequired)
	}

	material, err := m.opener.OpenMaterial(sess.Material)
	if err != nil {
		_ = m.flag(ctx, key, "session material unreadable")
		return domain.SessionMaterial{}, fmt.Errorf("open material: %v: %w", err, domain.ErrReauthRequired)
	}

	if m.validator == nil || !m.stale(sess) {
		return material, nil
	}
	if err := m.validator.Validate(ctx, key, material); err != nil {
		if errors.Is(err, ErrValidationUnavailable) {
			return domain.SessionMaterial{}, err
		}
		_ = m.flag(ctx, key, err.Error())
		return domain.SessionMaterial{}, fmt.Errorf("validation: %v: %w", err, domain.ErrReauthRequired)
	}
	if err := m.store.MarkValidated(ctx, key, m.now()); err != nil {
		m.logger.WarnContext(ctx, "mark validated failed",
			slog.String("session", key.String()),
			slog.String("error", err.Error()),
		)
	}
	return material, nil
}

func (m *Manager) stale(sess domain.SupplierSession) bool {
	if sess.LastValidatedAt == nil {
		return true
	}
	return m.now().Sub(*sess.LastValidatedAt) > m.cfg.ValidationTTL
}

func (m *Manager) flag(ctx context.Context, key domain.SessionKey, reason string) error {
	m.logger.WarnContext(ctx, "session requires re-authentication",
		slog.String("session", key.String()),
		slog.String("reason", reason),
	)
	if err := m.store.MarkReauth(ctx, key, reason); err != nil {
		m.logger.ErrorContext(ctx, "mark reauth failed",
			slog.String("session", key.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// MarkReauth flags the leased session as needing a human login. Later
// acquisitions fail with domain.ErrReauthRequired until the session store
// is refreshed.
func (m *Manager) MarkReauth(ctx context.Context, lease *Lease, reason string) error {
	if err := m.flag(ctx, lease.Key, reason); err != nil {
		return fmt.Errorf("session: mark reauth %s: %w", lease.Key, err)
	}
	return nil
}

// Sessions lists an organization's sessions without their material.
func (m *Manager) Sessions(ctx context.Context, orgID string) ([]domain.SupplierSession, error) {
	out, err := m.store.List(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", orgID, err)
	}
	return out, nil
}
