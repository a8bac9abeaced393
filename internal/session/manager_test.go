package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/store/memory"
)

// plainOpener hands the stored bytes back as the user agent.
type plainOpener struct{}

func (plainOpener) OpenMaterial(b []byte) (domain.SessionMaterial, error) {
	if string(b) == "garbage" {
		return domain.SessionMaterial{}, errors.New("bad envelope")
	}
	return domain.SessionMaterial{UserAgent: string(b)}, nil
}

type stubValidator struct {
	calls atomic.Int32
	err   error
}

func (v *stubValidator) Validate(context.Context, domain.SessionKey, domain.SessionMaterial) error {
	v.calls.Add(1)
	return v.err
}

// mapLocks is a process-local stand-in for the Redis lock manager.
type mapLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *mapLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

func newManager(t *testing.T, v Validator, locks domain.LockManager, cfg Config) (*Manager, *memory.SessionStore) {
	t.Helper()
	store := memory.NewSessionStore()
	require.NoError(t, store.Upsert(context.Background(), domain.SupplierSession{
		OrgID:       "org-1",
		Marketplace: "amazon.co.jp",
		Material:    []byte("ua"),
	}))
	return NewManager(store, plainOpener{}, v, locks, cfg, slog.New(slog.DiscardHandler)), store
}

func TestAcquire_MutualExclusion(t *testing.T) {
	mgr, _ := newManager(t, nil, &mapLocks{held: map[string]bool{}}, Config{
		AcquireTimeout: 5 * time.Second,
		PollInterval:   time.Millisecond,
	})

	var active, maxActive, done atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := mgr.Acquire(context.Background(), "org-1", "amazon.co.jp")
			if !assert.NoError(t, err) {
				return
			}
			defer lease.Release()

			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			done.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, int32(20), done.Load())
}

func TestTryAcquire_BusyAndRelease(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil, nil, Config{})

	lease, err := mgr.TryAcquire(ctx, "org-1", "amazon.co.jp")
	require.NoError(t, err)
	assert.Equal(t, "ua", lease.Material.UserAgent)

	_, err = mgr.TryAcquire(ctx, "org-1", "amazon.co.jp")
	assert.ErrorIs(t, err, domain.ErrSessionBusy)

	// Different sessions are independent.
	_, err = mgr.TryAcquire(ctx, "org-2", "amazon.co.jp")
	assert.ErrorIs(t, err, domain.ErrReauthRequired)

	lease.Release()
	lease.Release()
	again, err := mgr.TryAcquire(ctx, "org-1", "amazon.co.jp")
	require.NoError(t, err)
	again.Release()
}

func TestAcquire_TimesOut(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil, nil, Config{AcquireTimeout: 20 * time.Millisecond})
	lease, err := mgr.Acquire(ctx, "org-1", "amazon.co.jp")
	require.NoError(t, err)
	defer lease.Release()

	_, err = mgr.Acquire(ctx, "org-1", "amazon.co.jp")
	assert.ErrorIs(t, err, domain.ErrSessionBusy)
}

func TestAcquire_ValidationFailureFlagsReauth(t *testing.T) {
	ctx := context.Background()
	v := &stubValidator{err: errors.New("redirected to sign-in")}
	mgr, store := newManager(t, v, nil, Config{ValidationTTL: time.Hour})

	_, err := mgr.TryAcquire(ctx, "org-1", "amazon.co.jp")
	assert.ErrorIs(t, err, domain.ErrReauthRequired)

	sess, err := store.Get(ctx, domain.SessionKey{OrgID: "org-1", Marketplace: "amazon.co.jp"})
	require.NoError(t, err)
	assert.True(t, sess.RequiresReauth)
	assert.Equal(t, "redirected to sign-in", sess.ReauthReason)

	// The slot was released; the flag, not a lease, now blocks use.
	v.err = nil
	_, err = mgr.TryAcquire(ctx, "org-1", "amazon.co.jp")
	assert.ErrorIs(t, err, domain.ErrReauthRequired)
	assert.Equal(t, int32(1), v.calls.Load())
}

func TestAcquire_ValidatesOnlyWhenStale(t *testing.T) {
	ctx := context.Background()
	v := &stubValidator{}
	mgr, store := newManager(t, v, nil, Config{ValidationTTL: time.Hour})

	lease, err := mgr.TryAcquire(ctx, "org-1", "amazon.co.jp")
	require.NoError(t, err)
	lease.Release()
	lease, err = mgr.TryAcquire(ctx, "org-1", "amazon.co.jp")
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, int32(1), v.calls.Load())

	sess, err := store.Get(ctx, domain.SessionKey{OrgID: "org-1", Marketplace: "amazon.co.jp"})
	require.NoError(t, err)
	assert.NotNil(t, sess.LastValidatedAt)
}

func TestAcquire_UnreadableMaterial(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, nil, nil, Config{})
	require.NoError(t, store.Upsert(ctx, domain.SupplierSession{OrgID: "org-1", Marketplace: "amazon.co.jp", Material: []byte("garbage")}))

	_, err := mgr.TryAcquire(ctx, "org-1", "amazon.co.jp")
	assert.ErrorIs(t, err, domain.ErrReauthRequired)
}

func TestMarkReauth(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, nil, nil, Config{})
	lease, err := mgr.TryAcquire(ctx, "org-1", "amazon.co.jp")
	require.NoError(t, err)
	require.NoError(t, mgr.MarkReauth(ctx, lease, "CAPTCHA"))
	lease.Release()

	sess, err := store.Get(ctx, lease.Key)
	require.NoError(t, err)
	assert.True(t, sess.RequiresReauth)
}

func TestAcquire_ValidationUnavailableDoesNotFlag(t *testing.T) {
	ctx := context.Background()
	v := &stubValidator{err: fmt.Errorf("browser down: %w", ErrValidationUnavailable)}
	mgr, store := newManager(t, v, nil, Config{ValidationTTL: time.Hour})

	_, err := mgr.TryAcquire(ctx, "org-1", "amazon.co.jp")
	assert.ErrorIs(t, err, ErrValidationUnavailable)

	sess, err := store.Get(ctx, domain.SessionKey{OrgID: "org-1", Marketplace: "amazon.co.jp"})
	require.NoError(t, err)
	assert.False(t, sess.RequiresReauth)
}
