package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pribylovaa/qfarm-gateway/internal/models"
	"github.com/pribylovaa/qfarm-gateway/internal/settings"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	connected map[string]bool
	missing   map[string]bool
	err       error
}

func (f *fakeSource) set(uid string, connected bool) {
	f.mu.Lock()
	f.connected[uid] = connected
	f.mu.Unlock()
}

func (f *fakeSource) UserAccountStatus(_ context.Context, uid string) (*models.Account, *models.AccountStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, nil, f.err
	}
	if f.missing[uid] {
		return nil, nil, nil
	}
	return &models.Account{ID: "a-" + uid, Name: "user_" + uid},
		&models.AccountStatus{IsRunning: true, IsConnected: f.connected[uid], DisconnectedReason: "kicked"},
		nil
}

type sent struct{ group, text string }

type fakeNotifier struct {
	mu   sync.Mutex
	out  []sent
	fail map[string]bool
}

func (f *fakeNotifier) SendGroup(_ context.Context, gid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail[gid] {
		return errors.New("send failed")
	}
	f.out = append(f.out, sent{gid, text})
	return nil
}

func (f *fakeNotifier) At(uid string) string { return "@" + uid }

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	m    *Monitor
	src  *fakeSource
	n    *fakeNotifier
	st   *settings.Memory
	clk  *clock
	user string
}

func newFixture(t *testing.T, groups ...string) *fixture {
	t.Helper()

	f := &fixture{
		src:  &fakeSource{connected: map[string]bool{}, missing: map[string]bool{}},
		n:    &fakeNotifier{fail: map[string]bool{}},
		st:   settings.NewMemory(),
		clk:  &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		user: "U",
	}
	if len(groups) == 0 {
		groups = []string{"g1"}
	}
	for _, g := range groups {
		require.NoError(t, f.st.AddNotifyGroup(context.Background(), f.user, g))
	}

	f.m = New(f.src, f.st, f.n, Options{
		Interval:     30 * time.Second,
		ConfirmDelay: 60 * time.Second,
		Cooldown:     300 * time.Second,
	}, WithClock(f.clk.now))

	return f
}

// observe — один тик обхода с заданным состоянием связи.
func (f *fixture) observe(t *testing.T, connected bool) {
	t.Helper()
	f.src.set(f.user, connected)
	require.NoError(t, f.m.Sweep(context.Background()))
	f.clk.advance(30 * time.Second)
}

func TestSweep_ConfirmationDelay(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.observe(t, true)
	f.observe(t, true)
	f.observe(t, false) // t=60: отключение открыто
	require.Zero(t, f.n.count())
	f.observe(t, false) // t=90: 30s
	require.Zero(t, f.n.count())
	f.observe(t, false) // t=120: 60s, порог достигнут
	require.Equal(t, 1, f.n.count())

	f.observe(t, false)
	f.observe(t, false)
	require.Equal(t, 1, f.n.count())

	require.Contains(t, f.n.out[0].text, "@U")
	require.Contains(t, f.n.out[0].text, "user_U")
	require.Contains(t, f.n.out[0].text, "kicked")
}

func TestSweep_FirstObservationDisconnectedCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.observe(t, false) // t=0
	f.observe(t, false) // t=30
	require.Zero(t, f.n.count())
	f.observe(t, false) // t=60
	require.Equal(t, 1, f.n.count())
}

func TestSweep_ReconnectResetsDebounce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.observe(t, false)
	f.observe(t, false)
	f.observe(t, true) // сброс до порога
	f.observe(t, false)
	f.observe(t, false)
	require.Zero(t, f.n.count())
	f.observe(t, false)
	require.Equal(t, 1, f.n.count())
}

func TestSweep_CooldownAcrossDisconnects(t *testing.T) {
	t.Parallel()

	t.Run("within_cooldown_only_first", func(t *testing.T) {
		f := newFixture(t)

		f.observe(t, false) // 0
		f.observe(t, false) // 30
		f.observe(t, false) // 60 -> sent
		require.Equal(t, 1, f.n.count())

		f.observe(t, true)  // 90
		f.observe(t, false) // 120
		f.observe(t, false) // 150
		f.observe(t, false) // 180: подтверждено, но cooldown
		f.observe(t, false) // 210
		require.Equal(t, 1, f.n.count())
	})

	t.Run("beyond_cooldown_both", func(t *testing.T) {
		f := newFixture(t)

		f.observe(t, false)
		f.observe(t, false)
		f.observe(t, false) // 60 -> sent
		require.Equal(t, 1, f.n.count())

		f.observe(t, true)
		f.clk.advance(300 * time.Second)
		f.observe(t, false)
		f.observe(t, false)
		f.observe(t, false)
		require.Equal(t, 2, f.n.count())
	})

	t.Run("cooldown_skip_retried_later", func(t *testing.T) {
		f := newFixture(t)

		f.observe(t, false)
		f.observe(t, false)
		f.observe(t, false) // 60 -> sent
		f.observe(t, true)  // 90
		for i := 0; i < 12; i++ {
			f.observe(t, false) // 120..450
		}
		// отключение длится дольше cooldown: после его истечения уведомление уходит
		require.Equal(t, 2, f.n.count())
	})
}

func TestSweep_FailedSendRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "g1")
	f.n.fail["g1"] = true

	f.observe(t, false)
	f.observe(t, false)
	f.observe(t, false)
	require.Zero(t, f.n.count())

	f.n.mu.Lock()
	f.n.fail["g1"] = false
	f.n.mu.Unlock()

	f.observe(t, false)
	require.Equal(t, 1, f.n.count())
}

func TestSweep_PartialDeliveryIsSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "g1", "g2")
	f.n.fail["g1"] = true

	f.observe(t, false)
	f.observe(t, false)
	f.observe(t, false)
	require.Equal(t, 1, f.n.count())
	require.Equal(t, "g2", f.n.out[0].group)

	f.observe(t, false)
	require.Equal(t, 1, f.n.count())
}

func TestSweep_StatusErrorKeepsState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.observe(t, false) // 0
	f.src.err = errors.New("timeout")
	require.Error(t, f.m.Sweep(context.Background()))
	require.Equal(t, 1, f.m.Tracked())

	f.src.err = nil
	f.clk.advance(60 * time.Second)
	f.observe(t, false)
	require.Equal(t, 1, f.n.count())
}

func TestSweep_ForgetsUnsubscribedAndUnbound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	f.observe(t, false)
	require.Equal(t, 1, f.m.Tracked())

	require.NoError(t, f.st.RemoveNotifyGroup(ctx, f.user, "g1"))
	require.NoError(t, f.m.Sweep(ctx))
	require.Zero(t, f.m.Tracked())

	require.NoError(t, f.st.AddNotifyGroup(ctx, f.user, "g1"))
	f.observe(t, false)
	require.Equal(t, 1, f.m.Tracked())

	f.src.missing[f.user] = true
	require.NoError(t, f.m.Sweep(ctx))
	require.Zero(t, f.m.Tracked())
}

func TestClearUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.observe(t, false)
	f.observe(t, false)
	f.m.ClearUser(f.user)
	f.observe(t, false) // новое первое наблюдение
	require.Zero(t, f.n.count())
}

func TestStart_StopsOnCancel(t *testing.T) {
	t.Parallel()

	src := &fakeSource{connected: map[string]bool{}, missing: map[string]bool{}}
	st := settings.NewMemory()
	require.NoError(t, st.AddNotifyGroup(context.Background(), "U", "g1"))

	m := New(src, st, &fakeNotifier{fail: map[string]bool{}}, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	require.Eventually(t, func() bool { return m.Tracked() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
