package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pribylovaa/qfarm-gateway/internal/config"
	"github.com/pribylovaa/qfarm-gateway/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() config.AuthConfig {
	return config.AuthConfig{
		Masters:       config.IDList{"42"},
		LoginTTL:      5 * time.Minute,
		UsedGrace:     5 * time.Minute,
		SessionTTL:    7 * 24 * time.Hour,
		Retention:     10 * time.Minute,
		SweepInterval: time.Minute,
	}
}

func newAuthority(t *testing.T) (*Authority, *fakeClock) {
	t.Helper()
	clk := newClock()
	return New(testConfig(), WithClock(clk.Now)), clk
}

func TestGenerate_VerifyReturnsIdentity(t *testing.T) {
	t.Parallel()

	a, _ := newAuthority(t)

	tok := a.Generate("7", false)
	require.Len(t, tok, 2*loginTokenBytes)

	id, ok := a.Verify(tok)
	require.True(t, ok)
	require.Equal(t, models.Identity{UserID: "7", Role: models.RoleUser}, id)

	mt := a.Generate("42", true)
	id, ok = a.Verify(mt)
	require.True(t, ok)
	require.True(t, id.IsMaster())
}

func TestGenerate_Unique(t *testing.T) {
	t.Parallel()

	a, _ := newAuthority(t)

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		tok := a.Generate("7", false)
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
}

func TestVerify_UnknownAndEmpty(t *testing.T) {
	t.Parallel()

	a, _ := newAuthority(t)

	_, ok := a.Verify("deadbeef")
	require.False(t, ok)

	_, ok = a.Verify("")
	require.False(t, ok)
}

func TestLoginToken_ExpiresAfterTTLEvenUnused(t *testing.T) {
	t.Parallel()

	a, clk := newAuthority(t)
	tok := a.Generate("7", false)

	clk.Advance(5*time.Minute - time.Nanosecond)
	_, ok := a.Verify(tok)
	require.True(t, ok)

	clk.Advance(time.Nanosecond)
	_, ok = a.Verify(tok)
	require.False(t, ok)

	// просроченный токен удалён при проверке
	logins, _ := a.Len()
	require.Zero(t, logins)
}

func TestMarkUsed_GraceWindowNotExtended(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.LoginTTL = time.Hour // окно после использования короче срока жизни
	clk := newClock()
	a := New(cfg, WithClock(clk.Now))

	tok := a.Generate("7", false)
	clk.Advance(time.Minute)
	a.MarkUsed(tok)

	clk.Advance(4 * time.Minute)
	_, ok := a.Verify(tok)
	require.True(t, ok)

	// повторный MarkUsed не сдвигает окно
	a.MarkUsed(tok)

	clk.Advance(time.Minute)
	_, ok = a.Verify(tok)
	require.False(t, ok)
}

func TestMarkUsed_UnknownIsNoop(t *testing.T) {
	t.Parallel()

	a, _ := newAuthority(t)
	require.NotPanics(t, func() { a.MarkUsed("nope") })

	logins, sessions := a.Len()
	require.Zero(t, logins)
	require.Zero(t, sessions)
}

func TestSessionToken_ValidUpToSevenDays(t *testing.T) {
	t.Parallel()

	a, clk := newAuthority(t)

	tok := a.GenerateSession("7", false)
	require.Len(t, tok, 2*sessionTokenBytes)

	clk.Advance(7*24*time.Hour - time.Nanosecond)
	id, ok := a.Verify(tok)
	require.True(t, ok)
	require.Equal(t, "7", id.UserID)

	clk.Advance(time.Nanosecond)
	_, ok = a.Verify(tok)
	require.False(t, ok)
}

func TestExchange(t *testing.T) {
	t.Parallel()

	a, clk := newAuthority(t)
	ctx := context.Background()

	tok := a.Generate("42", true)
	session, id, err := a.Exchange(ctx, tok)
	require.NoError(t, err)
	require.True(t, id.IsMaster())
	require.NotEqual(t, tok, session)

	// одноразовый токен израсходован, но ещё читается в окне
	_, ok := a.Verify(tok)
	require.True(t, ok)

	clk.Advance(5 * time.Minute)
	_, ok = a.Verify(tok)
	require.False(t, ok)

	sid, ok := a.Verify(session)
	require.True(t, ok)
	require.Equal(t, "42", sid.UserID)

	_, _, err = a.Exchange(ctx, "bogus")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestExchange_LinkGivesOneSession(t *testing.T) {
	t.Parallel()

	a, clk := newAuthority(t)
	ctx := context.Background()

	tok := a.Generate("7", false)
	_, _, err := a.Exchange(ctx, tok)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, _, err = a.Exchange(ctx, tok)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, sessions := a.Len()
	require.Equal(t, 1, sessions)
}

func TestExchange_SessionTokenNotRenewed(t *testing.T) {
	t.Parallel()

	a, clk := newAuthority(t)
	ctx := context.Background()

	session, _, err := a.Exchange(ctx, a.Generate("7", false))
	require.NoError(t, err)

	clk.Advance(6 * 24 * time.Hour)
	_, _, err = a.Exchange(ctx, session)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, sessions := a.Len()
	require.Equal(t, 1, sessions)

	// исходная сессия истекает ровно через SessionTTL от выпуска
	clk.Advance(24 * time.Hour)
	_, ok := a.Verify(session)
	require.False(t, ok)
}

func TestExchange_ConcurrentSameLink(t *testing.T) {
	t.Parallel()

	a, _ := newAuthority(t)
	tok := a.Generate("7", false)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := a.Exchange(context.Background(), tok); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ok)
}

func TestIsMaster(t *testing.T) {
	t.Parallel()

	a, _ := newAuthority(t)
	require.True(t, a.IsMaster("42"))
	require.False(t, a.IsMaster("4"))
	require.False(t, a.IsMaster(""))

	cfg := testConfig()
	cfg.Masters = nil
	require.False(t, New(cfg).IsMaster("42"))
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	a, _ := newAuthority(t)

	t1 := a.Generate("7", false)
	t2 := a.GenerateSession("7", false)
	other := a.GenerateSession("8", false)

	require.Equal(t, 2, a.Revoke("7"))

	_, ok := a.Verify(t1)
	require.False(t, ok)
	_, ok = a.Verify(t2)
	require.False(t, ok)
	_, ok = a.Verify(other)
	require.True(t, ok)
}

func TestSweep(t *testing.T) {
	t.Parallel()

	a, clk := newAuthority(t)

	a.Generate("1", false)
	used := a.Generate("2", false)
	a.MarkUsed(used)
	a.GenerateSession("3", false)

	clk.Advance(5 * time.Minute)
	a.Generate("4", false)

	// used: окно после использования истекло
	logins, sessions := a.Sweep()
	require.Equal(t, 1, logins)
	require.Zero(t, sessions)

	clk.Advance(5 * time.Minute)
	logins, _ = a.Sweep()
	require.Equal(t, 1, logins) // old: старше Retention

	nl, ns := a.Len()
	require.Equal(t, 1, nl)
	require.Equal(t, 1, ns)

	clk.Advance(7 * 24 * time.Hour)
	logins, sessions = a.Sweep()
	require.Equal(t, 1, logins)
	require.Equal(t, 1, sessions)
}

func TestStartSweeper_StopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SessionTTL = time.Millisecond
	a := New(cfg)

	a.GenerateSession("7", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.StartSweeper(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ns := a.Len()
		return ns == 0
	}, time.Second, 5*time.Millisecond)
}

func TestAuthority_Concurrent(t *testing.T) {
	t.Parallel()

	a, _ := newAuthority(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tok := a.Generate("7", false)
				a.Verify(tok)
				a.MarkUsed(tok)
				a.Sweep()
			}
		}()
	}
	wg.Wait()

	logins, _ := a.Len()
	require.Equal(t, 16*50, logins)
}
