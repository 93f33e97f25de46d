package settings

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Один и тот же набор проверок гоняется для Memory, Redis поверх miniredis
// и (при GO_TEST_INTEGRATION=1) Redis в контейнере:
//   GO_TEST_INTEGRATION=1 go test ./internal/settings -v -count=1

func newMiniredisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisFromClient(rdb, "")
	t.Cleanup(func() { _ = st.Close() })

	return st, mr
}

func startRedisContainer(t *testing.T) *Redis {
	t.Helper()
	if os.Getenv("GO_TEST_INTEGRATION") == "" {
		t.Skip("integration tests are disabled (set GO_TEST_INTEGRATION=1)")
	}

	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	st, err := NewRedis(ctx, "redis://"+host+":"+port.Port()+"/0", "it:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st
}

// runStoreContract — общий контракт Store.
func runStoreContract(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("auto_account", func(t *testing.T) {
		_, ok, err := st.AutoAccount(ctx, "42")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, st.SetAutoAccount(ctx, "42", "acc-1"))
		id, ok, err := st.AutoAccount(ctx, "42")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "acc-1", id)

		require.NoError(t, st.SetAutoAccount(ctx, "42", "acc-2"))
		id, _, _ = st.AutoAccount(ctx, "42")
		require.Equal(t, "acc-2", id)

		require.NoError(t, st.DeleteAutoAccount(ctx, "42"))
		_, ok, err = st.AutoAccount(ctx, "42")
		require.NoError(t, err)
		require.False(t, ok)

		// повторное удаление — не ошибка.
		require.NoError(t, st.DeleteAutoAccount(ctx, "42"))
	})

	t.Run("notify_groups", func(t *testing.T) {
		require.NoError(t, st.AddNotifyGroup(ctx, "7", "g2"))
		require.NoError(t, st.AddNotifyGroup(ctx, "7", "g1"))
		require.NoError(t, st.AddNotifyGroup(ctx, "7", "g1"))
		require.NoError(t, st.AddNotifyGroup(ctx, "8", "g1"))

		groups, err := st.NotifyGroups(ctx, "7")
		require.NoError(t, err)
		require.Equal(t, []string{"g1", "g2"}, groups)

		users, err := st.NotifyUsers(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"7", "8"}, users)

		require.NoError(t, st.RemoveNotifyGroup(ctx, "7", "g1"))
		users, _ = st.NotifyUsers(ctx)
		require.Equal(t, []string{"7", "8"}, users)

		require.NoError(t, st.RemoveNotifyGroup(ctx, "7", "g2"))
		users, _ = st.NotifyUsers(ctx)
		require.Equal(t, []string{"8"}, users)

		groups, err = st.NotifyGroups(ctx, "7")
		require.NoError(t, err)
		require.Empty(t, groups)

		// удаление несуществующей группы — не ошибка.
		require.NoError(t, st.RemoveNotifyGroup(ctx, "9", "gx"))
	})

	t.Run("banned", func(t *testing.T) {
		ok, err := st.IsBanned(ctx, "13")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, st.Ban(ctx, "13"))
		ok, _ = st.IsBanned(ctx, "13")
		require.True(t, ok)

		require.NoError(t, st.Unban(ctx, "13"))
		ok, _ = st.IsBanned(ctx, "13")
		require.False(t, ok)
	})

	t.Run("invalid_ids", func(t *testing.T) {
		require.ErrorIs(t, st.SetAutoAccount(ctx, "", "a"), ErrInvalidID)
		require.ErrorIs(t, st.SetAutoAccount(ctx, "1", ""), ErrInvalidID)
		require.ErrorIs(t, st.AddNotifyGroup(ctx, "1", ""), ErrInvalidID)
		require.ErrorIs(t, st.Ban(ctx, ""), ErrInvalidID)
	})
}

func TestMemory_Contract(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestRedis_Contract_Miniredis(t *testing.T) {
	st, _ := newMiniredisStore(t)
	runStoreContract(t, st)
}

func TestRedis_Contract_Container(t *testing.T) {
	runStoreContract(t, startRedisContainer(t))
}

func TestRedis_KeyLayout(t *testing.T) {
	st, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetAutoAccount(ctx, "42", "acc-1"))
	require.NoError(t, st.AddNotifyGroup(ctx, "42", "100"))
	require.NoError(t, st.Ban(ctx, "66"))

	require.Equal(t, "acc-1", mr.HGet("qfarm:auto", "42"))

	members, err := mr.Members("qfarm:notify:42")
	require.NoError(t, err)
	require.Equal(t, []string{"100"}, members)

	ok, err := mr.SIsMember("qfarm:notify:users", "42")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mr.SIsMember("qfarm:banned", "66")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedis_ErrorsWrapped(t *testing.T) {
	st, mr := newMiniredisStore(t)
	mr.Close()

	_, _, err := st.AutoAccount(context.Background(), "42")
	require.Error(t, err)
	require.Contains(t, err.Error(), "settings.Redis.AutoAccount")
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-url", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse url")
}

func TestNewRedis_PingMiniredis(t *testing.T) {
	mr := miniredis.RunT(t)

	st, err := NewRedis(context.Background(), "redis://"+mr.Addr()+"/0", "p:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.Ban(context.Background(), "1"))
	ok, err := mr.SIsMember("p:banned", "1")
	require.NoError(t, err)
	require.True(t, ok)
}
