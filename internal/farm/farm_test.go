package farm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pribylovaa/qfarm-gateway/internal/farmapi"
	"github.com/pribylovaa/qfarm-gateway/internal/models"
	"github.com/pribylovaa/qfarm-gateway/internal/settings"
	"github.com/pribylovaa/qfarm-gateway/mocks"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*Registry, *mocks.MockAPI, *settings.Memory) {
	t.Helper()

	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	st := settings.NewMemory()

	r := New(api, st, Options{ConfirmAttempts: 3, ConfirmInterval: time.Millisecond})
	return r, api, st
}

func notFound(op string) error {
	return &farmapi.Error{Op: op, StatusCode: http.StatusNotFound, Kind: farmapi.KindNotFound}
}

func serverError(op string) error {
	return &farmapi.Error{Op: op, StatusCode: http.StatusInternalServerError, Kind: farmapi.KindServerError}
}

func TestAccountName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "user_42", AccountName("42"))
}

func TestUserAccount_PrefersCanonicalName(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{
		{ID: "legacy", Name: "qq_42_abc", UserID: "42"},
		{ID: "canon", Name: "user_42"},
		{ID: "other", Name: "user_7", UserID: "7"},
	}, nil)

	acc, err := r.UserAccount(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "canon", acc.ID)
}

func TestUserAccount_FallsBackToUserIDField(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{
		{ID: "other", Name: "user_7"},
		{ID: "legacy", Name: "qq_42_abc", UserID: "42"},
	}, nil)

	acc, err := r.UserAccount(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "legacy", acc.ID)
}

func TestUserAccount_NoneAndError(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	ctx := context.Background()

	// "user_420" не должен совпасть с "user_42".
	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{{ID: "x", Name: "user_420", UserID: "420"}}, nil)
	acc, err := r.UserAccount(ctx, "42")
	require.NoError(t, err)
	require.Nil(t, acc)

	boom := errors.New("boom")
	api.EXPECT().ListAccounts(gomock.Any()).Return(nil, boom)
	has, err := r.HasUserAccount(ctx, "42")
	require.ErrorIs(t, err, boom)
	require.False(t, has)
}

func TestCreateAccount_DeterministicRequest(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().CreateAccount(gomock.Any(), models.CreateAccountRequest{
		Name:     "user_42",
		Code:     "code-x",
		Platform: "qq",
		UserID:   "42",
		Config:   models.AccountConfig{EnableSteal: true, EnableFriendHelp: true},
	}).Return(&models.Account{ID: "a1", Name: "user_42"}, nil)

	acc, err := r.CreateAccount(context.Background(), "42", "code-x")
	require.NoError(t, err)
	require.Equal(t, "a1", acc.ID)
}

func TestStartAccount_ServerErrorMeansExpiredCode(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().StartAccount(gomock.Any(), "a1").Return(serverError("farmapi.StartAccount"))

	err := r.StartAccount(context.Background(), "a1")
	require.ErrorIs(t, err, ErrLoginCodeExpired)
	require.True(t, farmapi.IsServerError(err))
}

func TestStartUserAccount(t *testing.T) {
	t.Parallel()

	accounts := []models.Account{{ID: "a1", Name: "user_42"}}
	ctx := context.Background()

	t.Run("status_404_starts", func(t *testing.T) {
		r, api, st := newRegistry(t)
		api.EXPECT().ListAccounts(gomock.Any()).Return(accounts, nil)
		api.EXPECT().AccountStatus(gomock.Any(), "a1").Return(nil, notFound("farmapi.AccountStatus"))
		api.EXPECT().StartAccount(gomock.Any(), "a1").Return(nil)

		acc, err := r.StartUserAccount(ctx, "42")
		require.NoError(t, err)
		require.Equal(t, "a1", acc.ID)

		id, ok, _ := st.AutoAccount(ctx, "42")
		require.True(t, ok)
		require.Equal(t, "a1", id)
	})

	t.Run("already_running_no_start", func(t *testing.T) {
		r, api, _ := newRegistry(t)
		api.EXPECT().ListAccounts(gomock.Any()).Return(accounts, nil)
		api.EXPECT().AccountStatus(gomock.Any(), "a1").Return(&models.AccountStatus{IsRunning: true}, nil)

		_, err := r.StartUserAccount(ctx, "42")
		require.NoError(t, err)
	})

	t.Run("start_500_is_expired_code", func(t *testing.T) {
		r, api, st := newRegistry(t)
		api.EXPECT().ListAccounts(gomock.Any()).Return(accounts, nil)
		api.EXPECT().AccountStatus(gomock.Any(), "a1").Return(&models.AccountStatus{}, nil)
		api.EXPECT().StartAccount(gomock.Any(), "a1").Return(serverError("farmapi.StartAccount"))

		_, err := r.StartUserAccount(ctx, "42")
		require.ErrorIs(t, err, ErrLoginCodeExpired)

		_, ok, _ := st.AutoAccount(ctx, "42")
		require.False(t, ok)
	})

	t.Run("status_500_is_expired_code", func(t *testing.T) {
		r, api, _ := newRegistry(t)
		api.EXPECT().ListAccounts(gomock.Any()).Return(accounts, nil)
		api.EXPECT().AccountStatus(gomock.Any(), "a1").Return(nil, serverError("farmapi.AccountStatus"))

		_, err := r.StartUserAccount(ctx, "42")
		require.ErrorIs(t, err, ErrLoginCodeExpired)
	})

	t.Run("no_account", func(t *testing.T) {
		r, api, _ := newRegistry(t)
		api.EXPECT().ListAccounts(gomock.Any()).Return(nil, nil)

		_, err := r.StartUserAccount(ctx, "42")
		require.ErrorIs(t, err, ErrNoAccount)
	})
}

func TestStopUserAccount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, api, st := newRegistry(t)
	require.NoError(t, st.SetAutoAccount(ctx, "42", "a1"))

	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{{ID: "a1", Name: "user_42"}}, nil)
	api.EXPECT().AccountStatus(gomock.Any(), "a1").Return(&models.AccountStatus{IsRunning: true}, nil)
	api.EXPECT().StopAccount(gomock.Any(), "a1").Return(nil)

	acc, err := r.StopUserAccount(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, "a1", acc.ID)

	_, ok, _ := st.AutoAccount(ctx, "42")
	require.False(t, ok)
}

func TestUserAccountStatus_NotFoundIsDefaultStatus(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{{ID: "a1", Name: "user_42"}}, nil)
	api.EXPECT().AccountStatus(gomock.Any(), "a1").Return(nil, notFound("farmapi.AccountStatus"))

	acc, st, err := r.UserAccountStatus(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "a1", acc.ID)
	require.False(t, st.IsRunning)
	require.False(t, st.IsConnected)
}

func TestUserAccountStatus_NoAccount(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().ListAccounts(gomock.Any()).Return(nil, nil)

	acc, st, err := r.UserAccountStatus(context.Background(), "42")
	require.NoError(t, err)
	require.Nil(t, acc)
	require.Nil(t, st)
}

func TestIsAutoEnabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, api, st := newRegistry(t)

	on, err := r.IsAutoEnabled(ctx, "42")
	require.NoError(t, err)
	require.False(t, on)

	require.NoError(t, st.SetAutoAccount(ctx, "42", "a1"))
	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{{ID: "a1", Name: "user_42"}}, nil)
	on, err = r.IsAutoEnabled(ctx, "42")
	require.NoError(t, err)
	require.True(t, on)

	// аккаунт по умолчанию устарел (пересоздан).
	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{{ID: "a2", Name: "user_42"}}, nil)
	on, err = r.IsAutoEnabled(ctx, "42")
	require.NoError(t, err)
	require.False(t, on)
}

func TestAllAccounts_OnlyBound(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{
		{ID: "a1", Name: "user_1", UserID: "1"},
		{ID: "a2", Name: "manual"},
	}, nil)

	list, err := r.AllAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "a1", list[0].ID)
}

func TestStartAllAccounts_ToleratesPerAccountErrors(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{
		{ID: "a1", Name: "user_1", UserID: "1"},
		{ID: "a2", Name: "user_2", UserID: "2", IsRunning: true},
		{ID: "a3", Name: "user_3", UserID: "3"},
		{ID: "a4", Name: "user_4", UserID: "4"},
		{ID: "m", Name: "manual"},
	}, nil)
	api.EXPECT().StartAccount(gomock.Any(), "a1").Return(nil)
	api.EXPECT().StartAccount(gomock.Any(), "a3").Return(serverError("start"))
	api.EXPECT().StartAccount(gomock.Any(), "a4").
		Return(&farmapi.Error{Op: "start", StatusCode: http.StatusConflict, Kind: farmapi.KindConflict})

	res, err := r.StartAllAccounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, BulkResult{Total: 4, Succeeded: 3, Failed: []string{"a3"}}, res)
}

func TestStopAllAccounts_KeepsAutoAccounts(t *testing.T) {
	t.Parallel()

	r, api, st := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, st.SetAutoAccount(ctx, "1", "a1"))

	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{
		{ID: "a1", Name: "user_1", UserID: "1", IsRunning: true},
		{ID: "a2", Name: "user_2", UserID: "2"},
		{ID: "a3", Name: "user_3", UserID: "3"},
	}, nil)
	api.EXPECT().StopAccount(gomock.Any(), "a1").Return(nil)
	api.EXPECT().StopAccount(gomock.Any(), "a2").Return(notFound("stop"))
	api.EXPECT().StopAccount(gomock.Any(), "a3").Return(errors.New("connection reset"))

	res, err := r.StopAllAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, []string{"a3"}, res.Failed)

	id, ok, err := st.AutoAccount(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a1", id)
}

func TestStartAllAccounts_ListError(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().ListAccounts(gomock.Any()).Return(nil, serverError("list"))

	_, err := r.StartAllAccounts(context.Background())
	require.Error(t, err)
}

func TestAccountDetails_SkipsUnsupportedSections(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{{ID: "a1", Name: "user_42"}}, nil)
	api.EXPECT().AccountStatus(gomock.Any(), "a1").Return(&models.AccountStatus{IsRunning: true, IsConnected: true}, nil)
	api.EXPECT().DailyRewards(gomock.Any(), "a1").Return(json.RawMessage(`{"signed":true}`), nil)
	api.EXPECT().Lands(gomock.Any(), "a1").Return(nil, notFound("farmapi.Lands"))
	api.EXPECT().Logs(gomock.Any(), "a1", 50).Return(nil, errors.New("timeout"))

	d, err := r.AccountDetails(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, d.Status.IsConnected)
	require.JSONEq(t, `{"signed":true}`, string(d.DailyRewards))
	require.Nil(t, d.Lands)
	require.Nil(t, d.Logs)
}

func TestDeleteUserAccount_AllMatchesAndConfirm(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, api, st := newRegistry(t)
	require.NoError(t, st.SetAutoAccount(ctx, "42", "canon"))

	list := []models.Account{
		{ID: "canon", Name: "user_42"},
		{ID: "legacy", Name: "qq_42_x", UserID: "42"},
		{ID: "other", Name: "user_7"},
	}

	gomock.InOrder(
		api.EXPECT().ListAccounts(gomock.Any()).Return(list, nil),
		api.EXPECT().StopAccount(gomock.Any(), "canon").Return(nil),
		api.EXPECT().DeleteAccount(gomock.Any(), "canon").Return(nil),
		// уже остановлен и удалён: ошибки проглатываются.
		api.EXPECT().StopAccount(gomock.Any(), "legacy").Return(notFound("farmapi.StopAccount")),
		api.EXPECT().DeleteAccount(gomock.Any(), "legacy").Return(notFound("farmapi.DeleteAccount")),
		// задержка чтения после записи: первый список ещё с аккаунтом.
		api.EXPECT().ListAccounts(gomock.Any()).Return(list[:1], nil),
		api.EXPECT().ListAccounts(gomock.Any()).Return(list[2:], nil),
	)

	ok, err := r.DeleteUserAccount(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)

	_, bound, _ := st.AutoAccount(ctx, "42")
	require.False(t, bound)
}

func TestDeleteUserAccount_Unconfirmed_StillTrue(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	list := []models.Account{{ID: "canon", Name: "user_42"}}

	api.EXPECT().ListAccounts(gomock.Any()).Return(list, nil).Times(4) // 1 поиск + 3 подтверждения
	api.EXPECT().StopAccount(gomock.Any(), "canon").Return(nil)
	api.EXPECT().DeleteAccount(gomock.Any(), "canon").Return(nil)

	ok, err := r.DeleteUserAccount(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDeleteUserAccount_NothingBound(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{{ID: "x", Name: "user_7"}}, nil)

	ok, err := r.DeleteUserAccount(context.Background(), "42")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteUserAccount_HardDeleteError(t *testing.T) {
	t.Parallel()

	r, api, _ := newRegistry(t)
	api.EXPECT().ListAccounts(gomock.Any()).Return([]models.Account{{ID: "canon", Name: "user_42"}}, nil)
	api.EXPECT().StopAccount(gomock.Any(), "canon").Return(nil)
	api.EXPECT().DeleteAccount(gomock.Any(), "canon").Return(serverError("farmapi.DeleteAccount"))

	ok, err := r.DeleteUserAccount(context.Background(), "42")
	require.Error(t, err)
	require.False(t, ok)
	require.True(t, farmapi.IsServerError(err))
}
