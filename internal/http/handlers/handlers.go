// handlers — REST-эндпойнты веб-панели.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pribylovaa/qfarm-gateway/internal/models"
)

// Tokens — выдача и проверка токенов панели (auth.Authority).
type Tokens interface {
	Verify(token string) (models.Identity, bool)
	Exchange(ctx context.Context, token string) (string, models.Identity, error)
	Revoke(userID string) int
}

// Accounts — аккаунты пользователей (farm.Registry).
type Accounts interface {
	UserAccountStatus(ctx context.Context, userID string) (*models.Account, *models.AccountStatus, error)
	IsAutoEnabled(ctx context.Context, userID string) (bool, error)
	StartUserAccount(ctx context.Context, userID string) (*models.Account, error)
	StopUserAccount(ctx context.Context, userID string) (*models.Account, error)
	AccountDetails(ctx context.Context, userID string) (*models.AccountDetails, error)
	DeleteUserAccount(ctx context.Context, userID string) (bool, error)
	AllAccounts(ctx context.Context) ([]models.Account, error)
}

// Tracker — состояние монитора отключений (monitor.Monitor).
type Tracker interface {
	ClearUser(userID string)
}

// Handlers агрегирует зависимости панели.
type Handlers struct {
	Tokens   Tokens
	Accounts Accounts
	Tracker  Tracker // может быть nil, если монитор выключен
}

func New(tokens Tokens, accounts Accounts, tracker Tracker) *Handlers {
	return &Handlers{Tokens: tokens, Accounts: accounts, Tracker: tracker}
}

// writeJSON — единый ответ JSON с нужным Content-Type.
// Ошибки выводим через apierrors.WriteError.
func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// decodeStrict — строгий JSON-декодер: запрещаем неизвестные поля.
func decodeStrict(r *http.Request, value any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(value)
}
