// settings — пользовательские настройки плагина: аккаунт по умолчанию,
// группы для уведомлений об отключении, заблокированные пользователи.
package settings

import (
	"context"
	"errors"
)

// ErrInvalidID — пустой идентификатор пользователя/группы/аккаунта.
// Транспорт: 400.
var ErrInvalidID = errors.New("invalid id")

// Store — контракт хранилища настроек.
type Store interface {
	// AutoAccount — аккаунт по умолчанию; ok=false, если не задан.
	AutoAccount(ctx context.Context, userID string) (accountID string, ok bool, err error)
	SetAutoAccount(ctx context.Context, userID, accountID string) error
	DeleteAutoAccount(ctx context.Context, userID string) error

	// NotifyGroups — группы, куда слать уведомления об отключении пользователя.
	NotifyGroups(ctx context.Context, userID string) ([]string, error)
	AddNotifyGroup(ctx context.Context, userID, groupID string) error
	RemoveNotifyGroup(ctx context.Context, userID, groupID string) error
	// NotifyUsers — пользователи, у которых есть хотя бы одна группа.
	NotifyUsers(ctx context.Context) ([]string, error)

	IsBanned(ctx context.Context, userID string) (bool, error)
	Ban(ctx context.Context, userID string) error
	Unban(ctx context.Context, userID string) error

	Close() error
}

func validID(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return ErrInvalidID
		}
	}
	return nil
}
