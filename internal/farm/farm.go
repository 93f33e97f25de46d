// farm — привязка пользователей чата к аккаунтам внешнего сервиса фермы.
//
// Один пользователь — один аккаунт: имя аккаунта выводится из userID
// (AccountName), поэтому повторное создание обнаруживается поиском по имени.
package farm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pribylovaa/qfarm-gateway/internal/farmapi"
	"github.com/pribylovaa/qfarm-gateway/internal/models"
	"github.com/pribylovaa/qfarm-gateway/pkg/log"

	"github.com/sethvargo/go-retry"
)

var (
	// ErrNoAccount — у пользователя нет привязанного аккаунта.
	// Транспорт: 404 / ответ чату "not bound".
	ErrNoAccount = errors.New("no farm account bound")
	// ErrLoginCodeExpired — сервис не смог запустить аккаунт (HTTP 500 на start):
	// обычно код входа устарел и нужен повторный вход по QR.
	// Транспорт: 412.
	ErrLoginCodeExpired = errors.New("login code expired, log in again")
)

const (
	accountPrefix = "user_"
	platformQQ    = "qq"
)

// API — методы сервиса фермы, которые нужны реестру.
type API interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
	CreateAccount(ctx context.Context, req models.CreateAccountRequest) (*models.Account, error)
	DeleteAccount(ctx context.Context, id string) error
	StartAccount(ctx context.Context, id string) error
	StopAccount(ctx context.Context, id string) error
	AccountStatus(ctx context.Context, id string) (*models.AccountStatus, error)
	DailyRewards(ctx context.Context, id string) (json.RawMessage, error)
	Lands(ctx context.Context, id string) (json.RawMessage, error)
	Logs(ctx context.Context, id string, limit int) (json.RawMessage, error)
}

// AutoAccounts — запись «аккаунт по умолчанию» пользователя (см. settings.Store).
type AutoAccounts interface {
	AutoAccount(ctx context.Context, userID string) (string, bool, error)
	SetAutoAccount(ctx context.Context, userID, accountID string) error
	DeleteAutoAccount(ctx context.Context, userID string) error
}

// Options — параметры подтверждения удаления.
type Options struct {
	ConfirmAttempts int
	ConfirmInterval time.Duration
	LogsLimit       int
}

func (o Options) withDefaults() Options {
	if o.ConfirmAttempts <= 0 {
		o.ConfirmAttempts = 10
	}
	if o.ConfirmInterval <= 0 {
		o.ConfirmInterval = 300 * time.Millisecond
	}
	if o.LogsLimit <= 0 {
		o.LogsLimit = 50
	}
	return o
}

// Registry — поиск и жизненный цикл аккаунтов пользователя.
type Registry struct {
	api  API
	auto AutoAccounts
	opts Options
}

// New создаёт реестр.
func New(api API, auto AutoAccounts, opts Options) *Registry {
	return &Registry{api: api, auto: auto, opts: opts.withDefaults()}
}

// AccountName — каноническое имя аккаунта пользователя.
func AccountName(userID string) string { return accountPrefix + userID }

// ownedBy — аккаунт принадлежит пользователю по имени или по полю userId
// (аккаунты, созданные до перехода на каноническое имя).
func ownedBy(acc models.Account, userID string) bool {
	return acc.Name == AccountName(userID) || (acc.UserID != "" && acc.UserID == userID)
}

// UserAccount возвращает аккаунт пользователя или (nil, nil), если его нет.
// Сначала ищется каноническое имя, затем совпадение по полю userId.
func (r *Registry) UserAccount(ctx context.Context, userID string) (*models.Account, error) {
	const op = "farm.UserAccount"

	list, err := r.api.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	name := AccountName(userID)
	for i := range list {
		if list[i].Name == name {
			acc := list[i]
			return &acc, nil
		}
	}

	for i := range list {
		if list[i].UserID != "" && list[i].UserID == userID {
			acc := list[i]
			log.From(ctx).Debug("account_matched_by_user_id",
				slog.String("op", op),
				slog.String("user_id", userID),
				slog.String("account_id", acc.ID),
				slog.String("name", acc.Name),
			)
			return &acc, nil
		}
	}

	return nil, nil
}

// HasUserAccount — есть ли у пользователя аккаунт.
func (r *Registry) HasUserAccount(ctx context.Context, userID string) (bool, error) {
	acc, err := r.UserAccount(ctx, userID)
	return acc != nil, err
}

// CreateAccount регистрирует аккаунт по коду входа под каноническим именем.
func (r *Registry) CreateAccount(ctx context.Context, userID, code string) (*models.Account, error) {
	const op = "farm.CreateAccount"

	acc, err := r.api.CreateAccount(ctx, models.CreateAccountRequest{
		Name:     AccountName(userID),
		Code:     code,
		Platform: platformQQ,
		UserID:   userID,
		Config: models.AccountConfig{
			EnableSteal:      true,
			EnableFriendHelp: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.From(ctx).Info("account_created",
		slog.String("op", op),
		slog.String("user_id", userID),
		slog.String("account_id", acc.ID),
	)

	return acc, nil
}

// StartAccount запускает аккаунт по ID. 500 от сервиса — ErrLoginCodeExpired.
func (r *Registry) StartAccount(ctx context.Context, accountID string) error {
	const op = "farm.StartAccount"

	if err := r.api.StartAccount(ctx, accountID); err != nil {
		if farmapi.IsServerError(err) {
			return fmt.Errorf("%s: %w: %w", op, ErrLoginCodeExpired, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// SetAutoAccount отмечает аккаунт как аккаунт пользователя по умолчанию.
func (r *Registry) SetAutoAccount(ctx context.Context, userID, accountID string) error {
	return r.auto.SetAutoAccount(ctx, userID, accountID)
}

// StartUserAccount запускает аккаунт пользователя, если он не запущен,
// и записывает его как аккаунт по умолчанию.
// 404 на статус значит «не запущен»; 500 — код входа устарел.
func (r *Registry) StartUserAccount(ctx context.Context, userID string) (*models.Account, error) {
	const op = "farm.StartUserAccount"

	acc, err := r.UserAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if acc == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoAccount)
	}

	st, err := r.api.AccountStatus(ctx, acc.ID)
	switch {
	case err == nil && st.IsRunning:
	case err == nil || farmapi.IsNotFound(err):
		if err := r.StartAccount(ctx, acc.ID); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	case farmapi.IsServerError(err):
		return nil, fmt.Errorf("%s: %w: %w", op, ErrLoginCodeExpired, err)
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := r.auto.SetAutoAccount(ctx, userID, acc.ID); err != nil {
		return nil, fmt.Errorf("%s: set auto: %w", op, err)
	}

	return acc, nil
}

// StopUserAccount останавливает аккаунт пользователя и снимает отметку «по умолчанию».
func (r *Registry) StopUserAccount(ctx context.Context, userID string) (*models.Account, error) {
	const op = "farm.StopUserAccount"

	acc, err := r.UserAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if acc == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoAccount)
	}

	st, err := r.api.AccountStatus(ctx, acc.ID)
	switch {
	case err == nil && st.IsRunning:
		if err := r.api.StopAccount(ctx, acc.ID); err != nil && !farmapi.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	case err == nil || farmapi.IsNotFound(err):
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := r.auto.DeleteAutoAccount(ctx, userID); err != nil {
		return nil, fmt.Errorf("%s: delete auto: %w", op, err)
	}

	return acc, nil
}

// UserAccountStatus — статус аккаунта пользователя; (nil, nil, nil) без аккаунта.
// 404 от сервиса — аккаунт не запущен: отдаётся статус «не запущен, не подключён».
func (r *Registry) UserAccountStatus(ctx context.Context, userID string) (*models.Account, *models.AccountStatus, error) {
	const op = "farm.UserAccountStatus"

	acc, err := r.UserAccount(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	if acc == nil {
		return nil, nil, nil
	}

	st, err := r.api.AccountStatus(ctx, acc.ID)
	if err != nil {
		if farmapi.IsNotFound(err) {
			return acc, &models.AccountStatus{}, nil
		}
		return acc, nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, st, nil
}

// IsAutoEnabled — аккаунт пользователя совпадает с его аккаунтом по умолчанию.
func (r *Registry) IsAutoEnabled(ctx context.Context, userID string) (bool, error) {
	const op = "farm.IsAutoEnabled"

	autoID, ok, err := r.auto.AutoAccount(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return false, nil
	}

	acc, err := r.UserAccount(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return acc != nil && acc.ID == autoID, nil
}

// AllAccounts — аккаунты, привязанные к пользователям (для мастера).
func (r *Registry) AllAccounts(ctx context.Context) ([]models.Account, error) {
	const op = "farm.AllAccounts"

	list, err := r.api.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := make([]models.Account, 0, len(list))
	for _, acc := range list {
		if acc.UserID != "" {
			out = append(out, acc)
		}
	}

	return out, nil
}

// BulkResult — итог массового запуска или остановки.
type BulkResult struct {
	Total     int
	Succeeded int
	// Failed — ID аккаунтов, на которых сервис ответил ошибкой.
	Failed []string
}

// StartAllAccounts запускает все привязанные аккаунты. Ошибка одного аккаунта
// не останавливает обход: она попадает в Failed. Уже запущенные считаются успехом.
func (r *Registry) StartAllAccounts(ctx context.Context) (BulkResult, error) {
	const op = "farm.StartAllAccounts"

	return r.eachAccount(ctx, op, func(acc models.Account) error {
		if acc.IsRunning {
			return nil
		}
		if err := r.api.StartAccount(ctx, acc.ID); err != nil && !farmapi.IsConflict(err) {
			return err
		}
		return nil
	})
}

// StopAllAccounts останавливает все привязанные аккаунты. Аккаунты по умолчанию
// не снимаются: автозапуск после перезапуска сервиса сохраняется.
func (r *Registry) StopAllAccounts(ctx context.Context) (BulkResult, error) {
	const op = "farm.StopAllAccounts"

	return r.eachAccount(ctx, op, func(acc models.Account) error {
		if err := r.api.StopAccount(ctx, acc.ID); err != nil && !farmapi.IsNotFound(err) {
			return err
		}
		return nil
	})
}

func (r *Registry) eachAccount(ctx context.Context, op string, fn func(models.Account) error) (BulkResult, error) {
	lg := log.From(ctx).With(slog.String("op", op))

	list, err := r.AllAccounts(ctx)
	if err != nil {
		return BulkResult{}, fmt.Errorf("%s: %w", op, err)
	}

	res := BulkResult{Total: len(list)}
	for _, acc := range list {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}
		if err := fn(acc); err != nil {
			lg.Warn("bulk_account_failed",
				slog.String("account_id", acc.ID),
				slog.String("user_id", acc.UserID),
				slog.String("err", err.Error()),
			)
			res.Failed = append(res.Failed, acc.ID)
			continue
		}
		res.Succeeded++
	}

	lg.Info("bulk_done",
		slog.Int("total", res.Total),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", len(res.Failed)),
	)

	return res, nil
}

// AccountDetails — сводка для панели. Секции, которые сервис не отдал,
// пропускаются: старые версии сервиса их не поддерживают.
func (r *Registry) AccountDetails(ctx context.Context, userID string) (*models.AccountDetails, error) {
	const op = "farm.AccountDetails"

	acc, st, err := r.UserAccountStatus(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if acc == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoAccount)
	}

	d := &models.AccountDetails{Account: *acc, Status: *st}

	lg := log.From(ctx)
	optional := func(section string, fetch func() (json.RawMessage, error)) json.RawMessage {
		raw, err := fetch()
		if err != nil {
			if !farmapi.IsNotFound(err) {
				lg.Warn("account_details_section_failed",
					slog.String("op", op),
					slog.String("section", section),
					slog.String("err", err.Error()),
				)
			}
			return nil
		}
		return raw
	}

	d.DailyRewards = optional("daily_rewards", func() (json.RawMessage, error) { return r.api.DailyRewards(ctx, acc.ID) })
	d.Lands = optional("lands", func() (json.RawMessage, error) { return r.api.Lands(ctx, acc.ID) })
	d.Logs = optional("logs", func() (json.RawMessage, error) { return r.api.Logs(ctx, acc.ID, r.opts.LogsLimit) })

	return d, nil
}

var errStillBound = errors.New("account still listed")

// DeleteUserAccount останавливает и удаляет все аккаунты пользователя
// (их может быть несколько после смены схемы имён), снимает аккаунт
// по умолчанию и ждёт, пока список аккаунтов перестанет их показывать.
// Возвращает false, если удалять было нечего.
func (r *Registry) DeleteUserAccount(ctx context.Context, userID string) (bool, error) {
	const op = "farm.DeleteUserAccount"

	lg := log.From(ctx).With(slog.String("op", op), slog.String("user_id", userID))

	list, err := r.api.ListAccounts(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	var matched []models.Account
	for _, acc := range list {
		if ownedBy(acc, userID) {
			matched = append(matched, acc)
		}
	}

	if len(matched) == 0 {
		lg.Info("account_delete_nothing")
		return false, nil
	}

	var errs []error
	for _, acc := range matched {
		if err := r.api.StopAccount(ctx, acc.ID); err != nil {
			lg.Debug("account_stop_skipped", slog.String("account_id", acc.ID), slog.String("err", err.Error()))
		}

		if err := r.api.DeleteAccount(ctx, acc.ID); err != nil {
			if farmapi.IsNotFound(err) || farmapi.IsConflict(err) {
				lg.Debug("account_delete_skipped", slog.String("account_id", acc.ID), slog.String("err", err.Error()))
				continue
			}
			errs = append(errs, fmt.Errorf("delete %s: %w", acc.ID, err))
			continue
		}

		lg.Info("account_deleted", slog.String("account_id", acc.ID))
	}

	if err := r.auto.DeleteAutoAccount(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("delete auto: %w", err))
	}

	if len(errs) > 0 {
		return false, fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}

	b := retry.WithMaxRetries(uint64(r.opts.ConfirmAttempts-1), retry.NewConstant(r.opts.ConfirmInterval))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		acc, err := r.UserAccount(ctx, userID)
		if err != nil {
			return retry.RetryableError(err)
		}
		if acc != nil {
			return retry.RetryableError(errStillBound)
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return true, fmt.Errorf("%s: %w", op, ctxErr)
		}
		// Сервис может отдавать удалённый аккаунт с задержкой: удаление всё равно выполнено.
		lg.Warn("account_delete_unconfirmed", slog.String("err", err.Error()))
		return true, nil
	}

	lg.Info("account_delete_confirmed")
	return true, nil
}
