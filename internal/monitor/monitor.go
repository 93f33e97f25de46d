// monitor — уведомления об отключении аккаунта фермы.
//
// Периодический обход пользователей, подписанных на уведомления. Отключение
// считается настоящим, только если держится не меньше ConfirmDelay; повторное
// уведомление тому же пользователю не раньше Cooldown после прошлого успешного.
// Любое наблюдение «подключён» полностью сбрасывает ожидание подтверждения.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pribylovaa/qfarm-gateway/internal/metrics"
	"github.com/pribylovaa/qfarm-gateway/internal/models"
	"github.com/pribylovaa/qfarm-gateway/pkg/log"
)

// StatusSource — статус аккаунта пользователя (farm.Registry).
type StatusSource interface {
	UserAccountStatus(ctx context.Context, userID string) (*models.Account, *models.AccountStatus, error)
}

// Subscriptions — кто и куда подписан на уведомления (settings.Store).
type Subscriptions interface {
	NotifyUsers(ctx context.Context) ([]string, error)
	NotifyGroups(ctx context.Context, userID string) ([]string, error)
}

// Notifier — отправка в группу чата (notify.OneBot).
type Notifier interface {
	SendGroup(ctx context.Context, groupID, text string) error
	At(userID string) string
}

type Options struct {
	Interval     time.Duration
	ConfirmDelay time.Duration
	Cooldown     time.Duration
}

// userState — состояние отслеживания одного пользователя.
// disconnectedAt нулевое — отключение не наблюдается.
type userState struct {
	seen           bool
	lastConnected  bool
	disconnectedAt time.Time
	notified       bool
	lastNotifyAt   time.Time
	sending        bool
}

type Monitor struct {
	src     StatusSource
	subs    Subscriptions
	notify  Notifier
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	users map[string]*userState
}

type Option func(*Monitor)

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

func New(src StatusSource, subs Subscriptions, n Notifier, opts Options, options ...Option) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}

	m := &Monitor{
		src:    src,
		subs:   subs,
		notify: n,
		opts:   opts,
		now:    time.Now,
		users:  make(map[string]*userState),
	}

	for _, o := range options {
		o(m)
	}

	return m
}

// Start обходит подписчиков каждые Interval до отмены ctx.
// Первый обход через один интервал после старта.
func (m *Monitor) Start(ctx context.Context) error {
	const op = "monitor.Start"

	lg := log.From(ctx)
	lg.Info("offline_monitor_start",
		slog.String("op", op),
		slog.Duration("interval", m.opts.Interval),
		slog.Duration("confirm_delay", m.opts.ConfirmDelay),
		slog.Duration("cooldown", m.opts.Cooldown),
	)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("offline_monitor_stop", slog.String("op", op))
			return nil
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				lg.Warn("offline_sweep_error",
					slog.String("op", op),
					slog.String("err", err.Error()),
				)
			}
		}
	}
}

// Sweep — один проход по подписанным пользователям. Ошибка статуса одного
// пользователя не прерывает проход; пользователи без подписки забываются.
func (m *Monitor) Sweep(ctx context.Context) error {
	const op = "monitor.Sweep"

	users, err := m.subs.NotifyUsers(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	active := make(map[string]struct{}, len(users))
	var errs []error

	for _, uid := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		active[uid] = struct{}{}

		if err := m.CheckUser(ctx, uid); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	for uid := range m.users {
		if _, ok := active[uid]; !ok {
			delete(m.users, uid)
		}
	}
	m.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("%s: %d users failed: %w", op, len(errs), errors.Join(errs...))
	}

	return nil
}

// CheckUser обрабатывает одно наблюдение статуса пользователя.
func (m *Monitor) CheckUser(ctx context.Context, userID string) error {
	const op = "monitor.CheckUser"

	lg := log.From(ctx).With(slog.String("op", op), slog.String("user_id", userID))

	acc, st, err := m.src.UserAccountStatus(ctx, userID)
	if err != nil {
		lg.Debug("offline_status_failed", slog.String("err", err.Error()))
		return fmt.Errorf("%s: %s: %w", op, userID, err)
	}
	if acc == nil {
		m.ClearUser(userID)
		return nil
	}

	now := m.now()

	m.mu.Lock()
	s, ok := m.users[userID]
	if !ok {
		s = &userState{}
		m.users[userID] = s
	}

	if st.IsConnected {
		if !s.disconnectedAt.IsZero() {
			lg.Info("offline_recovered", slog.Bool("was_notified", s.notified))
		}
		s.seen, s.lastConnected = true, true
		s.disconnectedAt = time.Time{}
		s.notified = false
		m.mu.Unlock()
		return nil
	}

	// Первое наблюдение пользователя тоже открывает отключение:
	// после рестарта считаем худший случай.
	if (!s.seen || s.lastConnected) && s.disconnectedAt.IsZero() {
		s.disconnectedAt = now
		lg.Info("offline_detected", slog.String("account_id", acc.ID))
	}
	s.seen, s.lastConnected = true, false

	if s.disconnectedAt.IsZero() || s.notified || s.sending || now.Sub(s.disconnectedAt) < m.opts.ConfirmDelay {
		m.mu.Unlock()
		return nil
	}

	if !s.lastNotifyAt.IsZero() && now.Sub(s.lastNotifyAt) < m.opts.Cooldown {
		m.mu.Unlock()
		m.metrics.OfflineNotification("cooldown")
		lg.Debug("offline_notify_cooldown", slog.Duration("since_last", now.Sub(s.lastNotifyAt)))
		return nil
	}

	s.sending = true
	since := s.disconnectedAt
	m.mu.Unlock()

	sent := m.send(ctx, userID, acc, st, now.Sub(since))

	m.mu.Lock()
	s.sending = false
	if sent {
		s.notified = true
		s.lastNotifyAt = m.now()
	}
	m.mu.Unlock()

	return nil
}

// send рассылает уведомление во все группы пользователя.
// true — хотя бы одна группа приняла сообщение.
func (m *Monitor) send(ctx context.Context, userID string, acc *models.Account, st *models.AccountStatus, down time.Duration) bool {
	const op = "monitor.send"

	lg := log.From(ctx).With(slog.String("op", op), slog.String("user_id", userID))

	groups, err := m.subs.NotifyGroups(ctx, userID)
	if err != nil {
		lg.Warn("offline_notify_groups_failed", slog.String("err", err.Error()))
		m.metrics.OfflineNotification("failed")
		return false
	}
	if len(groups) == 0 {
		return false
	}

	text := offlineText(m.notify.At(userID), acc, st, down)

	delivered := 0
	for _, gid := range groups {
		if err := m.notify.SendGroup(ctx, gid, text); err != nil {
			lg.Warn("offline_notify_failed", slog.String("group_id", gid), slog.String("err", err.Error()))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		m.metrics.OfflineNotification("failed")
		return false
	}

	m.metrics.OfflineNotification("sent")
	lg.Info("offline_notify_sent",
		slog.String("account_id", acc.ID),
		slog.Int("groups", delivered),
		slog.Duration("down", down),
	)

	return true
}

func offlineText(mention string, acc *models.Account, st *models.AccountStatus, down time.Duration) string {
	text := fmt.Sprintf("%s your farm account %s has been offline for %s.", mention, acc.Name, down.Truncate(time.Second))
	if st.DisconnectedReason != "" {
		text += " Reason: " + st.DisconnectedReason + "."
	}
	return text + " Log in again if it does not reconnect."
}

// ClearUser забывает состояние пользователя (отписка, отвязка аккаунта).
func (m *Monitor) ClearUser(userID string) {
	m.mu.Lock()
	delete(m.users, userID)
	m.mu.Unlock()
}

// Tracked — число отслеживаемых пользователей.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.users)
}
