// qrlogin — вход пользователя в сервис фермы по QR-коду.
//
// Start получает у сервиса удалённую сессию входа и ссылку на QR, а затем
// в отдельной горутине опрашивает статус с фиксированным интервалом до
// терминального исхода: аккаунт создан и запущен, QR истёк, превышен лимит
// опросов или финализация не удалась. Исход доставляется колбэком ровно один раз.
//
// На пользователя допускается не больше одной живой сессии. Отмена удаляет
// запись сессии из карты и отменяет её контекст: цикл замечает это на
// ближайшем тике, а результат уже начатого запроса отбрасывается.
package qrlogin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pribylovaa/qfarm-gateway/internal/metrics"
	"github.com/pribylovaa/qfarm-gateway/internal/models"
	"github.com/pribylovaa/qfarm-gateway/pkg/log"
)

var (
	// ErrAlreadyBound — у пользователя уже есть аккаунт фермы.
	// Транспорт: 409 / ответ чату "already bound".
	ErrAlreadyBound = errors.New("farm account already bound")
	// ErrInProgress — вход по QR для пользователя уже идёт.
	// Транспорт: 409.
	ErrInProgress = errors.New("qr login already in progress")
	// ErrHandshake — сервис не выдал сессию входа или ссылку на QR.
	// Транспорт: 502.
	ErrHandshake = errors.New("qr login handshake failed")
	// ErrCancelled — сессию отменили, пока шло рукопожатие.
	ErrCancelled = errors.New("qr login cancelled")
	// ErrClosed — менеджер остановлен (завершение процесса).
	// Транспорт: 503.
	ErrClosed = errors.New("qr login manager closed")
)

// Accounts — реестр аккаунтов (farm.Registry).
type Accounts interface {
	UserAccount(ctx context.Context, userID string) (*models.Account, error)
	CreateAccount(ctx context.Context, userID, code string) (*models.Account, error)
	StartAccount(ctx context.Context, accountID string) error
	SetAutoAccount(ctx context.Context, userID, accountID string) error
}

// LoginAPI — рукопожатие входа по QR у сервиса фермы (farmapi.Client).
type LoginAPI interface {
	CreateLoginSession(ctx context.Context) (*models.LoginSession, error)
	LoginURL(ctx context.Context, sessionID string) (*models.LoginURL, error)
	LoginStatus(ctx context.Context, sessionID string) (*models.LoginStatus, error)
}

// Stage — терминальная стадия сессии.
type Stage string

const (
	StageCompleted Stage = "completed"
	StageExpired   Stage = "expired"
	StageTimeout   Stage = "timeout"
	StageFailed    Stage = "failed"
)

// Outcome — итог сессии, передаётся в колбэк.
type Outcome struct {
	Success     bool
	Stage       Stage
	Message     string
	Account     *models.Account
	AutoEnabled bool
}

// Callback вызывается из горутины опроса, никогда из Start.
type Callback func(Outcome)

// Ticket — то, что Start отдаёт вызывающему: ссылка для QR.
type Ticket struct {
	SessionID string
	URL       string
}

type Options struct {
	Interval     time.Duration
	MaxTicks     int
	RecheckDelay time.Duration
	// FinalizeTimeout ограничивает создание и запуск аккаунта после успеха.
	FinalizeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.MaxTicks <= 0 {
		o.MaxTicks = 90
	}
	if o.RecheckDelay < 0 {
		o.RecheckDelay = 0
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 30 * time.Second
	}
	return o
}

type session struct {
	userID    string
	remoteID  string
	startedAt time.Time
	cancel    context.CancelFunc
	// processing — финализация уже начата; второй переход в терминал запрещён.
	processing atomic.Bool
}

type Manager struct {
	accounts Accounts
	api      LoginAPI
	opts     Options
	metrics  *metrics.Metrics
	now      func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func New(accounts Accounts, api LoginAPI, opts Options, m *metrics.Metrics) *Manager {
	base, stop := context.WithCancel(context.Background())

	return &Manager{
		accounts: accounts,
		api:      api,
		opts:     opts.withDefaults(),
		metrics:  m,
		now:      time.Now,
		base:     base,
		stop:     stop,
		sessions: make(map[string]*session),
	}
}

// Start начинает вход по QR. Ошибки предусловий (ErrAlreadyBound,
// ErrInProgress) и рукопожатия (ErrHandshake) возвращаются сразу,
// без колбэка и без оставленного состояния.
func (m *Manager) Start(ctx context.Context, userID string, cb Callback) (Ticket, error) {
	const op = "qrlogin.Start"

	lg := log.From(ctx).With(slog.String("op", op), slog.String("user_id", userID))

	bound, err := m.isBound(ctx, userID)
	if err != nil {
		return Ticket{}, fmt.Errorf("%s: %w", op, err)
	}
	if bound {
		lg.Info("qr_start_rejected", slog.String("reason", "already_bound"))
		return Ticket{}, fmt.Errorf("%s: %w", op, ErrAlreadyBound)
	}

	s, err := m.reserve(userID)
	if err != nil {
		lg.Info("qr_start_rejected", slog.String("reason", err.Error()))
		return Ticket{}, fmt.Errorf("%s: %w", op, err)
	}

	ls, err := m.api.CreateLoginSession(ctx)
	if err == nil && (ls == nil || ls.SessionID == "") {
		err = errors.New("empty session id")
	}
	if err != nil {
		m.release(s)
		lg.Warn("qr_handshake_failed", slog.String("step", "create_session"), slog.String("err", err.Error()))
		return Ticket{}, fmt.Errorf("%s: %w: %w", op, ErrHandshake, err)
	}

	lu, err := m.api.LoginURL(ctx, ls.SessionID)
	if err == nil && (lu == nil || lu.URL == "") {
		err = errors.New("empty login url")
	}
	if err != nil {
		m.release(s)
		lg.Warn("qr_handshake_failed", slog.String("step", "login_url"), slog.String("err", err.Error()))
		return Ticket{}, fmt.Errorf("%s: %w: %w", op, ErrHandshake, err)
	}

	loopCtx, cancel := context.WithCancel(m.base)
	loopCtx = log.Into(loopCtx, log.From(ctx).With(
		slog.String("user_id", userID),
		slog.String("session_id", ls.SessionID),
	))

	m.mu.Lock()
	if m.sessions[userID] != s {
		m.mu.Unlock()
		cancel()
		lg.Info("qr_start_cancelled_during_handshake")
		return Ticket{}, fmt.Errorf("%s: %w", op, ErrCancelled)
	}
	s.remoteID = ls.SessionID
	s.cancel = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go m.poll(loopCtx, s, cb)

	lg.Info("qr_session_started", slog.String("session_id", ls.SessionID))

	return Ticket{SessionID: ls.SessionID, URL: lu.URL}, nil
}

// isBound проверяет наличие аккаунта и, если он найден, перепроверяет через
// RecheckDelay: список аккаунтов сервиса отстаёт от только что выполненного удаления.
func (m *Manager) isBound(ctx context.Context, userID string) (bool, error) {
	acc, err := m.accounts.UserAccount(ctx, userID)
	if err != nil || acc == nil {
		return false, err
	}

	if m.opts.RecheckDelay > 0 {
		t := time.NewTimer(m.opts.RecheckDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}

	acc, err = m.accounts.UserAccount(ctx, userID)
	if err != nil {
		return false, err
	}

	return acc != nil, nil
}

// reserve занимает слот пользователя до рукопожатия, чтобы параллельный
// Start получил ErrInProgress, а не вторую удалённую сессию.
func (m *Manager) reserve(userID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.sessions[userID]; ok {
		return nil, ErrInProgress
	}

	s := &session{userID: userID, startedAt: m.now(), cancel: func() {}}
	m.sessions[userID] = s
	m.metrics.QRSessionsActive(len(m.sessions))

	return s, nil
}

// release удаляет сессию, если слот всё ещё её. false — сессию уже отменили
// или завершили.
func (m *Manager) release(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.userID] != s {
		return false
	}

	delete(m.sessions, s.userID)
	s.cancel()
	m.metrics.QRSessionsActive(len(m.sessions))

	return true
}

func (m *Manager) owns(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sessions[s.userID] == s
}

// Cancel отменяет сессию пользователя. Колбэк не вызывается.
// false — активной сессии не было.
func (m *Manager) Cancel(ctx context.Context, userID string) bool {
	const op = "qrlogin.Cancel"

	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
		s.cancel()
		m.metrics.QRSessionsActive(len(m.sessions))
	}
	m.mu.Unlock()

	if ok {
		log.From(ctx).Info("qr_session_cancelled",
			slog.String("op", op),
			slog.String("user_id", userID),
			slog.Bool("finalizing", s.processing.Load()),
		)
	}

	return ok
}

// Active — идёт ли вход для пользователя.
func (m *Manager) Active(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.sessions[userID]
	return ok
}

// Close отменяет все сессии и ждёт завершения их горутин.
// Начатая финализация доводится до конца.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for uid, s := range m.sessions {
		delete(m.sessions, uid)
		s.cancel()
	}
	m.metrics.QRSessionsActive(0)
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
}

func (m *Manager) poll(ctx context.Context, s *session, cb Callback) {
	const op = "qrlogin.poll"

	defer m.wg.Done()

	lg := log.From(ctx)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			lg.Debug("qr_poll_stopped", slog.String("op", op), slog.Int("tick", tick))
			return
		case <-ticker.C:
		}

		if !m.owns(s) {
			return
		}
		if s.processing.Load() {
			continue
		}

		st, err := m.api.LoginStatus(ctx, s.remoteID)
		if ctx.Err() != nil || !m.owns(s) {
			// отменили во время запроса: результат отбрасывается
			return
		}

		switch {
		case err != nil:
			lg.Warn("qr_status_failed",
				slog.String("op", op),
				slog.Int("tick", tick),
				slog.String("err", err.Error()),
			)
		case st.Status == models.LoginSuccess && st.Code == "":
			lg.Warn("qr_status_success_without_code", slog.String("op", op), slog.Int("tick", tick))
		case st.Status == models.LoginSuccess:
			if !s.processing.CompareAndSwap(false, true) {
				continue
			}
			m.finalize(ctx, s, st.Code, cb)
			return
		case st.Status == models.LoginExpired || st.Status == models.LoginFailed:
			if m.release(s) {
				m.deliver(ctx, s, cb, Outcome{Stage: StageExpired, Message: "QR code expired, request a new login"})
			}
			return
		}

		if tick >= m.opts.MaxTicks {
			if m.release(s) {
				m.deliver(ctx, s, cb, Outcome{Stage: StageTimeout, Message: "QR login timed out, request a new login"})
			}
			return
		}
	}
}

// finalize доводит успешный вход до запущенного аккаунта. Запускается не
// больше одного раза на сессию. Отмена до создания аккаунта останавливает
// финализацию без колбэка; если создание уже начато, исход доставляется.
func (m *Manager) finalize(ctx context.Context, s *session, code string, cb Callback) {
	const op = "qrlogin.finalize"

	lg := log.From(ctx).With(slog.String("op", op))

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.FinalizeTimeout)
	defer cancel()

	existing, err := m.accounts.UserAccount(fctx, s.userID)
	if err != nil {
		lg.Error("qr_finalize_lookup_failed", slog.String("err", err.Error()))
		if m.release(s) {
			m.deliver(ctx, s, cb, Outcome{Stage: StageFailed, Message: "could not check existing account, try again"})
		}
		return
	}

	// отменили во время поиска (Cancel, выход): аккаунт не создаём
	if !m.owns(s) {
		lg.Info("qr_finalize_cancelled")
		return
	}

	if existing != nil {
		// параллельный вход уже создал аккаунт
		lg.Info("qr_finalize_account_exists", slog.String("account_id", existing.ID))
		if m.release(s) {
			m.deliver(ctx, s, cb, Outcome{
				Success: true,
				Stage:   StageCompleted,
				Message: "account already bound",
				Account: existing,
			})
		}
		return
	}

	acc, err := m.accounts.CreateAccount(fctx, s.userID, code)
	if err != nil {
		lg.Error("qr_finalize_create_failed", slog.String("err", err.Error()))
		if m.release(s) {
			m.deliver(ctx, s, cb, Outcome{Stage: StageFailed, Message: "account creation failed, try again"})
		}
		return
	}

	out := Outcome{
		Success: true,
		Stage:   StageCompleted,
		Message: "login succeeded, automation started",
		Account: acc,
	}

	if err := m.accounts.StartAccount(fctx, acc.ID); err != nil {
		lg.Warn("qr_finalize_start_failed", slog.String("account_id", acc.ID), slog.String("err", err.Error()))
		out.Message = "login succeeded, but automation could not be started"
	} else if err := m.accounts.SetAutoAccount(fctx, s.userID, acc.ID); err != nil {
		lg.Warn("qr_finalize_set_auto_failed", slog.String("account_id", acc.ID), slog.String("err", err.Error()))
	} else {
		out.AutoEnabled = true
	}

	m.release(s)
	m.deliver(ctx, s, cb, out)
}

func (m *Manager) deliver(ctx context.Context, s *session, cb Callback, out Outcome) {
	const op = "qrlogin.deliver"

	lg := log.From(ctx)

	m.metrics.QRLoginFinished(string(out.Stage))
	lg.Info("qr_session_finished",
		slog.String("op", op),
		slog.String("stage", string(out.Stage)),
		slog.Bool("success", out.Success),
		slog.Duration("dur", m.now().Sub(s.startedAt)),
	)

	if cb == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			lg.Error("qr_callback_panic", slog.String("op", op), slog.Any("panic", r))
		}
	}()

	cb(out)
}
