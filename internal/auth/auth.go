// auth — выпуск и проверка токенов веб-панели.
//
// Два класса токенов в двух независимых картах:
//   - одноразовый (login): живёт LoginTTL от выпуска; после первого MarkUsed
//     ещё UsedGrace остаётся читаемым, но не продлевается;
//   - сессионный (session): живёт SessionTTL от выпуска, без продления.
//
// Всё хранится в памяти процесса: рестарт обнуляет выданные токены.
// Authority безопасен для конкурентного использования.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pribylovaa/qfarm-gateway/internal/config"
	"github.com/pribylovaa/qfarm-gateway/internal/metrics"
	"github.com/pribylovaa/qfarm-gateway/internal/models"
	"github.com/pribylovaa/qfarm-gateway/pkg/log"
	"github.com/pribylovaa/qfarm-gateway/pkg/redact"
)

// ErrInvalidToken — токен не выдавался, истёк или уже израсходован.
// Транспорт: 401.
var ErrInvalidToken = errors.New("invalid or expired token")

const (
	loginTokenBytes   = 16
	sessionTokenBytes = 32
)

type loginToken struct {
	identity  models.Identity
	createdAt time.Time
	used      bool
	usedAt    time.Time
}

type sessionToken struct {
	identity  models.Identity
	createdAt time.Time
}

// Authority — владелец карт одноразовых и сессионных токенов.
type Authority struct {
	cfg     config.AuthConfig
	masters config.IDList
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	logins   map[string]*loginToken
	sessions map[string]*sessionToken
}

// Option настраивает Authority при создании.
type Option func(*Authority)

// WithClock подменяет часы (тесты сроков жизни).
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithMetrics подключает счётчики выпуска и проверок.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authority) { a.metrics = m }
}

// New создаёт Authority. Список мастеров берётся из cfg.Masters.
func New(cfg config.AuthConfig, opts ...Option) *Authority {
	a := &Authority{
		cfg:      cfg,
		masters:  cfg.Masters,
		now:      time.Now,
		logins:   make(map[string]*loginToken),
		sessions: make(map[string]*sessionToken),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// IsMaster — входит ли пользователь в список мастеров.
func (a *Authority) IsMaster(userID string) bool {
	return a.masters.Contains(userID)
}

// Generate выпускает одноразовый токен для ссылки на панель.
func (a *Authority) Generate(userID string, isMaster bool) string {
	tok := randomHex(loginTokenBytes)

	a.mu.Lock()
	a.logins[tok] = &loginToken{
		identity:  models.Identity{UserID: userID, Role: models.RoleOf(isMaster)},
		createdAt: a.now(),
	}
	a.mu.Unlock()

	a.metrics.TokenIssued("login")
	return tok
}

// GenerateSession выпускает сессионный токен.
func (a *Authority) GenerateSession(userID string, isMaster bool) string {
	tok := randomHex(sessionTokenBytes)

	a.mu.Lock()
	a.sessions[tok] = &sessionToken{
		identity:  models.Identity{UserID: userID, Role: models.RoleOf(isMaster)},
		createdAt: a.now(),
	}
	a.mu.Unlock()

	a.metrics.TokenIssued("session")
	return tok
}

// Verify возвращает владельца токена. Сначала проверяется карта одноразовых
// токенов, затем сессионных. Просроченные записи удаляются сразу.
func (a *Authority) Verify(token string) (models.Identity, bool) {
	if token == "" {
		a.metrics.TokenVerified("invalid")
		return models.Identity{}, false
	}

	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if lt, ok := a.logins[token]; ok {
		if !a.loginValid(lt, now) {
			delete(a.logins, token)
			a.metrics.TokenVerified("expired")
			return models.Identity{}, false
		}
		a.metrics.TokenVerified("ok")
		return lt.identity, true
	}

	if st, ok := a.sessions[token]; ok {
		if now.Sub(st.createdAt) >= a.cfg.SessionTTL {
			delete(a.sessions, token)
			a.metrics.TokenVerified("expired")
			return models.Identity{}, false
		}
		a.metrics.TokenVerified("ok")
		return st.identity, true
	}

	a.metrics.TokenVerified("invalid")
	return models.Identity{}, false
}

func (a *Authority) loginValid(lt *loginToken, now time.Time) bool {
	if now.Sub(lt.createdAt) >= a.cfg.LoginTTL {
		return false
	}
	if lt.used && now.Sub(lt.usedAt) >= a.cfg.UsedGrace {
		return false
	}
	return true
}

// MarkUsed отмечает одноразовый токен израсходованным. Повторный вызов
// не сдвигает окно UsedGrace; для отсутствующего токена ничего не делает.
func (a *Authority) MarkUsed(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	lt, ok := a.logins[token]
	if !ok || lt.used {
		return
	}

	lt.used = true
	lt.usedAt = a.now()
}

// Exchange меняет одноразовый токен из ссылки на сессионный: первый заход
// на панель. Токен расходуется под той же блокировкой, что и проверка, поэтому
// одна ссылка даёт ровно одну сессию. Израсходованные одноразовые и
// сессионные токены отклоняются: сессия не продлевается обменом.
func (a *Authority) Exchange(ctx context.Context, token string) (string, models.Identity, error) {
	const op = "auth.Exchange"

	id, ok := a.consume(token)
	if !ok {
		log.From(ctx).Info("token_rejected",
			slog.String("op", op),
			slog.String("token", redact.Prefix(token, 6)),
		)
		return "", models.Identity{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	session := a.GenerateSession(id.UserID, id.IsMaster())

	log.From(ctx).Info("session_issued",
		slog.String("op", op),
		slog.String("user_id", id.UserID),
		slog.String("role", string(id.Role)),
	)

	return session, id, nil
}

// consume проверяет и расходует неиспользованный одноразовый токен.
func (a *Authority) consume(token string) (models.Identity, bool) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	lt, ok := a.logins[token]
	if !ok {
		a.metrics.TokenVerified("invalid")
		return models.Identity{}, false
	}
	if !a.loginValid(lt, now) {
		delete(a.logins, token)
		a.metrics.TokenVerified("expired")
		return models.Identity{}, false
	}
	if lt.used {
		a.metrics.TokenVerified("used")
		return models.Identity{}, false
	}

	lt.used = true
	lt.usedAt = now
	a.metrics.TokenVerified("ok")

	return lt.identity, true
}

// Revoke удаляет все токены пользователя (выход из панели, отвязка аккаунта).
// Возвращает число удалённых токенов.
func (a *Authority) Revoke(userID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for tok, lt := range a.logins {
		if lt.identity.UserID == userID {
			delete(a.logins, tok)
			n++
		}
	}
	for tok, st := range a.sessions {
		if st.identity.UserID == userID {
			delete(a.sessions, tok)
			n++
		}
	}

	return n
}

// Sweep удаляет одноразовые токены старше Retention или с истёкшим
// окном после использования, и сессионные старше SessionTTL.
func (a *Authority) Sweep() (logins, sessions int) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	for tok, lt := range a.logins {
		if now.Sub(lt.createdAt) >= a.cfg.Retention || (lt.used && now.Sub(lt.usedAt) >= a.cfg.UsedGrace) {
			delete(a.logins, tok)
			logins++
		}
	}

	for tok, st := range a.sessions {
		if now.Sub(st.createdAt) >= a.cfg.SessionTTL {
			delete(a.sessions, tok)
			sessions++
		}
	}

	return logins, sessions
}

// StartSweeper запускает периодическую очистку до отмены ctx.
func (a *Authority) StartSweeper(ctx context.Context, interval time.Duration) {
	const op = "auth.StartSweeper"

	lg := log.From(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				lg.Info("token_sweeper_stopped", slog.String("op", op))
				return
			case <-ticker.C:
				logins, sessions := a.Sweep()
				if logins+sessions > 0 {
					lg.Debug("tokens_swept",
						slog.String("op", op),
						slog.Int("login", logins),
						slog.Int("session", sessions),
					)
				}
			}
		}
	}()
}

// Len — число живых записей в картах (включая ещё не вычищенные просроченные).
func (a *Authority) Len() (logins, sessions int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.logins), len(a.sessions)
}

// randomHex — n случайных байт в hex. С Go 1.24 rand.Read не возвращает ошибку.
func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
