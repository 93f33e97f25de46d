// farmapi — REST-клиент внешнего сервиса автоматизации фермы.
//
// Сервис отвечает конвертом {"success": bool, "data": ...}; клиент снимает
// конверт и возвращает полезную нагрузку. Любой не-2xx ответ превращается
// в *Error со статусом и Kind, классифицировать ошибки по тексту не нужно.
package farmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pribylovaa/qfarm-gateway/internal/models"
)

// maxBody — верхняя граница читаемого ответа (логи аккаунта бывают большими).
const maxBody = 4 << 20

// Client — клиент сервиса фермы. Безопасен для конкурентного использования.
type Client struct {
	base string
	http *http.Client
}

// Option — настройка Client.
type Option func(*Client)

// WithHTTPClient подменяет http.Client (тесты, кастомный транспорт).
// Логирующий транспорт оборачивает транспорт переданного клиента.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New создаёт клиент. timeout <= 0 — без общего таймаута (остаётся дедлайн ctx).
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}

	for _, opt := range opts {
		opt(c)
	}

	next := c.http.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	hc := *c.http
	hc.Transport = loggingTransport{next: next}
	c.http = &hc

	return c
}

// ListAccounts — GET /api/accounts. Понимает и массив, и {"accounts": [...]}.
func (c *Client) ListAccounts(ctx context.Context) ([]models.Account, error) {
	const op = "farmapi.ListAccounts"

	var raw json.RawMessage
	if err := c.do(ctx, op, http.MethodGet, "/api/accounts", nil, &raw); err != nil {
		return nil, err
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var list []models.Account
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, badResponse(op, err)
		}
		return list, nil
	}

	var wrapped struct {
		Accounts []models.Account `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, badResponse(op, err)
	}

	return wrapped.Accounts, nil
}

// CreateAccount — POST /api/accounts.
func (c *Client) CreateAccount(ctx context.Context, req models.CreateAccountRequest) (*models.Account, error) {
	const op = "farmapi.CreateAccount"

	var acc models.Account
	if err := c.do(ctx, op, http.MethodPost, "/api/accounts", req, &acc); err != nil {
		return nil, err
	}

	if acc.ID == "" {
		return nil, &Error{Op: op, Kind: KindBadResponse, Message: "account id is empty"}
	}

	return &acc, nil
}

// DeleteAccount — DELETE /api/accounts/{id}.
func (c *Client) DeleteAccount(ctx context.Context, id string) error {
	return c.do(ctx, "farmapi.DeleteAccount", http.MethodDelete, "/api/accounts/"+url.PathEscape(id), nil, nil)
}

// StartAccount — POST /api/accounts/{id}/start.
func (c *Client) StartAccount(ctx context.Context, id string) error {
	return c.do(ctx, "farmapi.StartAccount", http.MethodPost, "/api/accounts/"+url.PathEscape(id)+"/start", nil, nil)
}

// StopAccount — POST /api/accounts/{id}/stop.
func (c *Client) StopAccount(ctx context.Context, id string) error {
	return c.do(ctx, "farmapi.StopAccount", http.MethodPost, "/api/accounts/"+url.PathEscape(id)+"/stop", nil, nil)
}

// AccountStatus — GET /api/accounts/{id}/status.
// 404 означает, что аккаунт сейчас не запущен (см. farm.Registry.UserAccountStatus).
func (c *Client) AccountStatus(ctx context.Context, id string) (*models.AccountStatus, error) {
	const op = "farmapi.AccountStatus"

	var st models.AccountStatus
	if err := c.do(ctx, op, http.MethodGet, "/api/accounts/"+url.PathEscape(id)+"/status", nil, &st); err != nil {
		return nil, err
	}

	return &st, nil
}

// DailyRewards — GET /api/accounts/{id}/daily-rewards.
func (c *Client) DailyRewards(ctx context.Context, id string) (json.RawMessage, error) {
	return c.raw(ctx, "farmapi.DailyRewards", "/api/accounts/"+url.PathEscape(id)+"/daily-rewards")
}

// Lands — GET /api/accounts/{id}/lands.
func (c *Client) Lands(ctx context.Context, id string) (json.RawMessage, error) {
	return c.raw(ctx, "farmapi.Lands", "/api/accounts/"+url.PathEscape(id)+"/lands")
}

// Logs — GET /api/accounts/{id}/logs?limit=N.
func (c *Client) Logs(ctx context.Context, id string, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	path := "/api/accounts/" + url.PathEscape(id) + "/logs?limit=" + strconv.Itoa(limit)
	return c.raw(ctx, "farmapi.Logs", path)
}

// CreateLoginSession — POST /api/qr-login.
func (c *Client) CreateLoginSession(ctx context.Context) (*models.LoginSession, error) {
	const op = "farmapi.CreateLoginSession"

	var s models.LoginSession
	if err := c.do(ctx, op, http.MethodPost, "/api/qr-login", nil, &s); err != nil {
		return nil, err
	}

	if s.SessionID == "" {
		return nil, &Error{Op: op, Kind: KindBadResponse, Message: "session id is empty"}
	}

	return &s, nil
}

// LoginURL — GET /api/qr-login/{sid}/url.
func (c *Client) LoginURL(ctx context.Context, sessionID string) (*models.LoginURL, error) {
	const op = "farmapi.LoginURL"

	var u models.LoginURL
	if err := c.do(ctx, op, http.MethodGet, "/api/qr-login/"+url.PathEscape(sessionID)+"/url", nil, &u); err != nil {
		return nil, err
	}

	if u.URL == "" {
		return nil, &Error{Op: op, Kind: KindBadResponse, Message: "login url is empty"}
	}

	return &u, nil
}

// LoginStatus — GET /api/qr-login/{sid}/status.
func (c *Client) LoginStatus(ctx context.Context, sessionID string) (*models.LoginStatus, error) {
	const op = "farmapi.LoginStatus"

	var st models.LoginStatus
	if err := c.do(ctx, op, http.MethodGet, "/api/qr-login/"+url.PathEscape(sessionID)+"/status", nil, &st); err != nil {
		return nil, err
	}

	return &st, nil
}

// Health — GET /api/health. Старые версии сервиса отвечают 404: это не ошибка.
func (c *Client) Health(ctx context.Context) error {
	err := c.do(ctx, "farmapi.Health", http.MethodGet, "/api/health", nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) raw(ctx context.Context, op, path string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, op, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// envelope — общий конверт ответов сервиса.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func (e envelope) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%s: new request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return transportError(op, err)
	}

	env, hasEnv := parseEnvelope(data)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		if hasEnv && env.text() != "" {
			msg = env.text()
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Kind: kindFromStatus(resp.StatusCode), Message: msg}
	}

	if hasEnv && env.Success != nil && !*env.Success {
		msg := env.text()
		if msg == "" {
			msg = "success=false"
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Kind: KindBadResponse, Message: msg}
	}

	if out == nil {
		return nil
	}

	payload := data
	if hasEnv && env.Success != nil && len(env.Data) > 0 {
		payload = env.Data
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Kind: KindBadResponse, Message: "empty body"}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return badResponse(op, err)
	}

	return nil
}

// parseEnvelope распознаёт конверт только у JSON-объектов с полем success.
func parseEnvelope(data []byte) (envelope, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return envelope{}, false
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return envelope{}, false
	}

	return env, env.Success != nil || env.text() != ""
}

func badResponse(op string, err error) error {
	return &Error{Op: op, Kind: KindBadResponse, Message: "malformed response", Err: err}
}
