// notify — исходящие сообщения в чат через HTTP API OneBot v11.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pribylovaa/qfarm-gateway/pkg/log"

	"github.com/sethvargo/go-retry"
)

// ErrRejected — OneBot ответил, но отказал в отправке (status != ok).
// Повтор не поможет.
var ErrRejected = errors.New("onebot rejected message")

const (
	attempts = 3
	backoff  = 200 * time.Millisecond
)

type OneBot struct {
	base  string
	token string
	http  *http.Client
	// backoff между попытками (в тестах — короче).
	backoff time.Duration
}

type Option func(*OneBot)

func WithHTTPClient(hc *http.Client) Option {
	return func(o *OneBot) { o.http = hc }
}

func WithBackoff(d time.Duration) Option {
	return func(o *OneBot) { o.backoff = d }
}

func New(baseURL, accessToken string, timeout time.Duration, opts ...Option) *OneBot {
	o := &OneBot{
		base:    strings.TrimRight(baseURL, "/"),
		token:   accessToken,
		http:    &http.Client{Timeout: timeout},
		backoff: backoff,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// At — CQ-код упоминания пользователя.
func (o *OneBot) At(userID string) string {
	return "[CQ:at,qq=" + userID + "]"
}

func (o *OneBot) SendGroup(ctx context.Context, groupID, text string) error {
	return o.send(ctx, "notify.SendGroup", "/send_group_msg", map[string]any{
		"group_id": numericID(groupID),
		"message":  text,
	})
}

func (o *OneBot) SendPrivate(ctx context.Context, userID, text string) error {
	return o.send(ctx, "notify.SendPrivate", "/send_private_msg", map[string]any{
		"user_id": numericID(userID),
		"message": text,
	})
}

// numericID — OneBot ждёт числовые id; нечисловые отдаются строкой как есть.
func numericID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

type reply struct {
	Status  string `json:"status"`
	RetCode int    `json:"retcode"`
	Message string `json:"message"`
	Wording string `json:"wording"`
}

func (o *OneBot) send(ctx context.Context, op, path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	lg := log.From(ctx)

	b := retry.WithMaxRetries(attempts-1, retry.NewExponential(o.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		err := o.post(ctx, path, body)
		var re retryable
		if errors.As(err, &re) {
			lg.Debug("onebot_retry", slog.String("op", op), slog.String("err", err.Error()))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// retryable — сетевые ошибки и 5xx.
type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

func (o *OneBot) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retryable{err}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 500 {
		return retryable{fmt.Errorf("http %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: http %d", ErrRejected, resp.StatusCode)
	}

	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if r.Status != "ok" {
		msg := r.Wording
		if msg == "" {
			msg = r.Message
		}
		return fmt.Errorf("%w: retcode %d: %s", ErrRejected, r.RetCode, msg)
	}

	return nil
}
