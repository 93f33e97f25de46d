package farmapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pribylovaa/qfarm-gateway/pkg/log"
)

type CtxKey string

// CtxRequestID — ключ контекста с X-Request-Id входящего запроса.
// Кладётся HTTP-мидлваром и прокидывается в исходящие вызовы сервиса фермы.
const CtxRequestID CtxKey = "request_id"

// loggingTransport — http.RoundTripper исходящих вызовов:
//   - берёт X-Request-Id из контекста или генерирует UUID;
//   - пишет одну запись msg="farm_http" с методом, путём, статусом и длительностью.
//
// Тело запроса/ответа не логируется: там бывают коды входа.
type loggingTransport struct {
	next http.RoundTripper
}

func (t loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()

	rid, _ := ctx.Value(CtxRequestID).(string)
	if rid == "" {
		rid = uuid.NewString()
	}

	req = req.Clone(ctx)
	req.Header.Set("X-Request-Id", rid)

	resp, err := t.next.RoundTrip(req)

	attrs := []slog.Attr{
		slog.String("request_id", rid),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Duration("dur", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
		log.From(ctx).LogAttrs(ctx, slog.LevelWarn, "farm_http", attrs...)
		return nil, err
	}

	attrs = append(attrs, slog.Int("status", resp.StatusCode))
	log.From(ctx).LogAttrs(ctx, slog.LevelDebug, "farm_http", attrs...)

	return resp, nil
}
