package farmapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind — машинно-проверяемый класс ошибки сервиса фермы.
type Kind string

const (
	KindBadRequest  Kind = "bad_request"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindServerError Kind = "server_error"
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindBadResponse Kind = "bad_response"
)

// Error — ошибка вызова сервиса фермы.
// StatusCode равен 0, если ответа не было (сеть, таймаут).
type Error struct {
	Op         string
	StatusCode int
	Kind       Kind
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (http %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}

	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf возвращает класс ошибки или "" для чужих ошибок.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool    { return KindOf(err) == KindConflict }
func IsServerError(err error) bool { return KindOf(err) == KindServerError }

// IsTransient — ошибки, после которых имеет смысл повторить запрос позже.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUnavailable, KindServerError:
		return true
	default:
		return false
	}
}

func kindFromStatus(code int) Kind {
	switch {
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusConflict:
		return KindConflict
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable:
		return KindUnavailable
	case code >= 500:
		return KindServerError
	default:
		return KindBadRequest
	}
}

func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	kind := KindUnavailable
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}

	return &Error{Op: op, Kind: kind, Err: err}
}
