// errors стандартизирует ответы об ошибках HTTP-слоя qfarm-gateway.
// На вход принимается ошибка доменного пакета (сентинел или *farmapi.Error),
// на выход:
//   - HTTP-статус;
//   - короткий стабильный code и безопасное message без деталей апстрима.
//
// Источник истинности по маппингу: комментарии к сентинелам в пакетах
// auth, farm, qrlogin, settings.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pribylovaa/qfarm-gateway/internal/auth"
	"github.com/pribylovaa/qfarm-gateway/internal/farm"
	"github.com/pribylovaa/qfarm-gateway/internal/farmapi"
	"github.com/pribylovaa/qfarm-gateway/internal/qrlogin"
	"github.com/pribylovaa/qfarm-gateway/internal/settings"
)

// Нестандартный код часто используемый для "клиент закрыл соединение".
const StatusClientClosedRequest = 499

var (
	// ErrUnauthenticated — токен не передан или недействителен. 401.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden — роль вызывающего не позволяет операцию. 403.
	ErrForbidden = errors.New("permission denied")
	// ErrInvalidArgument — битое тело или параметры запроса. 400.
	ErrInvalidArgument = errors.New("invalid argument")
)

// APIError — единый формат для фронта панели.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse — корневой объект в ответе.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

type mapping struct {
	target  error
	status  int
	code    string
	message string
}

// Порядок важен: первый совпавший по errors.Is побеждает.
// Сообщения различают исходы, от которых зависит следующее действие пользователя.
var table = []mapping{
	{ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated", "unauthenticated"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "unauthenticated", "token is invalid or expired"},
	{ErrForbidden, http.StatusForbidden, "permission_denied", "permission denied"},
	{ErrInvalidArgument, http.StatusBadRequest, "invalid_argument", "invalid argument"},
	{settings.ErrInvalidID, http.StatusBadRequest, "invalid_argument", "invalid id"},
	{farm.ErrNoAccount, http.StatusNotFound, "not_bound", "no farm account bound"},
	{farm.ErrLoginCodeExpired, http.StatusPreconditionFailed, "login_expired", "login code expired, log in again"},
	{qrlogin.ErrAlreadyBound, http.StatusConflict, "already_bound", "farm account already bound"},
	{qrlogin.ErrInProgress, http.StatusConflict, "in_progress", "qr login already in progress"},
	{qrlogin.ErrHandshake, http.StatusBadGateway, "handshake_failed", "could not start qr login"},
	{qrlogin.ErrCancelled, http.StatusConflict, "cancelled", "qr login cancelled"},
	{qrlogin.ErrClosed, http.StatusServiceUnavailable, "unavailable", "service is shutting down"},
	{context.Canceled, StatusClientClosedRequest, "canceled", "canceled"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "deadline_exceeded", "deadline exceeded"},
}

// ToHTTP конвертирует ошибку в HTTP-статус и тело ответа.
//
// Поведение:
//   - err == nil — программная ошибка вызова: 500/internal;
//   - сентинелы пакетов — по таблице выше;
//   - *farmapi.Error — по Kind (см. baseFromFarm);
//   - прочее — 500/internal без утечки деталей.
func ToHTTP(err error) (int, ErrorResponse) {
	if err == nil {
		return internal()
	}

	for _, m := range table {
		if errors.Is(err, m.target) {
			return m.status, ErrorResponse{Error: APIError{Code: m.code, Message: m.message}}
		}
	}

	if kind := farmapi.KindOf(err); kind != "" {
		status, code, msg := baseFromFarm(kind)
		return status, ErrorResponse{Error: APIError{Code: code, Message: msg}}
	}

	return internal()
}

func internal() (int, ErrorResponse) {
	return http.StatusInternalServerError, ErrorResponse{
		Error: APIError{
			Code:    "internal",
			Message: "internal error",
		},
	}
}

// WriteError — хелпер для HTTP-хендлеров.
// Пишет статус и тело, добавляет request_id из заголовка, если он есть.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := ToHTTP(err)

	if rid := r.Header.Get("X-Request-Id"); rid != "" {
		resp.Error.RequestID = rid
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// baseFromFarm — ошибки сервиса фермы глазами клиента панели:
//   - NotFound -> 404
//   - Conflict -> 409
//   - BadRequest -> 400
//   - Timeout -> 504
//   - Unavailable -> 503
//   - ServerError, BadResponse -> 502 (апстрим ответил, но плохо)
func baseFromFarm(k farmapi.Kind) (int, string, string) {
	switch k {
	case farmapi.KindNotFound:
		return http.StatusNotFound, "not_found", "not found"
	case farmapi.KindConflict:
		return http.StatusConflict, "conflict", "conflict"
	case farmapi.KindBadRequest:
		return http.StatusBadRequest, "invalid_argument", "invalid argument"
	case farmapi.KindTimeout:
		return http.StatusGatewayTimeout, "deadline_exceeded", "farm service timed out"
	case farmapi.KindUnavailable:
		return http.StatusServiceUnavailable, "unavailable", "farm service unavailable"
	case farmapi.KindServerError, farmapi.KindBadResponse:
		return http.StatusBadGateway, "bad_gateway", "farm service error"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}
