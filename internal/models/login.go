package models

// LoginState — состояние удалённой сессии входа по QR.
type LoginState string

const (
	LoginWaiting LoginState = "waiting"
	LoginSuccess LoginState = "success"
	LoginExpired LoginState = "expired"
	LoginFailed  LoginState = "failed"
)

// LoginSession — ответ POST /api/qr-login.
type LoginSession struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// LoginURL — ответ GET /api/qr-login/{sid}/url.
type LoginURL struct {
	URL       string `json:"url"`
	LoginCode string `json:"loginCode,omitempty"`
}

// LoginStatus — ответ GET /api/qr-login/{sid}/status.
// Code заполнен только при Status == success.
type LoginStatus struct {
	Status  LoginState `json:"status"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
}
