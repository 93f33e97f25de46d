package models

import "encoding/json"

// Account — аккаунт фермы на стороне внешнего сервиса автоматизации.
// Сервис владеет записью; шлюз ссылается на неё только по ID/Name/UserID.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UserID    string    `json:"userId,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	IsRunning bool      `json:"isRunning,omitempty"`
	CreatedAt Timestamp `json:"createdAt"`
}

// AccountConfig — стратегия, с которой создаётся новый аккаунт.
type AccountConfig struct {
	EnableSteal      bool `json:"enableSteal"`
	EnableFriendHelp bool `json:"enableFriendHelp"`
}

// CreateAccountRequest — тело POST /api/accounts.
type CreateAccountRequest struct {
	Name     string        `json:"name"`
	Code     string        `json:"code"`
	Platform string        `json:"platform"`
	UserID   string        `json:"userId"`
	Config   AccountConfig `json:"config"`
}

// UserState — игровое состояние, как его отдаёт сервис.
type UserState struct {
	Name  string `json:"name,omitempty"`
	Level int    `json:"level,omitempty"`
	Gold  int64  `json:"gold,omitempty"`
	Exp   int64  `json:"exp,omitempty"`
}

// AccountStatus — ответ GET /api/accounts/{id}/status.
// Stats остаётся сырым JSON: набор счётчиков зависит от версии сервиса.
type AccountStatus struct {
	IsRunning          bool            `json:"isRunning"`
	IsConnected        bool            `json:"isConnected"`
	DisconnectedReason string          `json:"disconnectedReason,omitempty"`
	UserState          *UserState      `json:"userState,omitempty"`
	Stats              json.RawMessage `json:"stats,omitempty"`
}

// AccountDetails — сводка для веб-панели. Секции, которые старый сервис
// не поддерживает, остаются пустыми.
type AccountDetails struct {
	Account      Account         `json:"account"`
	Status       AccountStatus   `json:"status"`
	DailyRewards json.RawMessage `json:"dailyRewards,omitempty"`
	Lands        json.RawMessage `json:"lands,omitempty"`
	Logs         json.RawMessage `json:"logs,omitempty"`
}
