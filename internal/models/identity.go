package models

// Role — уровень привилегий владельца токена.
type Role string

const (
	RoleUser   Role = "user"
	RoleMaster Role = "master"
)

// RoleOf — роль по признаку мастера.
func RoleOf(isMaster bool) Role {
	if isMaster {
		return RoleMaster
	}
	return RoleUser
}

// Identity — кому принадлежит предъявленный токен.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

func (i Identity) IsMaster() bool { return i.Role == RoleMaster }
