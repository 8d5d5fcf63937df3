package types

import "fmt"

// Identity 是实验的分流单元：持久用户 ID 或匿名会话 ID，二者恰有其一。
type Identity struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// UserIdentity returns an Identity backed by a persistent user ID.
func UserIdentity(userID string) Identity {
	return Identity{UserID: userID}
}

// SessionIdentity returns an Identity backed by an anonymous session ID.
func SessionIdentity(sessionID string) Identity {
	return Identity{SessionID: sessionID}
}

// IsUser reports whether the identity is a persistent user.
func (id Identity) IsUser() bool {
	return id.UserID != ""
}

// IsZero reports whether neither form is populated.
func (id Identity) IsZero() bool {
	return id.UserID == "" && id.SessionID == ""
}

// Validate 校验恰有一种身份形式
func (id Identity) Validate() error {
	if id.IsZero() {
		return NewError(ErrMissingIdentity, "identity requires a user ID or a session ID").WithHTTPStatus(400)
	}
	if id.UserID != "" && id.SessionID != "" {
		return NewInvalidInputError("identity must carry exactly one of user ID or session ID")
	}
	return nil
}

// Key 返回稳定的身份键，用于日志与缓存
func (id Identity) Key() string {
	if id.IsUser() {
		return "user:" + id.UserID
	}
	return "session:" + id.SessionID
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return fmt.Sprintf("Identity(%s)", id.Key())
}
