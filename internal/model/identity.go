package model

// Identity is the caller resolved from a validated access token. It lives
// only for the duration of one request and is never persisted or cached by
// the gateway.
type Identity struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	IsActive bool   `json:"isActive"`
}
