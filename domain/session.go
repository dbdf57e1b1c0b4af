package domain

import "strings"

// Identity describes an authenticated user.
type Identity struct {
	UserID   string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	// Token is the bearer credential presented to the remote store. It is
	// persisted separately and never serialized with the identity.
	Token string `json:"-"`
}

// Session carries the current identity. A nil Identity means anonymous.
type Session struct {
	Identity *Identity
}

// Anonymous reports whether no user is signed in.
func (s Session) Anonymous() bool {
	return s.Identity == nil || strings.TrimSpace(s.Identity.UserID) == ""
}

// UserID returns the signed-in user id or an empty string.
func (s Session) UserID() string {
	if s.Anonymous() {
		return ""
	}
	return s.Identity.UserID
}

// Authenticated returns a session for id.
func Authenticated(id Identity) Session {
	return Session{Identity: &id}
}
