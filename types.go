package authclient

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// User is the profile snapshot returned by the API
type User struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	Username        string     `json:"username,omitempty"`
	AvatarURL       string     `json:"avatar_url,omitempty"`
	Role            string     `json:"role,omitempty"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
}

// IsVerified reports whether the user confirmed their email address.
func (u *User) IsVerified() bool {
	return u != nil && u.EmailVerifiedAt != nil && !u.EmailVerifiedAt.IsZero()
}

// Session is a snapshot of the authentication state
type Session struct {
	User   *User  `json:"user,omitempty"`
	Status Status `json:"status"`
}

// IsAuthenticated is true while the caller holds a live, confirmed session.
// A session in its expiry warning window still counts.
func (s Session) IsAuthenticated() bool {
	return s.User != nil && (s.Status == StatusAuthenticated || s.Status == StatusExpiring)
}

func (s Session) String() string {
	user := "<nil>"
	if s.User != nil {
		user = s.User.Email
	}
	return fmt.Sprintf("status=%s user=%s", s.Status, user)
}

// ActivityKind is a user interaction that counts as activity
type ActivityKind string

const (
	ActivityPointer ActivityKind = "pointer"
	ActivityKey     ActivityKind = "key"
	ActivityScroll  ActivityKind = "scroll"
	ActivityTouch   ActivityKind = "touch"
)

// IsQualifying reports whether the signal resets the inactivity deadline.
func (k ActivityKind) IsQualifying() bool {
	switch k {
	case ActivityPointer, ActivityKey, ActivityScroll, ActivityTouch:
		return true
	}
	return false
}

// Refresher repairs the condition that made a request fail so it can be
// retried once.
type Refresher interface {
	Refresh(ctx context.Context, reason RetryReason) error
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context, reason RetryReason) error

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, reason RetryReason) error {
	if f == nil {
		return nil
	}
	return f(ctx, reason)
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] AUTHCLIENT "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] AUTHCLIENT "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] AUTHCLIENT "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] AUTHCLIENT "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
