// Package adapters defines the capability surface between the orchestrator
// and the platform-specific publish automation. The orchestrator never sees
// DOM selectors or login heuristics; it only drives Login and Publish against
// a session it owns the lifecycle of.
package adapters

import (
	"context"
	"errors"

	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
)

var (
	ErrAdapterNotFound = errors.New("no adapter registered for platform")
	ErrLoginFailed     = errors.New("platform login failed")
	ErrPublishFailed   = errors.New("article publish failed")
)

// Session is a live automation session (e.g. a browser context). The
// executor creates it, hands it to the adapter, and is responsible for
// tearing it down on every exit path.
type Session interface {
	Close(ctx context.Context) error
}

// Options controls how a session is launched.
type Options struct {
	Headless bool
}

// SessionFactory launches automation sessions.
type SessionFactory interface {
	Launch(ctx context.Context, opts Options) (Session, error)
}

// Credentials is the decrypted login material for one platform account.
// Callers must never log it; the logging layer additionally redacts the
// field names as a second line of defense.
type Credentials struct {
	Username string
	Password string
	Cookies  []string
}

// HasCookies reports whether cookie login is possible.
func (c Credentials) HasCookies() bool {
	return len(c.Cookies) > 0
}

// CredentialSource resolves the decrypted credentials of an account.
// Credential storage and encryption live outside the orchestrator.
type CredentialSource interface {
	Credentials(ctx context.Context, accountID int64) (Credentials, error)
}

// Adapter knows how to log in and publish for exactly one platform.
// Both calls may return (false, nil) for a clean "did not work" or an error
// for a transient fault; the executor treats both as retryable. Adapters
// receive the executor's deadline context but are not obligated to honor
// cancellation mid-step.
type Adapter interface {
	Name() string
	Login(ctx context.Context, session Session, creds Credentials) (bool, error)
	Publish(ctx context.Context, session Session, article models.Article, cfg models.TaskConfig) (bool, error)
}
