package storage

import (
	"context"
	"errors"

	"github.com/dgellow/webview-handoff/internal/cookie"
)

// ErrCredentialNotFound is returned when no live credential exists for a slot
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore is the durable mirror of credentials written into the
// browser. It lets a fresh browser profile be re-seeded at startup.
//
// SetCredential and Flush make a store usable directly as a handoff sink.
type CredentialStore interface {
	SetCredential(ctx context.Context, rec cookie.Record) error
	Flush(ctx context.Context) error

	GetCredential(ctx context.Context, origin, name string) (*cookie.Record, error)
	ListCredentials(ctx context.Context, origin string) ([]cookie.Record, error)
	CleanupExpired(ctx context.Context) (int, error)
	Close() error
}
