package out

import (
	"context"

	"realtime_server/core/domain"
)

// AuthStateListener is notified on sign-in, token refresh and sign-out.
type AuthStateListener func(event domain.AuthEvent, session *domain.Session)

// SessionProvider supplies the current session. A nil session with a nil error
// means nobody is signed in.
type SessionProvider interface {
	GetSession(ctx context.Context) (*domain.Session, error)
	OnAuthStateChange(fn AuthStateListener) (unsubscribe func())
}
