package domain

import "time"

// =============================================================================
// Connection state
// =============================================================================

type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ChannelStatus is reported asynchronously (and repeatedly) by the backend channel.
type ChannelStatus string

const (
	ChannelSubscribed ChannelStatus = "SUBSCRIBED"
	ChannelError      ChannelStatus = "CHANNEL_ERROR"
	ChannelTimedOut   ChannelStatus = "TIMED_OUT"
	ChannelClosed     ChannelStatus = "CLOSED"
)

// Connected reports whether the status means the subscription is live.
func (s ChannelStatus) Connected() bool {
	return s == ChannelSubscribed
}

// Failed reports whether the status means the subscription was lost.
func (s ChannelStatus) Failed() bool {
	switch s {
	case ChannelError, ChannelTimedOut, ChannelClosed:
		return true
	}
	return false
}

// =============================================================================
// Session / auth
// =============================================================================

type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id,omitempty"`
}

// HasToken reports whether the session carries an access token.
func (s *Session) HasToken() bool {
	return s != nil && s.AccessToken != ""
}

type AuthEvent string

const (
	AuthSignedIn       AuthEvent = "SIGNED_IN"
	AuthTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	AuthSignedOut      AuthEvent = "SIGNED_OUT"
)
