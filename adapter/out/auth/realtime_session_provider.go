// Package auth supplies the Supabase session the realtime channel authenticates with.
package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"
	"realtime_server/pkg/apperr"
	"realtime_server/pkg/httputil"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	defaultRefreshAhead = 2 * time.Minute
	refreshRetryDelay   = 30 * time.Second

	// matches oauth2's expiry delta
	expiryDelta = 10 * time.Second
)

type SessionConfig struct {
	SupabaseURL string
	AnonKey     string

	RefreshAhead time.Duration
	HTTPClient   *http.Client
	Clock        clock.Clock
	Logger       zerolog.Logger
}

// SupabaseSessionProvider implements out.SessionProvider over GoTrue.
type SupabaseSessionProvider struct {
	cfg    SessionConfig
	client *http.Client
	clock  clock.Clock
	log    zerolog.Logger

	mu        sync.Mutex
	token     *oauth2.Token
	userID    string
	nextID    int
	listeners map[int]out.AuthStateListener

	refreshMu sync.Mutex
}

var _ out.SessionProvider = (*SupabaseSessionProvider)(nil)

func NewSupabaseSessionProvider(cfg SessionConfig) *SupabaseSessionProvider {
	if cfg.RefreshAhead <= 0 {
		cfg.RefreshAhead = defaultRefreshAhead
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httputil.NewOptimizedClient(httputil.AuthClientConfig())
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &SupabaseSessionProvider{
		cfg:       cfg,
		client:    cfg.HTTPClient,
		clock:     cfg.Clock,
		log:       cfg.Logger.With().Str("component", "supabase_session").Logger(),
		listeners: make(map[int]out.AuthStateListener),
	}
}

// GetSession returns the current session, refreshing it first when the access
// token has expired. Nil without error means nobody is signed in.
func (p *SupabaseSessionProvider) GetSession(ctx context.Context) (*domain.Session, error) {
	p.mu.Lock()
	tok := p.token
	p.mu.Unlock()

	if tok == nil {
		return nil, nil
	}
	if p.expired(tok) {
		if tok.RefreshToken == "" {
			p.log.Warn().Msg("access token expired and no refresh token available")
			return nil, nil
		}
		if err := p.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return p.session(), nil
}

// expired checks the access token against the provider clock, not wall time.
func (p *SupabaseSessionProvider) expired(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return true
	}
	if tok.Expiry.IsZero() {
		return false
	}
	return p.clock.Until(tok.Expiry) <= expiryDelta
}

func (p *SupabaseSessionProvider) session() *domain.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == nil {
		return nil
	}
	return &domain.Session{
		AccessToken:  p.token.AccessToken,
		RefreshToken: p.token.RefreshToken,
		ExpiresAt:    p.token.Expiry,
		UserID:       p.userID,
	}
}

func (p *SupabaseSessionProvider) OnAuthStateChange(fn out.AuthStateListener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	p.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

func (p *SupabaseSessionProvider) notify(event domain.AuthEvent) {
	session := p.session()

	p.mu.Lock()
	fns := make([]out.AuthStateListener, 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(event, session)
	}
}

// SignIn installs a session obtained elsewhere, such as the service user's
// tokens from the environment.
func (p *SupabaseSessionProvider) SignIn(accessToken, refreshToken string) {
	tok, userID := p.tokenFrom(accessToken, refreshToken, 0)

	p.mu.Lock()
	p.token, p.userID = tok, userID
	p.mu.Unlock()

	p.log.Info().Str("user_id", userID).Msg("signed in")
	p.notify(domain.AuthSignedIn)
}

func (p *SupabaseSessionProvider) SignOut() {
	p.mu.Lock()
	had := p.token != nil
	p.token, p.userID = nil, ""
	p.mu.Unlock()

	if had {
		p.log.Info().Msg("signed out")
		p.notify(domain.AuthSignedOut)
	}
}

// =============================================================================
// Refresh
// =============================================================================

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
}

// Refresh exchanges the refresh token for a new session. A rejected refresh
// token signs the provider out.
func (p *SupabaseSessionProvider) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	p.mu.Lock()
	tok := p.token
	p.mu.Unlock()
	if tok == nil || tok.RefreshToken == "" {
		return apperr.Unauthorized("no refresh token")
	}
	// another caller refreshed while we waited
	if !p.expired(tok) && p.clock.Until(tok.Expiry) > p.cfg.RefreshAhead {
		return nil
	}

	body, _ := json.Marshal(map[string]string{"refresh_token": tok.RefreshToken})
	req, err := http.NewRequest(http.MethodPost, p.cfg.SupabaseURL+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return apperr.InternalWithError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", p.cfg.AnonKey)

	resp, err := httputil.DoWithContext(ctx, p.client, req)
	if err != nil {
		return apperr.ExternalError("supabase-auth", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		p.log.Warn().Int("status", resp.StatusCode).Str("error", e.Error).Msg("refresh token rejected")
		p.SignOut()
		return apperr.TokenExpired().WithError(fmt.Errorf("refresh rejected: %s %s", e.Error, e.ErrorDescription))
	case resp.StatusCode >= 300:
		return apperr.ExternalError("supabase-auth", fmt.Errorf("refresh status %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return apperr.ExternalError("supabase-auth", fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		return apperr.ExternalError("supabase-auth", fmt.Errorf("token response without access_token"))
	}

	refresh := tr.RefreshToken
	if refresh == "" {
		refresh = tok.RefreshToken
	}
	next, userID := p.tokenFrom(tr.AccessToken, refresh, tr.ExpiresAt)
	if userID == "" {
		userID = tr.User.ID
	}
	if next.Expiry.IsZero() && tr.ExpiresIn > 0 {
		next.Expiry = p.clock.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	p.mu.Lock()
	p.token, p.userID = next, userID
	p.mu.Unlock()

	p.log.Info().Time("expires_at", next.Expiry).Msg("session refreshed")
	p.notify(domain.AuthTokenRefreshed)
	return nil
}

// Run refreshes the session ahead of expiry until ctx is done.
func (p *SupabaseSessionProvider) Run(ctx context.Context) {
	for {
		wait := p.nextRefreshIn()
		timer := p.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		p.mu.Lock()
		canRefresh := p.token != nil && p.token.RefreshToken != ""
		p.mu.Unlock()
		if !canRefresh {
			continue
		}
		if err := p.Refresh(ctx); err != nil {
			if apperr.HasCode(err, apperr.CodeTokenExpired) {
				p.log.Warn().Err(err).Msg("session ended by background refresh")
				continue
			}
			p.log.Error().Err(err).Msg("background refresh failed")
		}
	}
}

func (p *SupabaseSessionProvider) nextRefreshIn() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == nil || p.token.RefreshToken == "" || p.token.Expiry.IsZero() {
		return refreshRetryDelay
	}
	wait := p.clock.Until(p.token.Expiry) - p.cfg.RefreshAhead
	if wait <= 0 {
		return time.Second
	}
	return wait
}

// tokenFrom builds an oauth2 token, reading exp and sub from the JWT claims.
// The signature is not checked; the token came from GoTrue or the operator.
func (p *SupabaseSessionProvider) tokenFrom(access, refresh string, expiresAt int64) (*oauth2.Token, string) {
	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
	}
	if expiresAt > 0 {
		tok.Expiry = time.Unix(expiresAt, 0)
	}

	var userID string
	if access != "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
			p.log.Debug().Err(err).Msg("access token is not a readable JWT")
		} else {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && tok.Expiry.IsZero() {
				tok.Expiry = exp.Time
			}
			if sub, err := claims.GetSubject(); err == nil {
				userID = sub
			}
		}
	}
	return tok, userID
}
