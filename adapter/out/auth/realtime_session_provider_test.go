package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"realtime_server/core/domain"
	"realtime_server/pkg/apperr"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func signedJWT(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

type goTrueStub struct {
	t      *testing.T
	srv    *httptest.Server
	calls  atomic.Int32
	status int
	next   string
}

func newGoTrueStub(t *testing.T) *goTrueStub {
	s := &goTrueStub{t: t, status: http.StatusOK}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		if r.URL.Path != "/auth/v1/token" || r.URL.Query().Get("grant_type") != "refresh_token" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
		}
		if r.Header.Get("apikey") != "anon" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] == "" {
			t.Errorf("refresh_token missing from body")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.status)
		if s.status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid Refresh Token"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  s.next,
			"refresh_token": "refresh-2",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(s.srv.Close)
	return s
}

type authEvents struct {
	mu     sync.Mutex
	events []domain.AuthEvent
}

func (a *authEvents) listen(event domain.AuthEvent, _ *domain.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *authEvents) all() []domain.AuthEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuthEvent(nil), a.events...)
}

func newProvider(url string, clk clock.Clock) *SupabaseSessionProvider {
	return NewSupabaseSessionProvider(SessionConfig{
		SupabaseURL:  url,
		AnonKey:      "anon",
		RefreshAhead: 2 * time.Minute,
		Clock:        clk,
		Logger:       zerolog.Nop(),
	})
}

func TestSessionProvider_NoSession(t *testing.T) {
	p := newProvider("http://unused", nil)

	s, err := p.GetSession(context.Background())
	if err != nil || s != nil {
		t.Fatalf("GetSession() = %v, %v; want nil, nil", s, err)
	}
}

func TestSessionProvider_SignInReadsClaims(t *testing.T) {
	p := newProvider("http://unused", nil)
	ev := &authEvents{}
	p.OnAuthStateChange(ev.listen)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	p.SignIn(signedJWT(t, "user-1", exp), "refresh-1")

	s, err := p.GetSession(context.Background())
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if s.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", s.UserID)
	}
	if !s.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt, exp)
	}
	if s.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q", s.RefreshToken)
	}
	if got := ev.all(); len(got) != 1 || got[0] != domain.AuthSignedIn {
		t.Errorf("events = %v, want [SIGNED_IN]", got)
	}
}

func TestSessionProvider_RefreshesExpiredToken(t *testing.T) {
	stub := newGoTrueStub(t)
	stub.next = signedJWT(t, "user-1", time.Now().Add(time.Hour))

	p := newProvider(stub.srv.URL, nil)
	p.SignIn(signedJWT(t, "user-1", time.Now().Add(-time.Minute)), "refresh-1")

	ev := &authEvents{}
	p.OnAuthStateChange(ev.listen)

	s, err := p.GetSession(context.Background())
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if s.AccessToken != stub.next {
		t.Error("expected refreshed access token")
	}
	if s.RefreshToken != "refresh-2" {
		t.Errorf("RefreshToken = %q, want refresh-2", s.RefreshToken)
	}
	if stub.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", stub.calls.Load())
	}
	if got := ev.all(); len(got) != 1 || got[0] != domain.AuthTokenRefreshed {
		t.Errorf("events = %v, want [TOKEN_REFRESHED]", got)
	}

	// fresh token is served without another round trip
	if _, err := p.GetSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	if stub.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", stub.calls.Load())
	}
}

func TestSessionProvider_ExpiryFollowsProviderClock(t *testing.T) {
	stub := newGoTrueStub(t)
	stub.next = signedJWT(t, "user-1", time.Now().Add(3*time.Hour))

	// wall time says the token is good for an hour, the provider clock says
	// it expired an hour ago
	mock := clock.NewMock()
	mock.Set(time.Now().Add(2 * time.Hour))

	p := newProvider(stub.srv.URL, mock)
	p.SignIn(signedJWT(t, "user-1", time.Now().Add(time.Hour)), "refresh-1")

	s, err := p.GetSession(context.Background())
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if s.AccessToken != stub.next {
		t.Error("expected a refresh driven by the provider clock")
	}
	if _, err := p.GetSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	if stub.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", stub.calls.Load())
	}
}

func TestSessionProvider_RejectedRefreshSignsOut(t *testing.T) {
	stub := newGoTrueStub(t)
	stub.status = http.StatusBadRequest

	p := newProvider(stub.srv.URL, nil)
	p.SignIn(signedJWT(t, "user-1", time.Now().Add(-time.Minute)), "refresh-1")

	ev := &authEvents{}
	p.OnAuthStateChange(ev.listen)

	_, err := p.GetSession(context.Background())
	if !apperr.HasCode(err, apperr.CodeTokenExpired) {
		t.Fatalf("GetSession() error = %v, want TOKEN_EXPIRED", err)
	}
	if got := ev.all(); len(got) != 1 || got[0] != domain.AuthSignedOut {
		t.Errorf("events = %v, want [SIGNED_OUT]", got)
	}

	s, err := p.GetSession(context.Background())
	if err != nil || s != nil {
		t.Errorf("after sign-out GetSession() = %v, %v; want nil, nil", s, err)
	}
}

func TestSessionProvider_ServerErrorKeepsSession(t *testing.T) {
	stub := newGoTrueStub(t)
	stub.status = http.StatusInternalServerError

	p := newProvider(stub.srv.URL, nil)
	p.SignIn(signedJWT(t, "user-1", time.Now().Add(-time.Minute)), "refresh-1")

	_, err := p.GetSession(context.Background())
	if !apperr.HasCode(err, apperr.CodeExternalError) {
		t.Fatalf("GetSession() error = %v, want EXTERNAL_ERROR", err)
	}
	if p.session() == nil {
		t.Error("session should survive a transient refresh failure")
	}
}

func TestSessionProvider_SignOutAndUnsubscribe(t *testing.T) {
	p := newProvider("http://unused", nil)
	p.SignIn(signedJWT(t, "user-1", time.Now().Add(time.Hour)), "")

	kept, dropped := &authEvents{}, &authEvents{}
	p.OnAuthStateChange(kept.listen)
	unsub := p.OnAuthStateChange(dropped.listen)
	unsub()
	unsub()

	p.SignOut()
	p.SignOut()

	if got := kept.all(); len(got) != 1 || got[0] != domain.AuthSignedOut {
		t.Errorf("events = %v, want one SIGNED_OUT", got)
	}
	if got := dropped.all(); len(got) != 0 {
		t.Errorf("unsubscribed listener got %v", got)
	}
}

func TestSessionProvider_UnsubscribeDuringNotify(t *testing.T) {
	p := newProvider("http://unused", nil)
	p.SignIn(signedJWT(t, "user-1", time.Now().Add(time.Hour)), "")

	var unsub func()
	calls := 0
	unsub = p.OnAuthStateChange(func(domain.AuthEvent, *domain.Session) {
		calls++
		unsub()
	})

	p.SignOut()
	p.SignIn(signedJWT(t, "user-1", time.Now().Add(time.Hour)), "")

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSessionProvider_RunRefreshesAhead(t *testing.T) {
	stub := newGoTrueStub(t)
	stub.next = signedJWT(t, "user-1", time.Now().Add(time.Hour))

	mock := clock.NewMock()
	mock.Set(time.Now())

	p := newProvider(stub.srv.URL, mock)
	p.SignIn(signedJWT(t, "user-1", time.Now().Add(3*time.Minute)), "refresh-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s := p.session(); s.AccessToken != stub.next; s = p.session() {
		if time.Now().After(deadline) {
			t.Fatal("background refresh never ran")
		}
		mock.Add(15 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if stub.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", stub.calls.Load())
	}
}
