package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_UnwrapAndStatus(t *testing.T) {
	cause := errors.New("connection refused")
	err := ExternalError("supabase-auth", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	if err.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want %d", err.Status, http.StatusBadGateway)
	}
	if err.Details["service"] != "supabase-auth" {
		t.Errorf("details = %v", err.Details)
	}
}

func TestHasCode(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", DatabaseError("point lookup", errors.New("reset")))
	if !HasCode(wrapped, CodeDatabaseError) {
		t.Error("HasCode should match through wrapping")
	}
	if HasCode(errors.New("plain"), CodeDatabaseError) {
		t.Error("HasCode should not match a plain error")
	}
}

func TestTimeout(t *testing.T) {
	err := Timeout("reconnect")
	if err.Status != http.StatusGatewayTimeout || err.Code != CodeTimeout {
		t.Errorf("Timeout() = %+v", err)
	}
}
