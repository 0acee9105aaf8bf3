package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/riptide-io/riptide/internal/domain"
)

const testKey = "test-signing-key-0123456789abcdef!!"

func TestTokenService_RoundTrip(t *testing.T) {
	svc, err := NewTokenService(testKey, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService failed: %v", err)
	}

	token, expiresAt, err := svc.GenerateToken("participant-42")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatal("token already expired at mint time")
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.ID != "participant-42" {
		t.Errorf("got id %q, want %q", claims.ID, "participant-42")
	}
}

func TestTokenService_RejectsShortKey(t *testing.T) {
	if _, err := NewTokenService("short", time.Hour); err == nil {
		t.Fatal("expected error for short signing key")
	}
}

func TestTokenService_RejectsExpired(t *testing.T) {
	svc, err := NewTokenService(testKey, -time.Minute)
	if err != nil {
		t.Fatalf("NewTokenService failed: %v", err)
	}

	token, _, err := svc.GenerateToken("participant-42")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if _, err := svc.ValidateToken(token); !errors.Is(err, domain.ErrTokenExpired) {
		t.Errorf("got %v, want ErrTokenExpired", err)
	}
}

func TestTokenService_RejectsForeignKey(t *testing.T) {
	svc, _ := NewTokenService(testKey, time.Hour)
	other, _ := NewTokenService("another-signing-key-0123456789abcdef", time.Hour)

	token, _, err := other.GenerateToken("participant-42")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if _, err := svc.ValidateToken(token); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Errorf("got %v, want ErrTokenInvalid", err)
	}
}
