package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndVerify(t *testing.T) {
	s := NewTokenService("test-secret")
	token, err := s.Generate("user-1")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	userID, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("Verify() user = %q, want user-1", userID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenService("secret-a").Generate("user-1")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if _, err := NewTokenService("secret-b").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() with wrong secret error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := issued
	s := NewTokenService("test-secret", WithNow(func() time.Time { return clock }))

	token, err := s.Generate("user-1")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	// Just inside the TTL.
	clock = issued.Add(14 * time.Minute)
	if _, err := s.Verify(token); err != nil {
		t.Errorf("Verify() before expiry error: %v", err)
	}

	// Past the TTL.
	clock = issued.Add(16 * time.Minute)
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() after expiry error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsNonHMAC(t *testing.T) {
	// alg=none tokens must never validate.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    IssuerLocal,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	s := NewTokenService("test-secret")
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(alg=none) error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyAcceptsSDKIssuer(t *testing.T) {
	s := NewTokenService("test-secret")
	now := time.Now()

	for _, issuer := range []string{IssuerLocal, IssuerSDK} {
		claims := Claims{
			UserID: "user-1",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		if _, err := s.Verify(token); err != nil {
			t.Errorf("Verify() with issuer %q error: %v", issuer, err)
		}
	}

	// Unknown issuer is rejected.
	claims := Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "stranger",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() with unknown issuer error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRequiresExpiry(t *testing.T) {
	claims := Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   IssuerLocal,
			IssuedAt: jwt.NewNumericDate(time.Now()),
			// No ExpiresAt.
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	s := NewTokenService("test-secret")
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() without exp error = %v, want ErrInvalidToken", err)
	}
}

func TestDisabledService(t *testing.T) {
	s := NewTokenService("")
	if s.Enabled() {
		t.Error("Enabled() = true with empty secret")
	}
	if _, err := s.Generate("user-1"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("Generate() error = %v, want ErrAuthDisabled", err)
	}
	if _, err := s.Verify("whatever"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("Verify() error = %v, want ErrAuthDisabled", err)
	}
}
