package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashPasswordAndCheckPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("Окулист#2024ok")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("expected bcrypt hash, got %q", hash)
	}
	if !CheckPassword("Окулист#2024ok", hash) {
		t.Fatalf("expected bcrypt password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected bcrypt password check to fail")
	}
	if CheckPassword("anything", "") {
		t.Fatalf("empty stored hash must never match")
	}
}

func TestHashPasswordRejectsOverlongInput(t *testing.T) {
	if _, err := HashPassword(strings.Repeat("a", 73)); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("Str0ng#Password!"); err != nil {
		t.Fatalf("expected valid password, got: %v", err)
	}
	if err := ValidatePassword("Сетчатка#2024"); err != nil {
		t.Fatalf("expected non-latin password to pass, got: %v", err)
	}
	cases := map[string]string{
		"short1!A":         "short",
		"alllowercase123!": "missing uppercase",
		"ALLUPPERCASE123!": "missing lowercase",
		"NoDigitsHere!!!":  "missing digits",
		"NoSpecials1234":   "missing special chars",
	}
	for pw, why := range cases {
		if err := ValidatePassword(pw); !errors.Is(err, ErrWeakPassword) {
			t.Fatalf("expected %s password %q to fail, got %v", why, pw, err)
		}
	}
}
