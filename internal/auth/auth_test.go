package auth_test

import (
	"testing"
	"time"

	"prism-backend/internal/auth"
	"prism-backend/internal/metadata"
)

const testSecret = "unit-test-secret"

func TestAccessTokenRoundTrip(t *testing.T) {
	acct := metadata.Account{
		UserID:  "7f0f3a8e-9a1b-4a57-b6f1-24da7a0e64cd",
		Email:   "editor@example.com",
		GroupID: 4,
	}

	token, err := auth.GenerateAccessToken(acct, testSecret, 0)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	claims, err := auth.ParseAccessToken(token, testSecret)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != acct.UserID {
		t.Errorf("expected subject %s, got %s", acct.UserID, claims.Subject)
	}
	if claims.Email != acct.Email {
		t.Errorf("expected email %s, got %s", acct.Email, claims.Email)
	}
	if claims.GroupID != 4 {
		t.Errorf("expected group 4, got %d", claims.GroupID)
	}
	if claims.Admin {
		t.Error("expected non-admin claims")
	}

	if got := claims.Account(); got != acct {
		t.Errorf("expected account %+v, got %+v", acct, got)
	}
}

func TestAccessTokenCarriesAdminFlag(t *testing.T) {
	acct := metadata.Account{
		UserID:  "0b9e0a6c-68b7-4b35-87f8-61d12a5f24a8",
		Email:   "admin@localhost",
		GroupID: metadata.AdminGroupID,
		Admin:   true,
	}

	token, err := auth.GenerateAccessToken(acct, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	claims, err := auth.ParseAccessToken(token, testSecret)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if !claims.Admin {
		t.Error("expected admin claim to survive the round trip")
	}
	if claims.GroupID != metadata.AdminGroupID {
		t.Errorf("expected group %d, got %d", metadata.AdminGroupID, claims.GroupID)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := auth.GenerateAccessToken(metadata.Account{UserID: "u1", GroupID: 2}, testSecret, 0)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if _, err := auth.ParseAccessToken(token, "another-secret"); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	token, err := auth.GenerateAccessToken(metadata.Account{UserID: "u1", GroupID: 2}, testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if _, err := auth.ParseAccessToken(token, testSecret); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestParseRejectsMalformedToken(t *testing.T) {
	if _, err := auth.ParseAccessToken("not-a-jwt", testSecret); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "s3cret" {
		t.Fatal("hash must not equal the plaintext")
	}
	if !auth.CheckPassword("s3cret", hash) {
		t.Error("expected matching password to verify")
	}
	if auth.CheckPassword("wrong", hash) {
		t.Error("expected mismatched password to fail")
	}
}
