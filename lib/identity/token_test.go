// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"
	"testing"
	"time"
)

var tokenNow = time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

func mintTestToken(t *testing.T) ([]byte, *Token, []byte) {
	t.Helper()
	public, private, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	token := &Token{
		Subject:     "alice",
		DisplayName: "Alice",
		ID:          "tok-1",
		IssuedAt:    tokenNow.Unix(),
		ExpiresAt:   tokenNow.Add(time.Hour).Unix(),
	}
	raw, err := Mint(private, token)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return public, token, raw
}

func TestMintVerifyRoundTrip(t *testing.T) {
	public, want, raw := mintTestToken(t)

	got, err := VerifyAt(public, raw, tokenNow)
	if err != nil {
		t.Fatalf("VerifyAt: %v", err)
	}
	if got.Subject != want.Subject || got.DisplayName != want.DisplayName || got.ID != want.ID {
		t.Errorf("decoded token = %+v, want %+v", got, want)
	}
	if got.IssuedAt != want.IssuedAt || got.ExpiresAt != want.ExpiresAt {
		t.Errorf("timestamps = %d/%d, want %d/%d", got.IssuedAt, got.ExpiresAt, want.IssuedAt, want.ExpiresAt)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	public, want, raw := mintTestToken(t)

	// Exactly at expiry is already expired.
	_, err := VerifyAt(public, raw, time.Unix(want.ExpiresAt, 0))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("at expiry: err = %v, want ErrTokenExpired", err)
	}
	_, err = VerifyAt(public, raw, tokenNow.Add(2*time.Hour))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("after expiry: err = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	public, _, raw := mintTestToken(t)

	tampered := append([]byte(nil), raw...)
	tampered[0] ^= 0xFF
	if _, err := VerifyAt(public, tampered, tokenNow); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("payload flip: err = %v, want ErrInvalidSignature", err)
	}

	tampered = append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 0xFF
	if _, err := VerifyAt(public, tampered, tokenNow); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("signature flip: err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, _, raw := mintTestToken(t)
	otherPublic, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if _, err := VerifyAt(otherPublic, raw, tokenNow); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsShortToken(t *testing.T) {
	public, _, _ := mintTestToken(t)
	if _, err := VerifyAt(public, make([]byte, signatureSize), tokenNow); !errors.Is(err, ErrTokenTooShort) {
		t.Errorf("err = %v, want ErrTokenTooShort", err)
	}
}

func TestKeypairRoundTrip(t *testing.T) {
	dir := t.TempDir()

	public, private, generated, err := LoadOrGenerateKeypair(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerateKeypair: %v", err)
	}
	if !generated {
		t.Error("first call did not generate")
	}

	loadedPublic, loadedPrivate, generated, err := LoadOrGenerateKeypair(dir)
	if err != nil {
		t.Fatalf("second LoadOrGenerateKeypair: %v", err)
	}
	if generated {
		t.Error("second call regenerated an existing keypair")
	}
	if !public.Equal(loadedPublic) || !private.Equal(loadedPrivate) {
		t.Error("loaded keypair differs from generated keypair")
	}
}
