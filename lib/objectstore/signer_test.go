// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/holdfast-systems/holdfast/lib/clock"
)

var signerNow = time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

func newTestIssuer(t *testing.T) (*SignedURLIssuer, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(signerNow)
	issuer, err := NewSignedURLIssuer("https://objects.example.com", []byte("test-master-secret"), clk)
	if err != nil {
		t.Fatalf("NewSignedURLIssuer: %v", err)
	}
	return issuer, clk
}

func TestUploadURLRoundTrip(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	signed, err := issuer.UploadURL("proofs/t1/receipt.pdf", "application/pdf", 15*time.Minute)
	if err != nil {
		t.Fatalf("UploadURL: %v", err)
	}
	if !strings.HasPrefix(signed, "https://objects.example.com/o/") {
		t.Errorf("url = %q", signed)
	}

	key, op, err := issuer.Verify(signed, signerNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if key != "proofs/t1/receipt.pdf" || op != OpUpload {
		t.Errorf("key=%q op=%q", key, op)
	}
}

func TestDownloadURLRoundTrip(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	signed, err := issuer.DownloadURL("penalties/p1/photo.jpg", time.Hour)
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	key, op, err := issuer.Verify(signed, signerNow.Add(59*time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if key != "penalties/p1/photo.jpg" || op != OpDownload {
		t.Errorf("key=%q op=%q", key, op)
	}
}

func TestVerifyRejectsExpiredURL(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	signed, err := issuer.DownloadURL("k", time.Minute)
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	// Exactly at expiry is already expired.
	if _, _, err := issuer.Verify(signed, signerNow.Add(time.Minute)); !errors.Is(err, ErrURLExpired) {
		t.Errorf("at expiry: err = %v, want ErrURLExpired", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	signed, err := issuer.UploadURL("k", "image/png", time.Minute)
	if err != nil {
		t.Fatalf("UploadURL: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr error
	}{
		{"different_key", func(u string) string { return strings.Replace(u, "/o/k?", "/o/other?", 1) }, ErrBadSignature},
		{"upgraded_op", func(u string) string { return strings.Replace(u, "op=put", "op=get", 1) }, ErrBadSignature},
		{"content_type_swap", func(u string) string { return strings.Replace(u, "ct=image%2Fpng", "ct=text%2Fhtml", 1) }, ErrBadSignature},
		{"missing_signature", func(u string) string { return u[:strings.Index(u, "sig=")+4] }, ErrBadSignature},
		{"bad_op", func(u string) string { return strings.Replace(u, "op=put", "op=delete", 1) }, ErrMalformedURL},
		{"no_prefix", func(string) string { return "https://objects.example.com/x/k?op=get&exp=1&sig=ab" }, ErrMalformedURL},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, _, err := issuer.Verify(test.mutate(signed), signerNow)
			if !errors.Is(err, test.wantErr) {
				t.Errorf("err = %v, want %v", err, test.wantErr)
			}
		})
	}
}

func TestDifferentSecretsProduceDifferentSignatures(t *testing.T) {
	clk := clock.Fake(signerNow)
	first, err := NewSignedURLIssuer("https://objects.example.com", []byte("secret-a"), clk)
	if err != nil {
		t.Fatalf("NewSignedURLIssuer: %v", err)
	}
	second, err := NewSignedURLIssuer("https://objects.example.com", []byte("secret-b"), clk)
	if err != nil {
		t.Fatalf("NewSignedURLIssuer: %v", err)
	}

	signed, err := first.DownloadURL("k", time.Hour)
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	if _, _, err := second.Verify(signed, signerNow); !errors.Is(err, ErrBadSignature) {
		t.Errorf("cross-secret verify err = %v, want ErrBadSignature", err)
	}
}

func TestIssuerRejectsBadInputs(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	if _, err := issuer.UploadURL("", "text/plain", time.Minute); err == nil {
		t.Error("empty key accepted")
	}
	if _, err := issuer.DownloadURL("k", 0); err == nil {
		t.Error("zero ttl accepted")
	}
	if _, err := NewSignedURLIssuer("https://x", nil, clock.Fake(signerNow)); err == nil {
		t.Error("empty master secret accepted")
	}
}
