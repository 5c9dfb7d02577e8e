// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/holdfast-systems/holdfast/lib/clock"
)

// signingKeySize is the HMAC-SHA256 key size.
const signingKeySize = 32

// hkdfInfoURLSigning is the HKDF info string for the URL signing key.
// Changing it invalidates every outstanding signed URL.
var hkdfInfoURLSigning = []byte("holdfast.objectstore.sign.v1")

// Operations encoded into signed URLs.
const (
	OpUpload   = "put"
	OpDownload = "get"
)

// Errors returned by Verify.
var (
	ErrBadSignature = errors.New("objectstore: signature mismatch")
	ErrURLExpired   = errors.New("objectstore: signed URL has expired")
	ErrMalformedURL = errors.New("objectstore: malformed signed URL")
)

// Issuer produces and verifies signed URLs against a single object
// store endpoint.
type Issuer interface {
	UploadURL(key, contentType string, ttl time.Duration) (string, error)
	DownloadURL(key string, ttl time.Duration) (string, error)
}

// SignedURLIssuer implements Issuer with HMAC-SHA256 signatures under
// a key derived from the deployment master secret.
type SignedURLIssuer struct {
	baseURL    string
	clock      clock.Clock
	signingKey [signingKeySize]byte
}

// NewSignedURLIssuer derives the URL signing key from masterSecret
// via HKDF-SHA256 and returns an issuer rooted at baseURL (scheme and
// host, no trailing slash).
func NewSignedURLIssuer(baseURL string, masterSecret []byte, clk clock.Clock) (*SignedURLIssuer, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("objectstore: master secret is empty")
	}
	issuer := &SignedURLIssuer{
		baseURL: strings.TrimRight(baseURL, "/"),
		clock:   clk,
	}
	reader := hkdf.New(sha256.New, masterSecret, nil, hkdfInfoURLSigning)
	if _, err := io.ReadFull(reader, issuer.signingKey[:]); err != nil {
		return nil, fmt.Errorf("objectstore: deriving signing key: %w", err)
	}
	return issuer, nil
}

// UploadURL returns a signed PUT URL for the given object key. The
// content type is bound into the signature so a client cannot upload
// under a different type than the one the engine recorded.
func (issuer *SignedURLIssuer) UploadURL(key, contentType string, ttl time.Duration) (string, error) {
	return issuer.sign(OpUpload, key, contentType, ttl)
}

// DownloadURL returns a signed GET URL for the given object key.
func (issuer *SignedURLIssuer) DownloadURL(key string, ttl time.Duration) (string, error) {
	return issuer.sign(OpDownload, key, "", ttl)
}

func (issuer *SignedURLIssuer) sign(op, key, contentType string, ttl time.Duration) (string, error) {
	if key == "" {
		return "", errors.New("objectstore: object key is empty")
	}
	if ttl <= 0 {
		return "", errors.New("objectstore: ttl must be positive")
	}

	expiry := issuer.clock.Now().Add(ttl).Unix()
	signature := issuer.signature(op, key, contentType, expiry)

	query := url.Values{}
	query.Set("op", op)
	query.Set("exp", strconv.FormatInt(expiry, 10))
	if contentType != "" {
		query.Set("ct", contentType)
	}
	query.Set("sig", signature)

	return issuer.baseURL + "/o/" + url.PathEscape(key) + "?" + query.Encode(), nil
}

// Verify checks the signature and expiry of a signed URL at the given
// time. Returns the object key and operation on success.
func (issuer *SignedURLIssuer) Verify(signedURL string, now time.Time) (key, op string, err error) {
	parsed, err := url.Parse(signedURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	const prefix = "/o/"
	if !strings.HasPrefix(parsed.Path, prefix) {
		return "", "", ErrMalformedURL
	}
	key, err = url.PathUnescape(strings.TrimPrefix(parsed.EscapedPath(), prefix))
	if err != nil || key == "" {
		return "", "", ErrMalformedURL
	}

	query := parsed.Query()
	op = query.Get("op")
	if op != OpUpload && op != OpDownload {
		return "", "", ErrMalformedURL
	}
	expiry, err := strconv.ParseInt(query.Get("exp"), 10, 64)
	if err != nil {
		return "", "", ErrMalformedURL
	}

	expected := issuer.signature(op, key, query.Get("ct"), expiry)
	if !hmac.Equal([]byte(expected), []byte(query.Get("sig"))) {
		return "", "", ErrBadSignature
	}
	if now.Unix() >= expiry {
		return "", "", ErrURLExpired
	}
	return key, op, nil
}

// signature computes the hex HMAC-SHA256 over the canonical signing
// string. Newline separators keep field boundaries unambiguous: keys
// are path segments and cannot contain newlines.
func (issuer *SignedURLIssuer) signature(op, key, contentType string, expiry int64) string {
	mac := hmac.New(sha256.New, issuer.signingKey[:])
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", op, key, contentType, expiry)
	return hex.EncodeToString(mac.Sum(nil))
}
