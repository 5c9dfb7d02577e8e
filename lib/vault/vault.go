// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"filippo.io/age"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/holdfast-systems/holdfast/lib/clock"
	"github.com/holdfast-systems/holdfast/lib/schema/task"
	"github.com/holdfast-systems/holdfast/lib/store"
)

// fingerprintKeySize is the BLAKE3 keyed-hash key size.
const fingerprintKeySize = 32

// HKDF info strings for the fingerprint MAC keys. Separate domains
// keep a content fingerprint from ever colliding with an attachment
// fingerprint, even for identical plaintext. Changing either string
// invalidates all stored fingerprints.
var (
	hkdfInfoContentFingerprint    = []byte("holdfast.vault.fp.content.v1")
	hkdfInfoAttachmentFingerprint = []byte("holdfast.vault.fp.attachment.v1")
)

// ErrEmptyPenalty is returned by Register when a penalty has neither
// text content nor attachments.
var ErrEmptyPenalty = errors.New("penalty has no content and no attachments")

// Attachment is a plaintext penalty attachment handed to Register.
type Attachment struct {
	Name string
	Data []byte
}

// ExposedAttachment is a decrypted attachment returned by Expose. The
// ID is stable across calls and keys the attachment for download URL
// issuance.
type ExposedAttachment struct {
	ID   string
	Name string
	Data []byte
}

// Exposed is the decrypted view of a penalty returned by Expose. It
// exists only in memory for notification rendering; it is never
// written back to storage.
type Exposed struct {
	PenaltyID   string
	TaskID      string
	OwnerID     string
	Content     string
	Attachments []ExposedAttachment
	ExposedAt   time.Time

	// AlreadyExposed reports that the penalty was exposed by an
	// earlier call and this call only decrypted it again.
	AlreadyExposed bool
}

// Vault encrypts penalty content at rest and controls the one-way
// transition from private to exposed.
type Vault struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
	store     *store.Store
	clock     clock.Clock
	logger    *slog.Logger

	contentFingerprintKey    [fingerprintKeySize]byte
	attachmentFingerprintKey [fingerprintKeySize]byte
}

// New builds a vault around the given age identity. The fingerprint
// MAC keys are derived from the identity via HKDF, so fingerprints
// are stable for the lifetime of the key file and meaningless
// outside this deployment.
func New(identity *age.X25519Identity, st *store.Store, clk clock.Clock, logger *slog.Logger) (*Vault, error) {
	v := &Vault{
		identity:  identity,
		recipient: identity.Recipient(),
		store:     st,
		clock:     clk,
		logger:    logger.With("component", "vault"),
	}
	if err := deriveFingerprintKey(identity, hkdfInfoContentFingerprint, v.contentFingerprintKey[:]); err != nil {
		return nil, err
	}
	if err := deriveFingerprintKey(identity, hkdfInfoAttachmentFingerprint, v.attachmentFingerprintKey[:]); err != nil {
		return nil, err
	}
	return v, nil
}

// Register fingerprints, compresses, and encrypts a penalty for the
// given task, then persists it. The returned penalty carries only
// ciphertext and fingerprints; the plaintext is discarded. Register
// never marks a penalty exposed.
func (v *Vault) Register(ctx context.Context, t *task.Task, content string, attachments []Attachment) (*task.Penalty, error) {
	if content == "" && len(attachments) == 0 {
		return nil, ErrEmptyPenalty
	}

	penalty := &task.Penalty{
		ID:        task.NewID(),
		TaskID:    t.ID,
		OwnerID:   t.CreatorID,
		CreatedAt: v.clock.Now(),
	}

	if content != "" {
		ciphertext, err := v.seal([]byte(content), compressionZstd)
		if err != nil {
			return nil, fmt.Errorf("sealing penalty content: %w", err)
		}
		penalty.Ciphertext = ciphertext
		penalty.Fingerprint = v.fingerprint(v.contentFingerprintKey[:], []byte(content))
	}

	for _, attachment := range attachments {
		ciphertext, err := v.seal(attachment.Data, compressionLZ4)
		if err != nil {
			return nil, fmt.Errorf("sealing penalty attachment %q: %w", attachment.Name, err)
		}
		penalty.Attachments = append(penalty.Attachments, task.PenaltyAttachment{
			ID:          task.NewID(),
			PenaltyID:   penalty.ID,
			Name:        attachment.Name,
			Ciphertext:  ciphertext,
			Fingerprint: v.fingerprint(v.attachmentFingerprintKey[:], attachment.Data),
		})
	}

	if err := v.store.CreatePenalty(ctx, penalty); err != nil {
		return nil, fmt.Errorf("persisting penalty: %w", err)
	}

	v.logger.Info("penalty registered",
		"penalty_id", penalty.ID,
		"task_id", t.ID,
		"attachments", len(penalty.Attachments))
	return penalty, nil
}

// Fingerprints computes the fingerprints Register would store for the
// given plaintext, without persisting anything. Used for reuse checks
// before a penalty is accepted.
func (v *Vault) Fingerprints(content string, attachments []Attachment) []string {
	var fingerprints []string
	if content != "" {
		fingerprints = append(fingerprints, v.fingerprint(v.contentFingerprintKey[:], []byte(content)))
	}
	for _, attachment := range attachments {
		fingerprints = append(fingerprints, v.fingerprint(v.attachmentFingerprintKey[:], attachment.Data))
	}
	return fingerprints
}

// CheckReuse reports whether any of the fingerprints matches a
// penalty or penalty attachment that has already been exposed for the
// same user. Unexposed penalties never count: content the verifier
// has not seen carries no accountability history.
func (v *Vault) CheckReuse(ctx context.Context, userID string, fingerprints []string) (bool, error) {
	return v.store.ExposedFingerprintExists(ctx, userID, fingerprints)
}

// Expose flips the penalty's exposed flag and returns the decrypted
// plaintext for notification rendering. The flag is monotonic: when
// the penalty is already exposed the flag is left untouched and the
// original exposure time is reported.
func (v *Vault) Expose(ctx context.Context, penaltyID string) (Exposed, error) {
	now := v.clock.Now()
	won, err := v.store.SetPenaltyExposed(ctx, penaltyID, now)
	if err != nil {
		return Exposed{}, fmt.Errorf("marking penalty exposed: %w", err)
	}

	penalty, err := v.store.GetPenalty(ctx, penaltyID)
	if err != nil {
		return Exposed{}, fmt.Errorf("loading penalty: %w", err)
	}

	exposed := Exposed{
		PenaltyID:      penalty.ID,
		TaskID:         penalty.TaskID,
		OwnerID:        penalty.OwnerID,
		ExposedAt:      now,
		AlreadyExposed: !won,
	}
	if penalty.ExposedAt != nil {
		exposed.ExposedAt = *penalty.ExposedAt
	}

	if penalty.Ciphertext != "" {
		plaintext, err := v.open(penalty.Ciphertext)
		if err != nil {
			return Exposed{}, fmt.Errorf("decrypting penalty content: %w", err)
		}
		exposed.Content = string(plaintext)
	}
	for _, attachment := range penalty.Attachments {
		data, err := v.open(attachment.Ciphertext)
		if err != nil {
			return Exposed{}, fmt.Errorf("decrypting penalty attachment %q: %w", attachment.Name, err)
		}
		exposed.Attachments = append(exposed.Attachments, ExposedAttachment{
			ID:   attachment.ID,
			Name: attachment.Name,
			Data: data,
		})
	}

	if won {
		v.logger.Info("penalty exposed", "penalty_id", penalty.ID, "task_id", penalty.TaskID)
	}
	return exposed, nil
}

// seal compresses plaintext into a tagged frame and age-encrypts it
// to the vault recipient. The result is base64 for storage in a TEXT
// column.
func (v *Vault) seal(plaintext []byte, tag compressionTag) (string, error) {
	frame, err := compressFrame(plaintext, tag)
	if err != nil {
		return "", err
	}

	var buffer bytes.Buffer
	writer, err := age.Encrypt(&buffer, v.recipient)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := writer.Write(frame); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buffer.Bytes()), nil
}

// open reverses seal.
func (v *Vault) open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), v.identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	frame, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return decompressFrame(frame)
}

// fingerprint computes the hex BLAKE3 keyed hash of plaintext.
func (v *Vault) fingerprint(key, plaintext []byte) string {
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		panic("vault: BLAKE3 keyed hash initialization failed (key must be 32 bytes): " + err.Error())
	}
	hasher.Write(plaintext)
	return hex.EncodeToString(hasher.Sum(nil))
}

// deriveFingerprintKey fills out with an HKDF-SHA256 key derived from
// the age identity. The identity string is uniformly random key
// material, so a nil salt is appropriate per RFC 5869.
func deriveFingerprintKey(identity *age.X25519Identity, info []byte, out []byte) error {
	reader := hkdf.New(sha256.New, []byte(identity.String()), nil, info)
	if _, err := io.ReadFull(reader, out); err != nil {
		return fmt.Errorf("deriving fingerprint key: %w", err)
	}
	return nil
}
