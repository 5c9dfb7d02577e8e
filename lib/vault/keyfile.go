// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// keyFileName is the age identity file inside the state directory.
const keyFileName = "penalty.agekey"

// LoadIdentity reads the vault's age identity from the key file in
// stateDir. The file uses the standard age key file format: comment
// lines starting with '#' followed by an AGE-SECRET-KEY-1 line.
// Missing or malformed key files are startup errors, never silently
// regenerated: losing the identity loses every stored penalty.
func LoadIdentity(stateDir string) (*age.X25519Identity, error) {
	path := filepath.Join(stateDir, keyFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vault key file %s: %w", path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parsing vault key file %s: %w", path, err)
		}
		return identity, nil
	}
	return nil, fmt.Errorf("vault key file %s contains no identity", path)
}

// GenerateIdentity creates a fresh age identity and writes it to the
// key file in stateDir with owner-only permissions. Fails if the file
// already exists.
func GenerateIdentity(stateDir string) (*age.X25519Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating vault identity: %w", err)
	}

	path := filepath.Join(stateDir, keyFileName)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating vault key file %s: %w", path, err)
	}
	defer file.Close()

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating key file nonce: %w", err)
	}
	_, err = fmt.Fprintf(file, "# holdfast penalty vault key %x\n# public key: %s\n%s\n",
		nonce, identity.Recipient(), identity)
	if err != nil {
		return nil, fmt.Errorf("writing vault key file %s: %w", path, err)
	}
	return identity, nil
}

// LoadOrGenerateIdentity loads the identity from stateDir, generating
// one on first startup when the key file does not exist yet.
func LoadOrGenerateIdentity(stateDir string) (*age.X25519Identity, error) {
	identity, err := LoadIdentity(stateDir)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return GenerateIdentity(stateDir)
}
