// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadFromPath loads a secret into locked memory. The path "-" reads
// from stdin instead of a file. Surrounding whitespace (typically the
// trailing newline left by an editor or a shell heredoc) is stripped,
// and every intermediate heap copy is zeroed before returning.
func ReadFromPath(path string) (*Buffer, error) {
	data, err := readSource(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, errors.New("secret: source is empty")
	}

	// NewFromBytes zeros trimmed, which aliases into data; the second
	// Zero catches the surrounding whitespace bytes.
	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

func readSource(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("secret: reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret: reading %s: %w", path, err)
	}
	return data, nil
}
