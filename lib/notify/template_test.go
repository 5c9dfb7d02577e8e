// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultTemplatesRender(t *testing.T) {
	set := DefaultTemplates()

	message, err := set.Render(KindPenaltyExposed, "victor", map[string]any{
		"CreatorName":    "Alice",
		"TaskTitle":      "water the plants",
		"PenaltyContent": "I will donate 50 euros.",
		"AttachmentURLs": []string{"https://objects.example.com/o/a1"},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if message.Recipient != "victor" || message.Kind != KindPenaltyExposed {
		t.Errorf("message = %+v", message)
	}
	if !strings.Contains(message.Subject, "Alice") {
		t.Errorf("subject = %q", message.Subject)
	}
	for _, want := range []string{"water the plants", "I will donate 50 euros.", "https://objects.example.com/o/a1"} {
		if !strings.Contains(message.Body, want) {
			t.Errorf("body missing %q:\n%s", want, message.Body)
		}
	}
}

func TestAllKindsHaveDefaults(t *testing.T) {
	set := DefaultTemplates()
	kinds := []Kind{
		KindPenaltyExposed, KindProofSubmitted, KindProofApproved,
		KindProofRejected, KindVerifierChanged,
	}
	for _, kind := range kinds {
		if _, err := set.Render(kind, "u", map[string]any{}); err != nil {
			t.Errorf("Render(%s): %v", kind, err)
		}
	}
}

func TestRenderUnknownKind(t *testing.T) {
	set := DefaultTemplates()
	if _, err := set.Render(Kind("nonexistent"), "u", nil); err == nil {
		t.Error("unknown kind rendered without error")
	}
}

func TestLoadTemplatesOverridesAndFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.jsonc")
	content := `{
		// Custom wording, trailing comma intended.
		"proof_approved": {
			"subject": "Nice work on {{.TaskTitle}}",
			"body": "Approved.",
		},
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing template file: %v", err)
	}

	set, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}

	custom, err := set.Render(KindProofApproved, "alice", map[string]any{"TaskTitle": "taxes"})
	if err != nil {
		t.Fatalf("Render custom: %v", err)
	}
	if custom.Subject != "Nice work on taxes" {
		t.Errorf("subject = %q", custom.Subject)
	}

	// Kinds absent from the file keep the built-in wording.
	fallback, err := set.Render(KindProofRejected, "alice", map[string]any{
		"VerifierName": "Victor", "TaskTitle": "taxes", "Reason": "blurry photo",
	})
	if err != nil {
		t.Fatalf("Render fallback: %v", err)
	}
	if !strings.Contains(fallback.Body, "blurry photo") {
		t.Errorf("fallback body = %q", fallback.Body)
	}
}

func TestParseTemplatesRejectsBadTemplate(t *testing.T) {
	_, err := ParseTemplates([]byte(`{"proof_approved": {"subject": "{{.Open", "body": ""}}`))
	if err == nil {
		t.Error("malformed template accepted")
	}
}
