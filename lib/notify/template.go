// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/tidwall/jsonc"
)

// templateEntry is the JSONC shape of one message template.
type templateEntry struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateSet holds the parsed subject and body templates for every
// message kind. Immutable after load; safe for concurrent use.
type TemplateSet struct {
	subjects map[Kind]*template.Template
	bodies   map[Kind]*template.Template
}

// defaultTemplates ships built-in wording so the service renders
// sensible messages without a template file. Operators override it
// with --config pointing at a JSONC file of the same shape.
const defaultTemplates = `{
	// Sent to the verifier when a missed task exposes its penalty.
	"penalty_exposed": {
		"subject": "{{.CreatorName}} missed a deadline",
		"body": "Task {{.TaskTitle}} was not completed by its deadline.\n\nThe committed penalty:\n{{.PenaltyContent}}\n{{range .AttachmentURLs}}Attachment: {{.}}\n{{end}}",
	},
	"proof_submitted": {
		"subject": "Proof submitted for {{.TaskTitle}}",
		"body": "{{.CreatorName}} submitted proof for {{.TaskTitle}}. Review it before the deadline passes.",
	},
	"proof_approved": {
		"subject": "Proof approved for {{.TaskTitle}}",
		"body": "{{.VerifierName}} approved your proof for {{.TaskTitle}}.{{if .Comment}}\n\nComment: {{.Comment}}{{end}}",
	},
	"proof_rejected": {
		"subject": "Proof rejected for {{.TaskTitle}}",
		"body": "{{.VerifierName}} rejected your proof for {{.TaskTitle}}.{{if .Reason}}\n\nReason: {{.Reason}}{{end}}\nThe task is back to awaiting proof.",
	},
	"verifier_changed": {
		"subject": "Verifier changed for {{.TaskTitle}}",
		"body": "The verifier for {{.TaskTitle}} is now {{.VerifierName}}.",
	},
}`

// DefaultTemplates parses the built-in template set. Failure is a
// programming error and panics at startup.
func DefaultTemplates() *TemplateSet {
	set, err := ParseTemplates([]byte(defaultTemplates))
	if err != nil {
		panic("notify: built-in templates are invalid: " + err.Error())
	}
	return set
}

// ParseTemplates strips JSONC comments and trailing commas from data,
// unmarshals the kind-to-entry map, and compiles every subject and
// body with text/template.
func ParseTemplates(data []byte) (*TemplateSet, error) {
	stripped := jsonc.ToJSON(data)

	var entries map[Kind]templateEntry
	if err := json.Unmarshal(stripped, &entries); err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}

	set := &TemplateSet{
		subjects: make(map[Kind]*template.Template, len(entries)),
		bodies:   make(map[Kind]*template.Template, len(entries)),
	}
	for kind, entry := range entries {
		subject, err := template.New(string(kind) + ".subject").Parse(entry.Subject)
		if err != nil {
			return nil, fmt.Errorf("template %s subject: %w", kind, err)
		}
		body, err := template.New(string(kind) + ".body").Parse(entry.Body)
		if err != nil {
			return nil, fmt.Errorf("template %s body: %w", kind, err)
		}
		set.subjects[kind] = subject
		set.bodies[kind] = body
	}
	return set, nil
}

// LoadTemplates reads a JSONC template file from disk. Kinds missing
// from the file fall back to the built-in wording.
func LoadTemplates(path string) (*TemplateSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	set, err := ParseTemplates(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	defaults := DefaultTemplates()
	for kind, subject := range defaults.subjects {
		if _, ok := set.subjects[kind]; !ok {
			set.subjects[kind] = subject
			set.bodies[kind] = defaults.bodies[kind]
		}
	}
	return set, nil
}

// Render produces a message of the given kind for one recipient. The
// data map supplies template fields; unknown kinds are an error.
func (set *TemplateSet) Render(kind Kind, recipient string, data map[string]any) (Message, error) {
	subjectTemplate, ok := set.subjects[kind]
	if !ok {
		return Message{}, fmt.Errorf("no template for message kind %q", kind)
	}

	var subject, body strings.Builder
	if err := subjectTemplate.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("rendering %s subject: %w", kind, err)
	}
	if err := set.bodies[kind].Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("rendering %s body: %w", kind, err)
	}

	return Message{
		Kind:      kind,
		Recipient: recipient,
		Subject:   subject.String(),
		Body:      body.String(),
	}, nil
}
