// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"log/slog"
)

// Kind identifies which template renders a message.
type Kind string

const (
	KindPenaltyExposed  Kind = "penalty_exposed"
	KindProofSubmitted  Kind = "proof_submitted"
	KindProofApproved   Kind = "proof_approved"
	KindProofRejected   Kind = "proof_rejected"
	KindVerifierChanged Kind = "verifier_changed"
)

// Message is a rendered notification addressed to one user.
type Message struct {
	Kind      Kind
	Recipient string
	Subject   string
	Body      string
}

// Notifier delivers rendered messages. Implementations own their own
// failure handling; callers treat Deliver as fire-and-forget and
// never consume an error.
type Notifier interface {
	Deliver(ctx context.Context, message Message)
}

// LogNotifier writes every message to the structured log. It is the
// delivery backend for development and tests.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier that logs deliveries.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Deliver logs the message at info level. The body is included: in
// development the log line is the notification.
func (n *LogNotifier) Deliver(ctx context.Context, message Message) {
	n.logger.InfoContext(ctx, "notification delivered",
		"kind", string(message.Kind),
		"recipient", message.Recipient,
		"subject", message.Subject,
		"body", message.Body)
}
