// Package transport is the narrow send contract the engine consumes from the
// email provider.
package transport

import (
	"context"
)

// Message is one campaign email handed to the provider.
type Message struct {
	To          string
	ToName      string
	Subject     string
	TemplateRef string
	Params      map[string]string
	Tags        []string
}

// Result is the provider's verdict. Error carries raw provider text; the
// engine only looks for a rate-limit indicator in it.
type Result struct {
	Success   bool
	MessageID string
	Error     string
}

// Sender sends one message. A non-nil error means the call itself failed
// (network, timeout) and is treated like an unsuccessful Result.
type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
}
