// Package narration is the boundary to the external generative text service
// that voices automated participants and resolves each turn.
//
// The service keeps no context between calls: every Prompt carries the
// narrative and the party actions it needs.
package narration

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Client issues one prompt-completion request per call. Implementations do
// not retry.
type Client interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt Prompt) (string, error)

func (f ClientFunc) Complete(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}

// ServiceError reports a failed narration call: network, auth, malformed
// response, or an expired wait.
type ServiceError struct {
	Provider string
	Err      error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("narration service %s: %v", e.Provider, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsServiceError reports whether err is (or wraps) a *ServiceError.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

// Wrap turns any client failure into a *ServiceError, leaving existing ones
// untouched. A nil err stays nil.
func Wrap(provider string, err error) error {
	if err == nil {
		return nil
	}
	if IsServiceError(err) {
		return err
	}
	return &ServiceError{Provider: provider, Err: err}
}

// Prompt is the structured request sent to the service.
type Prompt struct {
	System       string
	Narrative    string
	PartyActions []string
	Task         string
}

// UserText renders everything except the system instruction.
func (p Prompt) UserText() string {
	var sb strings.Builder
	sb.WriteString("STORY SO FAR:\n")
	if n := strings.TrimSpace(p.Narrative); n != "" {
		sb.WriteString(n)
	} else {
		sb.WriteString("(the story has not begun)")
	}
	sb.WriteString("\n\n")
	if len(p.PartyActions) > 0 {
		sb.WriteString("PARTY ACTIONS THIS TURN:\n")
		for i, a := range p.PartyActions {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, a)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("TASK:\n")
	sb.WriteString(p.Task)
	return sb.String()
}
