// Package generator defines the contract with the external media-generation
// service and ships an HTTP implementation of it.
//
// A collaborator may answer synchronously (Outcome with a ContentRef) or
// accept the work and hand back a token (Outcome.Pending). Pending work is
// resolved with Poll, or by the collaborator calling back with the token.
// Calls may be repeated for the same idempotency key; collaborators must
// return the same result for a repeated key.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"montage/internal/services"
)

// Input is one upstream artifact handed to a stage.
type Input struct {
	ArtifactID string `json:"artifact_id"`
	Stage      string `json:"stage"`
	Kind       string `json:"kind,omitempty"`
	Version    int    `json:"version"`
	ContentRef string `json:"content_ref"`
}

// Request asks the collaborator to execute one stage attempt.
type Request struct {
	JobID          string          `json:"job_id"`
	JobType        string          `json:"job_type"`
	Stage          string          `json:"stage"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
	Inputs         []Input         `json:"inputs"`
	StageConfig    json.RawMessage `json:"stage_config,omitempty"`
	JobInputs      json.RawMessage `json:"job_inputs,omitempty"`
	JobConfig      json.RawMessage `json:"job_config,omitempty"`
}

// Outcome is the collaborator's answer.
type Outcome struct {
	ContentRef string          `json:"content_ref,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Pending    bool            `json:"pending,omitempty"`
	Token      string          `json:"token,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
}

// Generator executes stages.
type Generator interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
	Poll(ctx context.Context, token string) (Outcome, error)
	Abort(ctx context.Context, token string) error
}

// ErrPollUnsupported is returned by collaborators that never park work.
var ErrPollUnsupported = errors.New("generator does not support polling")

// Error is a collaborator failure.
type Error struct {
	Stage     string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("generator %s: %s", e.Stage, msg)
	}
	return "generator: " + msg
}

// Unwrap exposes the classification marker and the cause.
func (e *Error) Unwrap() []error {
	marker := services.ErrPermanent
	if e.Retryable {
		marker = services.ErrTransient
	}
	if e.Cause != nil {
		return []error{marker, e.Cause}
	}
	return []error{marker}
}

// Retryable builds a transient collaborator error.
func Retryable(stage, message string) *Error {
	return &Error{Stage: stage, Message: message, Retryable: true}
}

// Permanent builds a non-retryable collaborator error.
func Permanent(stage, message string) *Error {
	return &Error{Stage: stage, Message: message}
}

// Func adapts an in-process function into a synchronous Generator.
type Func func(ctx context.Context, req Request) (Outcome, error)

// Execute implements Generator.
func (f Func) Execute(ctx context.Context, req Request) (Outcome, error) {
	return f(ctx, req)
}

// Poll implements Generator.
func (Func) Poll(context.Context, string) (Outcome, error) {
	return Outcome{}, ErrPollUnsupported
}

// Abort implements Generator; in-process work is aborted through ctx.
func (Func) Abort(context.Context, string) error { return nil }
