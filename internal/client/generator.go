package client

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// GenerationState is the coarse state a backend reports for a handle.
type GenerationState string

const (
	GenerationRunning   GenerationState = "running"
	GenerationSucceeded GenerationState = "succeeded"
	GenerationFailed    GenerationState = "failed"
)

// ErrNoOutput is returned when a backend reports success without producing
// a usable artifact.
var ErrNoOutput = errors.New("generation produced no output")

// ErrUnknownModel is returned by the router for a model it has no backend for.
var ErrUnknownModel = errors.New("unknown generation model")

// GenerateRequest is one submission to a generation backend.
type GenerateRequest struct {
	SegmentID string
	ProjectID string
	Prompt    string
	Params    map[string]interface{}
}

// GenerationStatus is the answer to a poll.
type GenerationStatus struct {
	State GenerationState
	// OutputURL locates the produced clip. Set only when State is succeeded.
	OutputURL string
	// Failure describes why the backend gave up. Set only when State is failed.
	Failure *RemoteFailure
}

// RemoteFailure is a failure reported by the backend for an accepted request.
type RemoteFailure struct {
	Kind    string
	Message string
}

func (f *RemoteFailure) Error() string {
	if f.Kind == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Remote failure kinds understood by the engine's classifier.
const (
	FailureKindWorkflow          = "workflow"
	FailureKindMissingNode       = "missing_node"
	FailureKindMissingModel      = "missing_model"
	FailureKindInvalidParameters = "invalid_parameters"
	FailureKindExecution         = "execution"
	FailureKindTimeout           = "timeout"
	FailureKindNoOutput          = "no_output"
)

// APIError is a non-2xx response from a backend.
type APIError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Backend, e.StatusCode, e.Body)
}

// Generator is the submit/poll/cancel contract to an AI video backend.
type Generator interface {
	// Submit hands the request to the backend and returns its handle.
	Submit(ctx context.Context, req *GenerateRequest) (string, error)
	Poll(ctx context.Context, handle string) (*GenerationStatus, error)
	// Cancel is best-effort.
	Cancel(ctx context.Context, handle string) error
	// Fetch opens the clip a succeeded handle produced at outputURL.
	Fetch(ctx context.Context, handle, outputURL string) (io.ReadCloser, error)
	// Health reports whether the backend is reachable right now.
	Health(ctx context.Context) error
}
