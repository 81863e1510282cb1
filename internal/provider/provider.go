package provider

import (
	"context"
	"errors"
	"fmt"
)

// Status mirrors the generation provider's prediction lifecycle.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

type SubmitRequest struct {
	Prompt            string
	ReferenceImageURL string
	Settings          map[string]interface{}
}

type Prediction struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	OutputURL string `json:"outputUrl,omitempty"`
	// Error is the provider's free-text error, ErrorCode its structured code when present.
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// Client is the opaque boundary to the external generation provider.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (jobID string, err error)
	GetStatus(ctx context.Context, jobID string) (Prediction, error)
}

// ErrMissingJobID is returned when the provider accepted a submission but did not return an id.
var ErrMissingJobID = errors.New("provider response missing job id")

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider status %d (%s): %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Detail)
}
