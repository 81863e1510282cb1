package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sonerady/dires-server/internal/provider"
)

// SubmissionError is returned when no job could be created. Nothing is running at the provider.
type SubmissionError struct {
	Class    ErrorClass
	Attempts int
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed after %d attempt(s) (%s): %v", e.Attempts, e.Class, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Submitter submits a job, retrying only errors classified retryable.
type Submitter struct {
	Client      provider.Client
	Classifier  *Classifier
	MaxAttempts int
	// BaseDelay doubles after each failed attempt.
	BaseDelay time.Duration
	Sleep     func(ctx context.Context, d time.Duration) error
	Logger    *log.Logger
}

func (s *Submitter) EnsureDefaults() {
	if s.Classifier == nil {
		s.Classifier = DefaultClassifier()
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.Sleep == nil {
		s.Sleep = sleepCtx
	}
	if s.Logger == nil {
		s.Logger = log.Default()
	}
}

func (s *Submitter) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	s.EnsureDefaults()
	delay := s.BaseDelay
	var lastErr error
	lastClass := ClassFailed
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		jobID, err := s.Client.Submit(ctx, req)
		if err == nil {
			return jobID, nil
		}
		lastErr = err
		lastClass, _ = s.Classifier.Classify(SignalFromError(err))
		if lastClass != ClassRetryable {
			s.Logger.Printf("[Jobs][Submit] attempt=%d class=%s giving up: %v", attempt, lastClass, err)
			return "", &SubmissionError{Class: lastClass, Attempts: attempt, Err: err}
		}
		if attempt == s.MaxAttempts {
			break
		}
		s.Logger.Printf("[Jobs][Submit] attempt=%d retryable, backing off %s: %v", attempt, delay, err)
		if serr := s.Sleep(ctx, delay); serr != nil {
			return "", &SubmissionError{Class: lastClass, Attempts: attempt, Err: serr}
		}
		delay *= 2
	}
	s.Logger.Printf("[Jobs][Submit] exhausted attempts=%d: %v", s.MaxAttempts, lastErr)
	return "", &SubmissionError{Class: lastClass, Attempts: s.MaxAttempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
