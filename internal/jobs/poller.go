package jobs

import (
	"context"
	"log"
	"time"

	"github.com/sonerady/dires-server/internal/provider"
)

// Outcome is the terminal result of waiting on one job.
type Outcome struct {
	JobID     string
	Status    provider.Status
	Class     ErrorClass
	OutputURL string
	Attempts  int
	Message   string
	// Rule names the classifier rule that matched, if any.
	Rule string
}

func (o Outcome) Succeeded() bool { return o.Class == ClassNone }

// Poller drives a submitted job to a terminal status on a fixed interval.
type Poller struct {
	Client      provider.Client
	Classifier  *Classifier
	Interval    time.Duration
	MaxAttempts int
	Sleep       func(ctx context.Context, d time.Duration) error
	// OnStatus, when set, observes every successful status read.
	OnStatus func(attempt int, p provider.Prediction)
	Logger   *log.Logger
}

func (p *Poller) EnsureDefaults() {
	if p.Classifier == nil {
		p.Classifier = DefaultClassifier()
	}
	if p.Interval <= 0 {
		p.Interval = 2 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 60
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	if p.Logger == nil {
		p.Logger = log.Default()
	}
}

// Wait polls until the job reaches a terminal status or the attempt budget runs out.
// Status-call errors are transport problems, not job outcomes: they use up an attempt and polling continues.
func (p *Poller) Wait(ctx context.Context, jobID string) Outcome {
	p.EnsureDefaults()
	out := Outcome{JobID: jobID}
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		out.Attempts = attempt
		if err := p.Sleep(ctx, p.Interval); err != nil {
			out.Class = ClassTimeout
			out.Message = "polling stopped: " + err.Error()
			p.Logger.Printf("[Jobs][Poll] jobId=%s stopped attempt=%d: %v", jobID, attempt, err)
			return out
		}

		pred, err := p.Client.GetStatus(ctx, jobID)
		if err != nil {
			out.Message = err.Error()
			p.Logger.Printf("[Jobs][Poll] jobId=%s attempt=%d status_error: %v", jobID, attempt, err)
			continue
		}
		out.Status = pred.Status
		if p.OnStatus != nil {
			p.OnStatus(attempt, pred)
		}
		if !pred.Status.Terminal() {
			continue
		}

		switch pred.Status {
		case provider.StatusSucceeded:
			if pred.OutputURL == "" {
				out.Class = ClassFailed
				out.Message = "job succeeded without output"
				return out
			}
			out.Class = ClassNone
			out.OutputURL = pred.OutputURL
			out.Message = ""
			return out
		case provider.StatusFailed:
			class, rule := p.Classifier.Classify(SignalFromPrediction(pred))
			// Retries only happen at submission; a job that already failed is settled.
			if class == ClassRetryable {
				class = ClassFailed
			}
			out.Class = class
			out.Rule = rule
			out.Message = pred.Error
			p.Logger.Printf("[Jobs][Poll] jobId=%s failed class=%s rule=%s error=%q", jobID, class, rule, pred.Error)
			return out
		case provider.StatusCanceled:
			out.Class = ClassFailed
			out.Message = "job canceled"
			return out
		}
	}
	out.Class = ClassTimeout
	if out.Message == "" {
		out.Message = "job did not finish in time"
	}
	p.Logger.Printf("[Jobs][Poll] jobId=%s timeout attempts=%d", jobID, out.Attempts)
	return out
}
