package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sonerady/dires-server/internal/credits"
	"github.com/sonerady/dires-server/internal/jobs"
	"github.com/sonerady/dires-server/internal/metrics"
	"github.com/sonerady/dires-server/internal/provider"
	"github.com/sonerady/dires-server/internal/storage"
)

type State string

const (
	StateInit           State = "INIT"
	StateCreditReserved State = "CREDIT_RESERVED"
	StateJobSubmitted   State = "JOB_SUBMITTED"
	StateSettledSuccess State = "SETTLED_SUCCESS"
	StateRefunded       State = "REFUNDED"
	StateRejected       State = "REJECTED"
)

// Category is the user-visible outcome of a failed attempt.
type Category string

const (
	CategoryInsufficientCredit Category = "insufficient_credit"
	CategorySubmissionFailed   Category = "submission_failed"
	CategorySensitiveContent   Category = "sensitive_content"
	CategoryInterrupted        Category = "interrupted"
	CategoryTimeout            Category = "timeout"
	CategoryJobFailed          Category = "job_failed"
	CategoryStorageFailed      Category = "storage_failed"
	CategoryInternalError      Category = "internal_error"
)

var ErrInvalidRequest = errors.New("invalid generation request")

type Resolver interface {
	Resolve(ctx context.Context, userID string) (credits.EffectiveCredits, error)
}

type Ledger interface {
	Reserve(ctx context.Context, ownerID string, amount int, meta credits.ReserveMeta) (credits.Reservation, error)
	AttachJob(ctx context.Context, reservationID, externalJobID string) error
	Charge(ctx context.Context, res credits.Reservation, resultURL string) (int, error)
	Refund(ctx context.Context, res credits.Reservation, errorClass string) (int, error)
}

type Submitter interface {
	Submit(ctx context.Context, req provider.SubmitRequest) (string, error)
}

type Waiter interface {
	Wait(ctx context.Context, jobID string) jobs.Outcome
}

type ResultStore interface {
	Persist(ctx context.Context, userID, sourceURL string) (storage.Stored, error)
}

// Event is pushed to connected clients while an attempt progresses.
type Event struct {
	Type          string   `json:"type"`
	State         State    `json:"state,omitempty"`
	Category      Category `json:"category,omitempty"`
	ReservationID string   `json:"reservationId,omitempty"`
	JobID         string   `json:"jobId,omitempty"`
	CreditBalance *int     `json:"creditBalance,omitempty"`
	ResultURL     string   `json:"resultImageUrl,omitempty"`
}

type EventPublisher interface {
	Publish(userID string, ev Event)
}

type Request struct {
	UserID            string                 `json:"userId"`
	Prompt            string                 `json:"prompt"`
	ReferenceImageURL string                 `json:"referenceImageUrl,omitempty"`
	Settings          map[string]interface{} `json:"settings,omitempty"`
	// Cost overrides the coordinator's default cost when > 0.
	Cost int `json:"-"`
}

type Result struct {
	Success              bool     `json:"success"`
	State                State    `json:"state"`
	Category             Category `json:"errorCategory,omitempty"`
	Message              string   `json:"message,omitempty"`
	ResultImageURL       string   `json:"resultImageUrl,omitempty"`
	ThumbnailURL         string   `json:"thumbnailUrl,omitempty"`
	UpdatedCreditBalance *int     `json:"updatedCreditBalance,omitempty"`
	CreditOwnerID        string   `json:"creditOwnerId,omitempty"`
	IsTeamCredit         bool     `json:"isTeamCredit"`
	ReservationID        string   `json:"reservationId,omitempty"`
	JobID                string   `json:"jobId,omitempty"`
	// Current and Required are set for insufficient_credit.
	Current  int `json:"currentCredit,omitempty"`
	Required int `json:"requiredCredit,omitempty"`
}

// Coordinator runs one generation attempt: reserve, submit, poll, then charge or refund.
// Each call is an independent attempt with its own reservation.
type Coordinator struct {
	Resolver  Resolver
	Ledger    Ledger
	Submitter Submitter
	Waiter    Waiter
	Store     ResultStore
	Events    EventPublisher
	Cost      int
	// StoreTimeout bounds persisting the output and SettleTimeout the charge/refund writes. Both run
	// detached from the caller's context.
	StoreTimeout  time.Duration
	SettleTimeout time.Duration
	Logger        *log.Logger
}

func (c *Coordinator) EnsureDefaults() {
	if c.Cost <= 0 {
		c.Cost = 1
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 60 * time.Second
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// EffectiveCredits reports the balance userID's actions draw from.
func (c *Coordinator) EffectiveCredits(ctx context.Context, userID string) (credits.EffectiveCredits, error) {
	return c.Resolver.Resolve(ctx, userID)
}

// Generate returns an error only when nothing was reserved and the request could not be processed
// (unknown user, invalid request, database unavailable). Every other outcome is a Result.
func (c *Coordinator) Generate(ctx context.Context, req Request) (Result, error) {
	c.EnsureDefaults()
	start := time.Now()
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || strings.TrimSpace(req.Prompt) == "" {
		return Result{State: StateInit}, ErrInvalidRequest
	}
	cost := c.Cost
	if req.Cost > 0 {
		cost = req.Cost
	}

	eff, err := c.Resolver.Resolve(ctx, req.UserID)
	if err != nil {
		return Result{State: StateInit}, err
	}

	res, err := c.Ledger.Reserve(ctx, eff.CreditOwnerID, cost, credits.ReserveMeta{
		UserID: req.UserID,
		Reason: "generation",
		Prompt: truncate(req.Prompt, 500),
	})
	if ice, ok := credits.IsInsufficientCredit(err); ok {
		out := Result{
			State:         StateRejected,
			Category:      CategoryInsufficientCredit,
			Message:       fmt.Sprintf("insufficient credit: have %d, need %d", ice.Current, ice.Required),
			CreditOwnerID: eff.CreditOwnerID,
			IsTeamCredit:  eff.IsTeamCredit,
			Current:       ice.Current,
			Required:      ice.Required,
		}
		metrics.RecordSettlement(string(out.State), string(out.Category), eff.IsTeamCredit, time.Since(start), 0)
		return out, nil
	}
	if err != nil {
		return Result{State: StateInit}, err
	}

	c.Logger.Printf("[Settlement][Generate] reserved userId=%s ownerId=%s team=%v reservation=%s amount=%d",
		req.UserID, res.OwnerID, eff.IsTeamCredit, res.ID, res.Amount)
	a := &attempt{c: c, req: req, eff: eff, res: res, start: start, state: StateCreditReserved}
	a.publish(Event{Type: "generation.status", State: StateCreditReserved, ReservationID: res.ID, CreditBalance: intPtr(res.NewBalance)})

	jobID, err := c.Submitter.Submit(ctx, provider.SubmitRequest{
		Prompt:            req.Prompt,
		ReferenceImageURL: req.ReferenceImageURL,
		Settings:          req.Settings,
	})
	if err != nil {
		class := string(jobs.ClassFailed)
		var se *jobs.SubmissionError
		if errors.As(err, &se) {
			class = string(se.Class)
		}
		return a.refund(CategorySubmissionFailed, "submission:"+class, "the image service could not start the job", 0), nil
	}
	a.jobID = jobID
	a.state = StateJobSubmitted
	if err := c.Ledger.AttachJob(ctx, res.ID, jobID); err != nil {
		c.Logger.Printf("[Settlement][Generate] attach_job_failed reservation=%s jobId=%s err=%v", res.ID, jobID, err)
	}
	a.publish(Event{Type: "generation.status", State: StateJobSubmitted, ReservationID: res.ID, JobID: jobID})

	outcome := c.Waiter.Wait(ctx, jobID)
	if !outcome.Succeeded() {
		cat, msg := categorize(outcome)
		return a.refund(cat, string(outcome.Class), msg, outcome.Attempts), nil
	}

	resultURL := outcome.OutputURL
	thumbURL := ""
	if c.Store != nil {
		sctx, cancel := context.WithTimeout(detached(ctx), c.StoreTimeout)
		stored, err := c.Store.Persist(sctx, req.UserID, outcome.OutputURL)
		cancel()
		if err != nil {
			c.Logger.Printf("[Settlement][Generate] storage_failed reservation=%s jobId=%s err=%v", res.ID, jobID, err)
			return a.refund(CategoryStorageFailed, "storage", "the generated image could not be saved", outcome.Attempts), nil
		}
		resultURL = stored.URL
		thumbURL = stored.ThumbnailURL
	}

	return a.charge(resultURL, thumbURL, outcome.Attempts), nil
}

func categorize(o jobs.Outcome) (Category, string) {
	switch o.Class {
	case jobs.ClassSensitiveContent:
		return CategorySensitiveContent, "the request was flagged by the content policy; try a different prompt or image"
	case jobs.ClassFatal:
		return CategoryInterrupted, "the image service was interrupted; please try again"
	case jobs.ClassTimeout:
		return CategoryTimeout, "the image took too long to generate"
	default:
		return CategoryJobFailed, "the image could not be generated"
	}
}

type attempt struct {
	c     *Coordinator
	req   Request
	eff   credits.EffectiveCredits
	res   credits.Reservation
	jobID string
	state State
	start time.Time
}

func (a *attempt) publish(ev Event) {
	if a.c.Events == nil {
		return
	}
	a.c.Events.Publish(a.req.UserID, ev)
}

// refund returns the full reservation to the debited owner. A refund failure is logged and
// the attempt still reports the original category.
func (a *attempt) refund(cat Category, class, msg string, polls int) Result {
	c := a.c
	ctx, cancel := context.WithTimeout(context.Background(), c.SettleTimeout)
	defer cancel()

	out := Result{
		State:         StateRefunded,
		Category:      cat,
		Message:       msg,
		CreditOwnerID: a.res.OwnerID,
		IsTeamCredit:  a.eff.IsTeamCredit,
		ReservationID: a.res.ID,
		JobID:         a.jobID,
	}
	bal, err := c.Ledger.Refund(ctx, a.res, class)
	if err != nil {
		metrics.RecordRefundFailure()
		c.Logger.Printf("[Settlement][Refund] FAILED reservation=%s ownerId=%s amount=%d class=%s from=%s err=%v",
			a.res.ID, a.res.OwnerID, a.res.Amount, class, a.state, err)
	} else {
		out.UpdatedCreditBalance = intPtr(bal)
	}
	c.Logger.Printf("[Settlement][Generate] refunded userId=%s reservation=%s jobId=%s category=%s class=%s from=%s",
		a.req.UserID, a.res.ID, a.jobID, cat, class, a.state)
	metrics.RecordSettlement(string(out.State), string(cat), a.eff.IsTeamCredit, time.Since(a.start), polls)
	a.publish(Event{Type: "generation.status", State: StateRefunded, Category: cat, ReservationID: a.res.ID, JobID: a.jobID, CreditBalance: out.UpdatedCreditBalance})
	a.notifyOwner(out.UpdatedCreditBalance)
	return out
}

func (a *attempt) charge(resultURL, thumbURL string, polls int) Result {
	c := a.c
	ctx, cancel := context.WithTimeout(context.Background(), c.SettleTimeout)
	defer cancel()

	out := Result{
		Success:        true,
		State:          StateSettledSuccess,
		ResultImageURL: resultURL,
		ThumbnailURL:   thumbURL,
		CreditOwnerID:  a.res.OwnerID,
		IsTeamCredit:   a.eff.IsTeamCredit,
		ReservationID:  a.res.ID,
		JobID:          a.jobID,
	}
	bal, err := c.Ledger.Charge(ctx, a.res, resultURL)
	switch {
	case errors.Is(err, credits.ErrReservationSettled):
		// Reclaimed before the charge landed: the credits went back to the owner.
		c.Logger.Printf("[Settlement][Charge] already_settled reservation=%s ownerId=%s elapsed=%s", a.res.ID, a.res.OwnerID, time.Since(a.start))
		metrics.RecordChargeAfterReclaim()
		bal = a.res.PreviousBalance
	case err != nil:
		// The debit already happened at reserve time; the marker row is what failed to update.
		c.Logger.Printf("[Settlement][Charge] marker_update_failed reservation=%s ownerId=%s err=%v", a.res.ID, a.res.OwnerID, err)
		bal = a.res.NewBalance
	}
	out.UpdatedCreditBalance = intPtr(bal)
	c.Logger.Printf("[Settlement][Generate] settled userId=%s reservation=%s jobId=%s polls=%d balance=%d",
		a.req.UserID, a.res.ID, a.jobID, polls, bal)
	metrics.RecordSettlement(string(out.State), "", a.eff.IsTeamCredit, time.Since(a.start), polls)
	a.publish(Event{Type: "generation.status", State: StateSettledSuccess, ReservationID: a.res.ID, JobID: a.jobID, CreditBalance: out.UpdatedCreditBalance, ResultURL: resultURL})
	a.notifyOwner(out.UpdatedCreditBalance)
	return out
}

// notifyOwner tells a pooling team owner that their balance moved.
func (a *attempt) notifyOwner(bal *int) {
	if a.c.Events == nil || !a.eff.IsTeamCredit || bal == nil {
		return
	}
	a.c.Events.Publish(a.res.OwnerID, Event{Type: "credits.updated", CreditBalance: bal})
}

func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func intPtr(v int) *int { return &v }

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
