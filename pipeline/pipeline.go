// Package pipeline drives outbound messages through submission and keeps the
// failed ones available for an explicit retry or dismissal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgerchat/address"
	"ledgerchat/ledger"
	"ledgerchat/models"
	"ledgerchat/repository"
)

const DefaultSubmitTimeout = 60 * time.Second

const (
	fingerprintContentRunes = 10
	fingerprintTargetChars  = 5
)

var (
	ErrUnknownFingerprint = errors.New("pipeline: unknown fingerprint")
	ErrRetryInProgress    = errors.New("pipeline: retry already in progress")
	ErrSubmitTimeout      = errors.New("pipeline: submission timed out")
)

type State int

const (
	StateComposing State = iota
	StateSubmitting
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateComposing:
		return "composing"
	case StateSubmitting:
		return "submitting"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sender submits one message. *repository.Repository implements it.
type Sender interface {
	Identity() address.PublicKey
	SendMessage(ctx context.Context, target models.Target, content string, encrypted bool) (ledger.Signature, models.Message, error)
}

type Presence interface {
	MarkOnline(identity address.PublicKey)
}

// Attempt is one pass through composing, submitting and a final state.
type Attempt struct {
	ID          string
	Target      models.Target
	Content     string
	Encrypted   bool
	State       State
	Fingerprint string
	Signature   ledger.Signature
	Message     models.Message
	Err         error
}

// Entry is a failed send waiting for the user to retry or dismiss it.
type Entry struct {
	Fingerprint string
	Target      models.Target
	Content     string
	Encrypted   bool
	Error       string
	FailedAt    time.Time
	Attempts    int
	Retrying    bool
}

type Options struct {
	Sender        Sender
	Presence      Presence
	SubmitTimeout time.Duration
	// AfterConfirm runs after every confirmed submission, typically the
	// sync engine's refresh.
	AfterConfirm func(ctx context.Context)
	OnTransition func(Attempt)
	Now          func() time.Time
	Logger       *zap.SugaredLogger
}

type Pipeline struct {
	sender       Sender
	presence     Presence
	timeout      time.Duration
	afterConfirm func(ctx context.Context)
	onTransition func(Attempt)
	now          func() time.Time
	log          *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]*Entry
	seq     uint64
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		sender:       opts.Sender,
		presence:     opts.Presence,
		timeout:      opts.SubmitTimeout,
		afterConfirm: opts.AfterConfirm,
		onTransition: opts.OnTransition,
		now:          opts.Now,
		log:          opts.Logger,
		pending:      make(map[string]*Entry),
	}
	if p.timeout <= 0 {
		p.timeout = DefaultSubmitTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.log == nil {
		p.log = zap.NewNop().Sugar()
	}
	return p
}

// Send submits content once. On a submission failure the returned attempt
// carries the fingerprint of the new pending entry. Validation failures
// create no entry.
func (p *Pipeline) Send(ctx context.Context, target models.Target, content string, encrypted bool) (Attempt, error) {
	attempt := Attempt{
		ID:        uuid.NewString(),
		Target:    target,
		Content:   content,
		Encrypted: encrypted,
	}
	attempt = p.run(ctx, attempt)
	if attempt.State == StateConfirmed {
		return attempt, nil
	}
	if errors.Is(attempt.Err, repository.ErrValidation) {
		return attempt, attempt.Err
	}

	p.mu.Lock()
	p.seq++
	attempt.Fingerprint = fingerprint(content, target, p.seq)
	p.pending[attempt.Fingerprint] = &Entry{
		Fingerprint: attempt.Fingerprint,
		Target:      target,
		Content:     content,
		Encrypted:   encrypted,
		Error:       attempt.Err.Error(),
		FailedAt:    p.now(),
		Attempts:    1,
	}
	p.mu.Unlock()

	p.log.Warnw("pipeline: send failed", "fingerprint", attempt.Fingerprint, "target", target.String(), "error", attempt.Err)
	return attempt, attempt.Err
}

// Retry resubmits a pending entry with a fresh timestamp, which is a new
// message address. The entry is removed on success and updated on failure.
func (p *Pipeline) Retry(ctx context.Context, fp string) (Attempt, error) {
	p.mu.Lock()
	entry, ok := p.pending[fp]
	if !ok {
		p.mu.Unlock()
		return Attempt{}, fmt.Errorf("%w: %s", ErrUnknownFingerprint, fp)
	}
	if entry.Retrying {
		p.mu.Unlock()
		return Attempt{}, fmt.Errorf("%w: %s", ErrRetryInProgress, fp)
	}
	entry.Retrying = true
	attempt := Attempt{
		ID:          uuid.NewString(),
		Target:      entry.Target,
		Content:     entry.Content,
		Encrypted:   entry.Encrypted,
		Fingerprint: fp,
	}
	p.mu.Unlock()

	attempt = p.run(ctx, attempt)

	p.mu.Lock()
	defer p.mu.Unlock()
	current, stillPending := p.pending[fp]
	if attempt.State == StateConfirmed {
		delete(p.pending, fp)
		return attempt, nil
	}
	if stillPending && current == entry {
		entry.Retrying = false
		entry.Error = attempt.Err.Error()
		entry.FailedAt = p.now()
		entry.Attempts++
	}
	return attempt, attempt.Err
}

// Dismiss drops a pending entry. An in-flight retry of it is not cancelled,
// but its outcome no longer returns the entry to the set.
func (p *Pipeline) Dismiss(fp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[fp]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFingerprint, fp)
	}
	delete(p.pending, fp)
	return nil
}

// Pending returns a snapshot ordered by failure time.
func (p *Pipeline) Pending() []Entry {
	p.mu.Lock()
	out := make([]Entry, 0, len(p.pending))
	for _, entry := range p.pending {
		out = append(out, *entry)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.Before(out[j].FailedAt)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

func (p *Pipeline) run(ctx context.Context, attempt Attempt) Attempt {
	attempt.State = StateComposing
	p.notify(attempt)

	attempt.State = StateSubmitting
	p.notify(attempt)

	submitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	sig, message, err := p.sender.SendMessage(submitCtx, attempt.Target, attempt.Content, attempt.Encrypted)
	timedOut := errors.Is(submitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err != nil {
		if timedOut {
			err = fmt.Errorf("%w after %s: %w", ErrSubmitTimeout, p.timeout, err)
		}
		attempt.State = StateFailed
		attempt.Err = err
		p.notify(attempt)
		return attempt
	}

	attempt.State = StateConfirmed
	attempt.Signature = sig
	attempt.Message = message
	p.notify(attempt)
	p.log.Infow("pipeline: send confirmed", "attempt", attempt.ID, "signature", sig.String(), "target", attempt.Target.String())

	if p.presence != nil {
		p.presence.MarkOnline(p.sender.Identity())
	}
	if p.afterConfirm != nil {
		p.afterConfirm(ctx)
	}
	return attempt
}

func (p *Pipeline) notify(attempt Attempt) {
	if p.onTransition != nil {
		p.onTransition(attempt)
	}
}

// fingerprint is <content prefix>_<target prefix>_<seq>. The sequence number
// makes it unique within the process.
func fingerprint(content string, target models.Target, seq uint64) string {
	runes := []rune(content)
	if len(runes) > fingerprintContentRunes {
		runes = runes[:fingerprintContentRunes]
	}
	targetText := target.String()
	if len(targetText) > fingerprintTargetChars {
		targetText = targetText[:fingerprintTargetChars]
	}
	return string(runes) + "_" + targetText + "_" + strconv.FormatUint(seq, 10)
}
