// Package network keeps the local message view fresh from two triggers: a push
// channel that announces updates and a fixed-interval poll that covers for a
// silent or broken channel. Both funnel into Engine.Refresh.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"ledgerchat/address"
	"ledgerchat/ledger"
	"ledgerchat/models"
	"ledgerchat/protocol"
)

// ConnState is the push channel lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
)

var (
	ErrEngineClosed  = errors.New("network: engine closed")
	ErrEngineStarted = errors.New("network: engine already started")
)

// Repository is the ledger view the engine reads and advances statuses on.
// *repository.Repository implements it.
type Repository interface {
	Identity() address.PublicKey
	ListMessages(ctx context.Context, identity address.PublicKey, groupFilter string) ([]models.Message, error)
	UpdateMessageStatus(ctx context.Context, message models.Message, status protocol.Status) (ledger.Signature, error)
}

// ReceiptStore remembers submitted status transitions across restarts.
type ReceiptStore interface {
	HasReceipt(messageAddress string, status protocol.Status) (bool, error)
	InsertReceipt(messageAddress string, status protocol.Status, recordedAt int64) error
}

// ViewCache persists the latest view for one scope.
type ViewCache interface {
	SaveMessages(scope string, messages []models.Message) error
}

type Presence interface {
	MarkOnline(identity address.PublicKey)
}

type EngineOptions struct {
	Repository Repository
	// Dialer and URL enable the push channel. Either left empty means
	// polling only.
	Dialer Dialer
	URL    string

	// Group is the scope listed and subscribed to when the engine starts.
	Group        string
	PollInterval time.Duration

	// Reconnect backoff. A multiplier of 1 gives a flat delay.
	ReconnectDelay      time.Duration
	ReconnectMaxDelay   time.Duration
	ReconnectMultiplier float64

	// DisableAutoRead stops inbound messages at delivered instead of read.
	DisableAutoRead bool
	// StatusTimeout bounds each status transaction. Status bookkeeping runs
	// off the refresh path, so a stuck transaction never delays a re-list.
	StatusTimeout time.Duration

	Receipts ReceiptStore
	Cache    ViewCache
	Presence Presence

	// OnMessages receives each applied view, one call at a time and in
	// refresh order. It must not call Refresh or SelectGroup.
	OnMessages func(group string, messages []models.Message)
	// OnStateChange reports every channel transition with the error that
	// caused a disconnect, if any.
	OnStateChange func(state ConnState, err error)

	Now    func() time.Time
	Logger *zap.SugaredLogger
}

type Engine struct {
	repo     Repository
	identity address.PublicKey
	dialer   Dialer
	url      string
	poll     time.Duration

	reconnectDelay      time.Duration
	reconnectMaxDelay   time.Duration
	reconnectMultiplier float64

	target        protocol.Status
	statusTimeout time.Duration
	receipts      ReceiptStore
	cache         ViewCache
	presence      Presence

	onMessages    func(string, []models.Message)
	onStateChange func(ConnState, error)
	now           func() time.Time
	log           *zap.SugaredLogger

	mu      sync.Mutex
	state   ConnState
	group   string
	channel Channel
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// life outlives any caller context; status workers run under it.
	life       context.Context
	endLife    context.CancelFunc
	statusWG   sync.WaitGroup
	refreshSeq atomic.Uint64

	// publishMu orders view, cache and callback updates by refresh sequence.
	publishMu  sync.Mutex
	appliedSeq uint64

	viewMu    sync.RWMutex
	view      []models.Message
	viewGroup string

	inflightMu sync.Mutex
	inflight   map[address.PublicKey]struct{}
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Repository == nil {
		return nil, errors.New("network: repository is required")
	}
	e := &Engine{
		repo:                opts.Repository,
		identity:            opts.Repository.Identity(),
		dialer:              opts.Dialer,
		url:                 opts.URL,
		poll:                opts.PollInterval,
		reconnectDelay:      opts.ReconnectDelay,
		reconnectMaxDelay:   opts.ReconnectMaxDelay,
		reconnectMultiplier: opts.ReconnectMultiplier,
		target:              protocol.StatusRead,
		statusTimeout:       opts.StatusTimeout,
		receipts:            opts.Receipts,
		cache:               opts.Cache,
		presence:            opts.Presence,
		onMessages:          opts.OnMessages,
		onStateChange:       opts.OnStateChange,
		now:                 opts.Now,
		log:                 opts.Logger,
		state:               StateDisconnected,
		group:               opts.Group,
		inflight:            make(map[address.PublicKey]struct{}),
	}
	if opts.DisableAutoRead {
		e.target = protocol.StatusDelivered
	}
	if e.statusTimeout <= 0 {
		e.statusTimeout = DefaultStatusTimeout
	}
	e.life, e.endLife = context.WithCancel(context.Background())
	if e.poll <= 0 {
		e.poll = DefaultPollInterval
	}
	if e.reconnectDelay <= 0 {
		e.reconnectDelay = DefaultReconnectDelay
	}
	if e.reconnectMaxDelay < e.reconnectDelay {
		e.reconnectMaxDelay = DefaultReconnectMaxDelay
		if e.reconnectMaxDelay < e.reconnectDelay {
			e.reconnectMaxDelay = e.reconnectDelay
		}
	}
	if e.reconnectMultiplier < 1 {
		e.reconnectMultiplier = backoff.DefaultMultiplier
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	return e, nil
}

// PushEnabled reports whether the engine maintains a push channel.
func (e *Engine) PushEnabled() bool {
	return e.dialer != nil && e.url != ""
}

// Start launches the poll loop and, when enabled, the push channel. The first
// re-list runs immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return ErrEngineStarted
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.pollLoop(runCtx)
	if e.PushEnabled() {
		e.wg.Add(1)
		go e.connectLoop(runCtx)
	} else {
		e.log.Infow("network: push disabled, polling only", "interval", e.poll)
	}
	return nil
}

// Run starts the engine and blocks until ctx ends, then closes it.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Close()
	return ctx.Err()
}

// Close stops the reconnect timer, the poll timer, the channel and any status
// work still in flight, then waits for all of them to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	ch := e.channel
	e.channel = nil
	e.mu.Unlock()

	e.endLife()
	if cancel != nil {
		cancel()
	}
	if ch != nil {
		_ = ch.Close()
	}
	e.wg.Wait()
	e.statusWG.Wait()
}

func (e *Engine) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Group returns the selected group id, empty for direct conversations.
func (e *Engine) Group() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.group
}

// SelectGroup changes the scope. When connected the subscription is re-sent
// on the live channel. The view is refreshed for the new scope.
func (e *Engine) SelectGroup(ctx context.Context, group string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	changed := e.group != group
	e.group = group
	ch := e.channel
	connected := e.state == StateConnected
	e.mu.Unlock()

	if !changed {
		return nil
	}
	if connected && ch != nil {
		if err := e.subscribe(ctx, ch, group); err != nil {
			e.log.Warnw("network: resubscribe failed", "group", group, "error", err)
			_ = ch.Close()
		}
	}
	return e.Refresh(ctx)
}

// Messages returns the cached view and the group it was listed for.
func (e *Engine) Messages() (string, []models.Message) {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.viewGroup, append([]models.Message(nil), e.view...)
}

// Refresh re-lists the current scope and replaces the cached view. It is safe
// to call from any goroutine; a result older than the applied view is
// discarded.
func (e *Engine) Refresh(ctx context.Context) error {
	seq := e.refreshSeq.Add(1)
	group := e.Group()

	messages, err := e.repo.ListMessages(ctx, e.identity, group)
	if err != nil {
		e.log.Warnw("network: refresh failed", "group", group, "error", err)
		return fmt.Errorf("refresh: %w", err)
	}

	if !e.publish(seq, group, messages) {
		return nil
	}
	e.advanceStatuses(messages)
	return nil
}

// publish applies one re-list result to the view, the cache and the callback.
// It reports false when a newer result was already applied.
func (e *Engine) publish(seq uint64, group string, messages []models.Message) bool {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	if seq < e.appliedSeq {
		e.log.Debugw("network: stale refresh dropped", "seq", seq, "applied", e.appliedSeq)
		return false
	}
	e.appliedSeq = seq

	e.viewMu.Lock()
	e.view = messages
	e.viewGroup = group
	e.viewMu.Unlock()

	if e.cache != nil {
		if err := e.cache.SaveMessages(group, messages); err != nil {
			e.log.Warnw("network: cache write failed", "group", group, "error", err)
		}
	}
	if e.onMessages != nil {
		e.onMessages(group, append([]models.Message(nil), messages...))
	}
	return true
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	_ = e.Refresh(ctx)

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = e.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) connectLoop(ctx context.Context) {
	defer e.wg.Done()

	bo := e.newBackOff()
	for {
		if ctx.Err() != nil {
			e.setState(StateDisconnected, nil)
			return
		}

		e.setState(StateConnecting, nil)
		ch, err := e.dialer.Dial(ctx, e.url)
		if err == nil {
			bo.Reset()
			err = e.serve(ctx, ch)
		}
		if ctx.Err() != nil {
			e.setState(StateDisconnected, nil)
			return
		}
		e.setState(StateDisconnected, err)

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = e.reconnectMaxDelay
		}
		e.log.Infow("network: push unavailable, polling until reconnect", "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			e.setState(StateDisconnected, nil)
			return
		}
	}
}

// serve owns ch until it fails. It always returns a non-nil error.
func (e *Engine) serve(ctx context.Context, ch Channel) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = ch.Close()
		return ErrEngineClosed
	}
	e.channel = ch
	group := e.group
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.channel == ch {
			e.channel = nil
		}
		e.mu.Unlock()
		_ = ch.Close()
	}()

	e.setState(StateConnected, nil)
	if e.presence != nil {
		e.presence.MarkOnline(e.identity)
	}
	if err := e.subscribe(ctx, ch, group); err != nil {
		return err
	}

	for {
		payload, err := ch.Receive(ctx)
		if err != nil {
			return err
		}
		e.dispatch(ctx, payload)
	}
}

// dispatch is the single entry point for inbound push frames.
func (e *Engine) dispatch(ctx context.Context, payload []byte) {
	kind, err := DecodeInbound(payload)
	if err != nil {
		e.log.Debugw("network: push frame ignored", "error", err)
		return
	}
	switch kind {
	case PushMessageUpdate:
		_ = e.Refresh(ctx)
	default:
		e.log.Debugw("network: push frame ignored", "kind", kind.String())
	}
}

func (e *Engine) subscribe(ctx context.Context, ch Channel, group string) error {
	payload, err := EncodeJSON(NewSubscribe(e.identity, group))
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, payload); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	e.log.Debugw("network: subscribed", "wallet", e.identity.String(), "group", group)
	return nil
}

func (e *Engine) setState(state ConnState, cause error) {
	e.mu.Lock()
	if e.state == state && cause == nil {
		e.mu.Unlock()
		return
	}
	e.state = state
	e.mu.Unlock()

	if cause != nil {
		e.log.Warnw("network: push channel state", "state", state, "error", cause)
	} else {
		e.log.Debugw("network: push channel state", "state", state)
	}
	if e.onStateChange != nil {
		e.onStateChange(state, cause)
	}
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.reconnectDelay
	bo.MaxInterval = e.reconnectMaxDelay
	bo.Multiplier = e.reconnectMultiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// advanceStatuses hands each inbound direct message below the target status
// to its own worker. Claimed messages are skipped until their worker ends.
func (e *Engine) advanceStatuses(messages []models.Message) {
	for _, m := range messages {
		if m.Recipient != e.identity || m.Sender == e.identity || m.Status >= e.target {
			continue
		}
		if !e.claim(m.Address) {
			continue
		}
		if !e.startStatusWorker() {
			e.release(m.Address)
			return
		}
		go func(m models.Message) {
			defer e.statusWG.Done()
			defer e.release(m.Address)
			e.advance(m)
		}(m)
	}
}

// startStatusWorker registers one worker unless the engine is closed.
func (e *Engine) startStatusWorker() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.statusWG.Add(1)
	return true
}

// waitStatusIdle blocks until every started status worker has returned.
func (e *Engine) waitStatusIdle() {
	e.statusWG.Wait()
}

func (e *Engine) advance(m models.Message) {
	addr := m.Address.String()
	for m.Status < e.target {
		next, ok := m.Status.Next()
		if !ok {
			return
		}
		if e.hasReceipt(addr, next) {
			m.Status = next
			continue
		}

		ctx, cancel := context.WithTimeout(e.life, e.statusTimeout)
		sig, err := e.repo.UpdateMessageStatus(ctx, m, next)
		cancel()
		if err != nil {
			e.log.Warnw("network: status update failed", "address", addr, "status", next.String(), "error", err)
			return
		}
		if e.receipts != nil {
			if err := e.receipts.InsertReceipt(addr, next, e.now().UnixMilli()); err != nil {
				e.log.Warnw("network: receipt write failed", "address", addr, "error", err)
			}
		}
		e.log.Debugw("network: status advanced", "address", addr, "status", next.String(), "signature", sig.String())
		m.Status = next
	}
}

func (e *Engine) hasReceipt(addr string, status protocol.Status) bool {
	if e.receipts == nil {
		return false
	}
	ok, err := e.receipts.HasReceipt(addr, status)
	if err != nil {
		e.log.Warnw("network: receipt lookup failed", "address", addr, "error", err)
		return false
	}
	return ok
}

func (e *Engine) claim(addr address.PublicKey) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[addr]; busy {
		return false
	}
	e.inflight[addr] = struct{}{}
	return true
}

func (e *Engine) release(addr address.PublicKey) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, addr)
}
