package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking requests
	StateHalfOpen              // Testing with one request
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitOpenError is returned when a call is short-circuited because the
// breaker is open or already probing in half-open.
type CircuitOpenError struct {
	Name  string
	State State
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s", e.Name, e.State)
}

// TimeoutError is returned when the wrapped call exceeded the breaker's
// per-call timeout. Timeouts count as failures.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("circuit breaker %s: call timed out after %s", e.Name, e.Timeout)
}

// Options tunes one breaker. Zero fields take the defaults below.
type Options struct {
	// ErrorThreshold is the raw failure count within the rolling window
	// that opens the circuit.
	ErrorThreshold int
	// VolumeThreshold is the minimum number of window entries before the
	// open conditions are evaluated at all.
	VolumeThreshold int
	// Timeout bounds each wrapped call.
	Timeout time.Duration
	// ResetTimeout is the cooldown an open circuit waits before allowing a
	// half-open probe. Defaults to Timeout.
	ResetTimeout time.Duration
	// ErrorPercentageThreshold opens the circuit when the window error rate
	// reaches this percentage, regardless of the raw count.
	ErrorPercentageThreshold float64
	// RollingWindowSize is the age limit for window entries.
	RollingWindowSize time.Duration
	// Fallback, when set, is invoked with the short-circuit error and its
	// result is surfaced to the caller instead.
	Fallback func(error) (any, error)
	// OnEvent receives every breaker event. Called outside the breaker
	// lock, in call order.
	OnEvent func(Event)
}

const (
	defaultErrorThreshold    = 5
	defaultVolumeThreshold   = 10
	defaultTimeout           = 10 * time.Second
	defaultErrorPercentage   = 50.0
	defaultRollingWindowSize = 60 * time.Second
)

type EventKind int

const (
	EventStateChange EventKind = iota
	EventOpen
	EventClose
	EventHalfOpen
	EventSuccess
	EventFailure
	EventTimeout
	EventReject
	EventFallback
)

func (k EventKind) String() string {
	switch k {
	case EventStateChange:
		return "state-change"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventHalfOpen:
		return "half-open"
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	case EventTimeout:
		return "timeout"
	case EventReject:
		return "reject"
	case EventFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Event is a typed breaker notification.
type Event struct {
	Kind      EventKind
	Name      string
	From      State
	To        State
	Err       error
	Timestamp time.Time
}

// Metrics is a snapshot of a breaker's counters. ErrorPercentage is always
// recomputed from the live window when the snapshot is taken.
type Metrics struct {
	Requests            int64
	Successes           int64
	Failures            int64
	Rejections          int64
	Fallbacks           int64
	Timeouts            int64
	ShortCircuits       int64
	ErrorPercentage     float64
	AverageResponseTime time.Duration
	LastSuccessAt       time.Time
	LastFailureAt       time.Time
}

type windowEntry struct {
	at           time.Time
	success      bool
	responseTime time.Duration
}

// CircuitBreaker is a per-resource fault isolation state machine. It admits
// calls while closed, rejects them while open, and allows exactly one probe
// call while half-open.
type CircuitBreaker struct {
	name string
	opts Options

	mutex         sync.Mutex
	state         State
	window        []windowEntry
	metrics       Metrics
	nextAttempt   time.Time
	halfOpenProbe bool
}

func NewCircuitBreaker(name string, opts Options) *CircuitBreaker {
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = defaultErrorThreshold
	}
	if opts.VolumeThreshold <= 0 {
		opts.VolumeThreshold = defaultVolumeThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = opts.Timeout
	}
	if opts.ErrorPercentageThreshold <= 0 {
		opts.ErrorPercentageThreshold = defaultErrorPercentage
	}
	if opts.RollingWindowSize <= 0 {
		opts.RollingWindowSize = defaultRollingWindowSize
	}

	return &CircuitBreaker{
		name:  name,
		opts:  opts,
		state: StateClosed,
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn under the breaker. Open and probing states short-circuit
// to the fallback without touching fn; otherwise fn races the per-call
// timeout and its outcome is recorded into the rolling window.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	now := time.Now()

	cb.mutex.Lock()
	var events []Event

	if cb.state == StateOpen {
		if !now.Before(cb.nextAttempt) {
			events = append(events, cb.transitionLocked(StateHalfOpen, now)...)
		} else {
			events = append(events, cb.rejectLocked(now))
			fallback := cb.opts.Fallback
			cb.mutex.Unlock()
			cb.emit(events...)
			return cb.shortCircuit(fallback)
		}
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenProbe {
			events = append(events, cb.rejectLocked(now))
			fallback := cb.opts.Fallback
			cb.mutex.Unlock()
			cb.emit(events...)
			return cb.shortCircuit(fallback)
		}
		cb.halfOpenProbe = true
	}

	cb.metrics.Requests++
	timeout := cb.opts.Timeout
	cb.mutex.Unlock()
	cb.emit(events...)

	value, err, timedOut := cb.run(ctx, fn, timeout)

	if err != nil {
		cb.recordFailure(err, timedOut)
		return nil, err
	}

	cb.recordSuccess(time.Since(now))
	return value, nil
}

type callResult struct {
	value any
	err   error
}

func (cb *CircuitBreaker) run(ctx context.Context, fn func(context.Context) (any, error), timeout time.Duration) (any, error, bool) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan callResult, 1)

	go func() {
		value, err := fn(callCtx)
		resultCh <- callResult{value: value, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.value, res.err, false
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not the breaker's own timer.
			return nil, ctx.Err(), false
		}
		return nil, &TimeoutError{Name: cb.name, Timeout: timeout}, true
	}
}

func (cb *CircuitBreaker) recordSuccess(responseTime time.Duration) {
	now := time.Now()

	cb.mutex.Lock()
	var events []Event

	cb.window = append(cb.window, windowEntry{at: now, success: true, responseTime: responseTime})
	cb.metrics.Successes++
	cb.metrics.LastSuccessAt = now

	// Cumulative moving average over successful calls.
	n := cb.metrics.Successes
	cb.metrics.AverageResponseTime += (responseTime - cb.metrics.AverageResponseTime) / time.Duration(n)

	if cb.state == StateHalfOpen {
		cb.halfOpenProbe = false
		events = append(events, cb.transitionLocked(StateClosed, now)...)
		cb.window = nil
	}

	cb.trimWindowLocked(now)
	cb.metrics.ErrorPercentage = cb.errorPercentageLocked()

	events = append(events, Event{Kind: EventSuccess, Name: cb.name, To: cb.state, Timestamp: now})
	cb.mutex.Unlock()
	cb.emit(events...)
}

func (cb *CircuitBreaker) recordFailure(err error, timedOut bool) {
	now := time.Now()

	cb.mutex.Lock()
	var events []Event

	cb.window = append(cb.window, windowEntry{at: now, success: false})
	cb.metrics.Failures++
	cb.metrics.LastFailureAt = now

	if timedOut {
		cb.metrics.Timeouts++
		events = append(events, Event{Kind: EventTimeout, Name: cb.name, Err: err, Timestamp: now})
	}

	cb.trimWindowLocked(now)
	cb.metrics.ErrorPercentage = cb.errorPercentageLocked()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenProbe = false
		events = append(events, cb.transitionLocked(StateOpen, now)...)
	case StateClosed:
		if cb.shouldOpenLocked() {
			events = append(events, cb.transitionLocked(StateOpen, now)...)
		}
	}

	events = append(events, Event{Kind: EventFailure, Name: cb.name, To: cb.state, Err: err, Timestamp: now})
	cb.mutex.Unlock()
	cb.emit(events...)
}

// shouldOpenLocked evaluates the open conditions against the trimmed window.
func (cb *CircuitBreaker) shouldOpenLocked() bool {
	if len(cb.window) < cb.opts.VolumeThreshold {
		return false
	}

	failures := 0
	for _, entry := range cb.window {
		if !entry.success {
			failures++
		}
	}

	return failures >= cb.opts.ErrorThreshold ||
		cb.errorPercentageLocked() >= cb.opts.ErrorPercentageThreshold
}

func (cb *CircuitBreaker) trimWindowLocked(now time.Time) {
	cutoff := now.Add(-cb.opts.RollingWindowSize)

	idx := 0
	for idx < len(cb.window) && !cb.window[idx].at.After(cutoff) {
		idx++
	}

	if idx > 0 {
		cb.window = append(cb.window[:0], cb.window[idx:]...)
	}
}

func (cb *CircuitBreaker) errorPercentageLocked() float64 {
	if len(cb.window) == 0 {
		return 0
	}

	failures := 0
	for _, entry := range cb.window {
		if !entry.success {
			failures++
		}
	}

	return float64(failures) / float64(len(cb.window)) * 100
}

func (cb *CircuitBreaker) transitionLocked(to State, now time.Time) []Event {
	from := cb.state
	if from == to {
		return nil
	}

	cb.state = to

	events := []Event{{Kind: EventStateChange, Name: cb.name, From: from, To: to, Timestamp: now}}

	switch to {
	case StateOpen:
		cb.nextAttempt = now.Add(cb.opts.ResetTimeout)
		// A probe still in flight belongs to the half-open state we just
		// left; its outcome must not block the next half-open cycle.
		cb.halfOpenProbe = false
		events = append(events, Event{Kind: EventOpen, Name: cb.name, From: from, To: to, Timestamp: now})
	case StateClosed:
		events = append(events, Event{Kind: EventClose, Name: cb.name, From: from, To: to, Timestamp: now})
	case StateHalfOpen:
		cb.halfOpenProbe = false
		events = append(events, Event{Kind: EventHalfOpen, Name: cb.name, From: from, To: to, Timestamp: now})
	}

	return events
}

func (cb *CircuitBreaker) rejectLocked(now time.Time) Event {
	cb.metrics.Rejections++
	cb.metrics.ShortCircuits++
	return Event{Kind: EventReject, Name: cb.name, To: cb.state, Timestamp: now}
}

// shortCircuit resolves a rejected call through the fallback, or surfaces a
// CircuitOpenError when no fallback is configured or the fallback fails too.
func (cb *CircuitBreaker) shortCircuit(fallback func(error) (any, error)) (any, error) {
	openErr := &CircuitOpenError{Name: cb.name, State: cb.State()}

	if fallback == nil {
		return nil, openErr
	}

	cb.mutex.Lock()
	cb.metrics.Fallbacks++
	cb.mutex.Unlock()
	cb.emit(Event{Kind: EventFallback, Name: cb.name, Err: openErr, Timestamp: time.Now()})

	value, err := fallback(openErr)
	if err != nil {
		return nil, openErr
	}

	return value, nil
}

func (cb *CircuitBreaker) emit(events ...Event) {
	if cb.opts.OnEvent == nil {
		return
	}

	for _, event := range events {
		cb.opts.OnEvent(event)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Metrics returns a snapshot with the error percentage recomputed from the
// current window.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.trimWindowLocked(time.Now())
	snapshot := cb.metrics
	snapshot.ErrorPercentage = cb.errorPercentageLocked()
	return snapshot
}

// Open forces the breaker open. The next probe is allowed after the reset
// timeout.
func (cb *CircuitBreaker) Open() {
	now := time.Now()

	cb.mutex.Lock()
	events := cb.transitionLocked(StateOpen, now)
	cb.mutex.Unlock()
	cb.emit(events...)
}

// Close forces the breaker closed without clearing metrics.
func (cb *CircuitBreaker) Close() {
	now := time.Now()

	cb.mutex.Lock()
	cb.halfOpenProbe = false
	events := cb.transitionLocked(StateClosed, now)
	cb.mutex.Unlock()
	cb.emit(events...)
}

// Reset returns the breaker to its initial state: closed, empty window,
// zeroed metrics.
func (cb *CircuitBreaker) Reset() {
	now := time.Now()

	cb.mutex.Lock()
	events := cb.transitionLocked(StateClosed, now)
	cb.window = nil
	cb.metrics = Metrics{}
	cb.nextAttempt = time.Time{}
	cb.halfOpenProbe = false
	cb.mutex.Unlock()
	cb.emit(events...)
}
