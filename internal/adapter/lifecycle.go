package adapter

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/john/chatmux/internal/message"
)

const (
	defaultMessageBuffer = 512
	defaultStatusBuffer  = 64
)

// Session identifies one connection attempt. Callbacks carrying a session
// that is no longer current are ignored, which is how a transport superseded
// by a reconnect or an explicit disconnect is kept from touching state.
type Session uint64

// Timer is the part of *time.Timer the lifecycle needs.
type Timer interface {
	Stop() bool
}

// RedialFunc reopens the transport for a retry. It returns once the
// transport is open; the adapter reports Connected itself when the platform
// confirms the session.
type RedialFunc func(s Session) error

// LifecycleOptions configures a Lifecycle.
type LifecycleOptions struct {
	Backoff       Backoff
	Log           logrus.FieldLogger
	MessageBuffer int
	StatusBuffer  int

	// AfterFunc schedules retries. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer

	// OnStatus observes every transition, e.g. for metrics.
	OnStatus func(Status)
}

// Lifecycle is the connect/reconnect state machine shared by all adapters.
//
//	disconnected -> connecting -> connected | error
//	connected    -> connecting (unexpected drop) -> connected | error
//	any          -> disconnected (Stop only)
type Lifecycle struct {
	opts   LifecycleOptions
	log    logrus.FieldLogger
	redial RedialFunc

	messages chan message.ChatMessage
	statuses chan Status

	mu      sync.Mutex
	status  Status
	gen     Session
	stopped bool
	noRetry bool
	attempt int
	timer   Timer
	quit    chan struct{}
}

// NewLifecycle creates a lifecycle in the disconnected state.
func NewLifecycle(opts LifecycleOptions) *Lifecycle {
	if opts.MessageBuffer <= 0 {
		opts.MessageBuffer = defaultMessageBuffer
	}
	if opts.StatusBuffer <= 0 {
		opts.StatusBuffer = defaultStatusBuffer
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Lifecycle{
		opts:     opts,
		log:      log,
		messages: make(chan message.ChatMessage, opts.MessageBuffer),
		statuses: make(chan Status, opts.StatusBuffer),
		status:   Disconnected,
		stopped:  true,
		quit:     make(chan struct{}),
	}
}

// SetRedial installs the function used for automatic reconnection.
func (l *Lifecycle) SetRedial(fn RedialFunc) {
	l.mu.Lock()
	l.redial = fn
	l.mu.Unlock()
}

// SetAutoReconnect enables or suppresses automatic reconnection.
func (l *Lifecycle) SetAutoReconnect(enabled bool) {
	l.mu.Lock()
	l.noRetry = !enabled
	l.mu.Unlock()
}

func (l *Lifecycle) Messages() <-chan message.ChatMessage { return l.messages }
func (l *Lifecycle) Statuses() <-chan Status              { return l.statuses }

// Status returns the current state.
func (l *Lifecycle) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Attempt returns the number of retries scheduled since the last
// successful connection.
func (l *Lifecycle) Attempt() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempt
}

// Pending reports whether a reconnection timer is armed.
func (l *Lifecycle) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timer != nil
}

// Current reports whether s is still the live session.
func (l *Lifecycle) Current(s Session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.stopped && s == l.gen
}

// Begin starts an explicit connect. It returns false when the adapter is
// already connecting or connected.
func (l *Lifecycle) Begin() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status == Connecting || l.status == Connected {
		return 0, false
	}
	l.cancelTimerLocked()
	if l.stopped {
		l.quit = make(chan struct{})
	}
	l.stopped = false
	l.gen++
	l.setStatusLocked(Connecting)
	return l.gen, true
}

// Connected confirms session s. Backoff state resets here and only here.
func (l *Lifecycle) Connected(s Session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || s != l.gen {
		return false
	}
	l.attempt = 0
	l.setStatusLocked(Connected)
	return true
}

// Failed records a failed explicit connect. No retry is scheduled: the
// rejected Connect call is how the host learns about it.
func (l *Lifecycle) Failed(s Session, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || s != l.gen {
		return
	}
	l.gen++
	l.log.Warnf("connect failed: %v", err)
	l.setStatusLocked(Errored)
}

// Dropped reports an unexpected loss of session s and schedules a
// reconnection unless one is already pending.
func (l *Lifecycle) Dropped(s Session, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || s != l.gen || l.timer != nil {
		return
	}
	l.gen++
	if l.noRetry {
		l.log.Warnf("connection lost, auto-reconnect disabled: %v", err)
		l.setStatusLocked(Errored)
		return
	}
	l.log.Warnf("connection lost: %v", err)
	l.setStatusLocked(Connecting)
	l.scheduleLocked()
}

// Stop forces the terminal disconnected state. Any pending timer is
// cancelled and any session handed out before is invalidated, so a timer
// that already fired finds nothing to do.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.stopped {
		l.stopped = true
		close(l.quit)
	}
	l.gen++
	l.cancelTimerLocked()
	l.attempt = 0
	l.setStatusLocked(Disconnected)
}

// Emit delivers msg for session s, blocking while the buffer is full. It
// gives up and returns false once the adapter is stopped or s is stale.
func (l *Lifecycle) Emit(s Session, msg message.ChatMessage) bool {
	l.mu.Lock()
	quit := l.quit
	live := !l.stopped && s == l.gen
	l.mu.Unlock()
	if !live {
		return false
	}
	select {
	case l.messages <- msg:
		return true
	case <-quit:
		return false
	}
}

// EmitLocal delivers a message produced by the adapter itself (local
// echoes), independent of the transport session.
func (l *Lifecycle) EmitLocal(msg message.ChatMessage) bool {
	l.mu.Lock()
	quit := l.quit
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return false
	}
	select {
	case l.messages <- msg:
		return true
	case <-quit:
		return false
	}
}

func (l *Lifecycle) scheduleLocked() {
	delay := l.opts.Backoff.Delay(l.attempt)
	l.attempt++
	next := l.gen
	l.log.Infof("reconnecting in %v (attempt %d)", delay, l.attempt)
	l.timer = l.opts.AfterFunc(delay, func() { l.retry(next) })
}

func (l *Lifecycle) retry(s Session) {
	l.mu.Lock()
	if l.stopped || s != l.gen {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.setStatusLocked(Connecting)
	redial := l.redial
	l.mu.Unlock()

	if redial == nil {
		l.Failed(s, ErrNotReady)
		return
	}
	if err := redial(s); err != nil {
		l.retryFailed(s, err)
	}
}

func (l *Lifecycle) retryFailed(s Session, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || s != l.gen || l.timer != nil {
		return
	}
	l.gen++
	l.setStatusLocked(Errored)
	if l.noRetry || IsConfigError(err) {
		l.log.Errorf("reconnect failed, giving up: %v", err)
		return
	}
	l.log.Warnf("reconnect failed: %v", err)
	l.scheduleLocked()
}

func (l *Lifecycle) cancelTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Lifecycle) setStatusLocked(st Status) {
	if st == l.status {
		return
	}
	l.status = st
	select {
	case l.statuses <- st:
	default:
		l.log.Warnf("status buffer full, dropped transition to %s", st)
	}
	if l.opts.OnStatus != nil {
		l.opts.OnStatus(st)
	}
}
