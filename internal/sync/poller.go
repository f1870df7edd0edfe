package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/replayfm/replay/internal/spotify"
)

// Poller states.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateIngesting
	StateBackedOff
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateIngesting:
		return "ingesting"
	case StateBackedOff:
		return "backed_off"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Default polling intervals. Active sessions poll often; backgrounded
// ones rarely. Matches the client tracker this replaces (2min visible,
// 15min hidden).
const (
	DefaultActiveInterval     = 2 * time.Minute
	DefaultBackgroundInterval = 15 * time.Minute
	DefaultMaxInterval        = 1 * time.Hour
)

// ReauthNotifier is told when a user's polling halts because their
// consent is gone.
type ReauthNotifier interface {
	ReauthRequired(ctx context.Context, userID string)
}

// Poller runs the per-user polling loop: one goroutine, one in-flight
// poll at a time. The interval adapts to the activity hint and backs
// off exponentially (capped) on consecutive failures; a successful poll
// resets it. Permanent failures halt the loop.
type Poller struct {
	userID  string
	service *Service
	notify  ReauthNotifier // optional

	activeInterval     time.Duration
	backgroundInterval time.Duration
	maxInterval        time.Duration
	firstDelay         time.Duration

	active atomic.Bool
	state  atomic.Int32

	mu      sync.Mutex // guards started and cancel
	started bool
	cancel  context.CancelFunc

	done chan struct{}
	log  *logrus.Entry
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithIntervals overrides the active/background/cap intervals (tests).
func WithIntervals(active, background, max time.Duration) PollerOption {
	return func(p *Poller) {
		p.activeInterval = active
		p.backgroundInterval = background
		p.maxInterval = max
	}
}

// WithReauthNotifier sets the notifier for halted sessions.
func WithReauthNotifier(n ReauthNotifier) PollerOption {
	return func(p *Poller) { p.notify = n }
}

// NewPoller creates a poller for one user session. It starts in the
// active state and polls immediately once started.
func NewPoller(userID string, service *Service, opts ...PollerOption) *Poller {
	p := &Poller{
		userID:             userID,
		service:            service,
		activeInterval:     DefaultActiveInterval,
		backgroundInterval: DefaultBackgroundInterval,
		maxInterval:        DefaultMaxInterval,
		done:               make(chan struct{}),
		log:                logrus.WithFields(logrus.Fields{"component": "poller", "userID": userID}),
	}
	p.active.Store(true)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the polling loop. Subsequent calls are no-ops.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

// Stop cancels the loop and waits for it to exit. Safe to call
// concurrently with Start and more than once; a no-op before Start.
// The in-flight batch, if any, is all-or-nothing, so abandoning it is
// safe.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-p.done
	}
}

// SetActive supplies the activity hint: true for a foregrounded
// session, false for a backgrounded one. Server-side callers simply
// leave it active.
func (p *Poller) SetActive(active bool) {
	p.active.Store(active)
}

// State returns the current loop state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	level := 0
	wait := p.firstDelay

	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := p.poll(ctx)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
			level = 0
			wait = p.baseInterval()
			p.setState(StateIdle)

		case Permanent(err):
			p.setState(StateHalted)
			p.log.WithError(err).Warn("polling halted, user action required")
			if p.notify != nil && NeedsReconnect(err) {
				p.notify.ReauthRequired(ctx, p.userID)
			}
			return

		default:
			level++
			wait = p.backoffWait(level)
			var rl *spotify.RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > wait {
				// The upstream hint is a floor, never shortened.
				wait = rl.RetryAfter
			}
			p.setState(StateBackedOff)
			p.log.WithError(err).WithField("wait", wait.String()).Info("poll failed, backing off")
		}
	}
}

// poll runs one Polling→Ingesting cycle.
func (p *Poller) poll(ctx context.Context) error {
	p.setState(StatePolling)
	tracks, err := p.service.Fetch(ctx, p.userID)
	if err != nil {
		return err
	}

	p.setState(StateIngesting)
	_, err = p.service.Ingest(ctx, p.userID, tracks)
	return err
}

func (p *Poller) baseInterval() time.Duration {
	if p.active.Load() {
		return p.activeInterval
	}
	return p.backgroundInterval
}

// backoffWait doubles the base interval per consecutive failure,
// capped: one failure waits 2x the base, two failures 4x, and so on.
func (p *Poller) backoffWait(level int) time.Duration {
	wait := p.baseInterval()
	for i := 0; i < level; i++ {
		wait *= 2
		if wait >= p.maxInterval {
			return p.maxInterval
		}
	}
	return wait
}
