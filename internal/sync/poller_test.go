package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replayfm/replay/internal/auth"
	"github.com/replayfm/replay/internal/events"
	"github.com/replayfm/replay/internal/spotify"
)

func TestBackoffWaitDoublesUpToCap(t *testing.T) {
	p := NewPoller("u1", nil, WithIntervals(time.Minute, 15*time.Minute, time.Hour))

	assert.Equal(t, time.Minute, p.backoffWait(0))
	assert.Equal(t, 2*time.Minute, p.backoffWait(1))
	assert.Equal(t, 4*time.Minute, p.backoffWait(2))
	assert.Equal(t, 8*time.Minute, p.backoffWait(3))
	assert.Equal(t, time.Hour, p.backoffWait(6))
	assert.Equal(t, time.Hour, p.backoffWait(20))
}

func TestBackoffWaitFollowsActivityHint(t *testing.T) {
	p := NewPoller("u1", nil, WithIntervals(2*time.Minute, 15*time.Minute, time.Hour))

	assert.Equal(t, 4*time.Minute, p.backoffWait(1))

	p.SetActive(false)
	assert.Equal(t, 30*time.Minute, p.backoffWait(1))
	assert.Equal(t, time.Hour, p.backoffWait(2))
}

func TestPollerIdleAfterSuccess(t *testing.T) {
	upstream := &fakeUpstream{tracks: somePlays()}
	store := newMemPlayStore()
	svc := NewService(upstream, store, nil)

	p := NewPoller("u1", svc, WithIntervals(time.Hour, time.Hour, 2*time.Hour))
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.State() == StateIdle && store.count() == 3
	}, time.Second, time.Millisecond)
}

func TestPollerBacksOffOnTransientFailure(t *testing.T) {
	upstream := &fakeUpstream{err: spotify.ErrUpstreamUnavailable}
	svc := NewService(upstream, newMemPlayStore(), nil)

	p := NewPoller("u1", svc, WithIntervals(time.Hour, time.Hour, 2*time.Hour))
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.State() == StateBackedOff
	}, time.Second, time.Millisecond)
}

func TestPollerHaltsOnReauthAndNotifies(t *testing.T) {
	upstream := &fakeUpstream{err: auth.ErrReauthRequired}
	svc := NewService(upstream, newMemPlayStore(), nil)
	recorder := &events.Recorder{}

	p := NewPoller("u1", svc,
		WithIntervals(time.Hour, time.Hour, 2*time.Hour),
		WithReauthNotifier(recorder),
	)
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.State() == StateHalted
	}, time.Second, time.Millisecond)

	reauths := recorder.Reauths()
	require.Len(t, reauths, 1)
	assert.Equal(t, "u1", reauths[0].UserID)

	// Halted means no further attempts.
	calls := func() int {
		upstream.mu.Lock()
		defer upstream.mu.Unlock()
		return upstream.calls
	}
	assert.Equal(t, 1, calls())
}

func TestPollerHaltsWithoutNotifyOnScopeError(t *testing.T) {
	upstream := &fakeUpstream{err: spotify.ErrInsufficientScope}
	svc := NewService(upstream, newMemPlayStore(), nil)
	recorder := &events.Recorder{}

	p := NewPoller("u1", svc,
		WithIntervals(time.Hour, time.Hour, 2*time.Hour),
		WithReauthNotifier(recorder),
	)
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.State() == StateHalted
	}, time.Second, time.Millisecond)
	assert.Empty(t, recorder.Reauths())
}

func TestPollerConcurrentStartStop(t *testing.T) {
	upstream := &fakeUpstream{tracks: somePlays()}
	svc := NewService(upstream, newMemPlayStore(), nil)
	p := NewPoller("u1", svc, WithIntervals(time.Hour, time.Hour, 2*time.Hour))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.Start(context.Background())
	}()
	go func() {
		defer wg.Done()
		p.Stop()
	}()
	wg.Wait()

	// Whichever order the race resolved in, a final Stop must leave the
	// loop fully exited.
	p.Stop()
	if p.started {
		select {
		case <-p.done:
		default:
			t.Fatal("loop still running after Stop")
		}
	}
}

func TestPollerStopWaitsForLoopExit(t *testing.T) {
	upstream := &fakeUpstream{tracks: somePlays()}
	svc := NewService(upstream, newMemPlayStore(), nil)

	p := NewPoller("u1", svc, WithIntervals(time.Hour, time.Hour, 2*time.Hour))
	p.Start(context.Background())
	p.Stop()

	select {
	case <-p.done:
	default:
		t.Fatal("loop still running after Stop")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "ingesting", StateIngesting.String())
	assert.Equal(t, "backed_off", StateBackedOff.String())
	assert.Equal(t, "halted", StateHalted.String())
}
