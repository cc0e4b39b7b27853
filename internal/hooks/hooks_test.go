package hooks

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(timeout time.Duration) *Registry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewRegistry(timeout, l)
}

func TestBeforeChainsPayloads(t *testing.T) {
	r := newRegistry(time.Second)
	r.Register(LobbyJoin, "first", func(_ context.Context, p any) (any, error) {
		jp := p.(JoinPayload)
		jp.UserIDs = append(jp.UserIDs, 2)
		return jp, nil
	}, nil)
	r.Register(LobbyJoin, "second", func(_ context.Context, p any) (any, error) {
		jp := p.(JoinPayload)
		jp.UserIDs = append(jp.UserIDs, 3)
		return jp, nil
	}, nil)

	out, err := r.Before(context.Background(), LobbyJoin, JoinPayload{LobbyID: 1, UserIDs: []int64{1}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, out.(JoinPayload).UserIDs)

	// other events are untouched
	out, err = r.Before(context.Background(), LobbyLeave, LeavePayload{LobbyID: 1, UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, LeavePayload{LobbyID: 1, UserID: 1}, out)
}

func TestBeforeReject(t *testing.T) {
	r := newRegistry(time.Second)
	var ranSecond bool
	r.Register(LobbyLeave, "veto", func(context.Context, any) (any, error) {
		return nil, Reject("tournament in progress")
	}, nil)
	r.Register(LobbyLeave, "later", func(_ context.Context, p any) (any, error) {
		ranSecond = true
		return p, nil
	}, nil)

	_, err := r.Before(context.Background(), LobbyLeave, LeavePayload{LobbyID: 1, UserID: 2})
	require.Error(t, err)
	assert.Equal(t, apperr.KindHookRejected, apperr.KindOf(err))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "tournament in progress", ae.Reason)
	assert.False(t, ranSecond)
}

func TestBeforeFailsClosed(t *testing.T) {
	cases := map[string]BeforeFunc{
		"error": func(context.Context, any) (any, error) { return nil, errors.New("db down") },
		"wrong type": func(context.Context, any) (any, error) {
			return "not a payload", nil
		},
		"panic": func(context.Context, any) (any, error) { panic("oops") },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			r := newRegistry(time.Second)
			r.Register(LobbyCreate, name, fn, nil)
			_, err := r.Before(context.Background(), LobbyCreate, KickPayload{})
			assert.Equal(t, apperr.KindHookRejected, apperr.KindOf(err))
		})
	}
}

func TestBeforeTimeout(t *testing.T) {
	r := newRegistry(20 * time.Millisecond)
	var cancelled atomic.Bool
	r.Register(LobbyDelete, "slow", func(ctx context.Context, p any) (any, error) {
		<-ctx.Done()
		cancelled.Store(true)
		return p, nil
	}, nil)

	start := time.Now()
	_, err := r.Before(context.Background(), LobbyDelete, struct{}{})
	assert.Equal(t, apperr.KindHookTimeout, apperr.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestBeforeCallerCancelled(t *testing.T) {
	r := newRegistry(time.Second)
	block := make(chan struct{})
	defer close(block)
	r.Register(LobbyDelete, "slow", func(_ context.Context, p any) (any, error) {
		<-block
		return p, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Before(ctx, LobbyDelete, struct{}{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAfterRunsDetached(t *testing.T) {
	r := newRegistry(time.Second)
	got := make(chan any, 1)
	r.Register(UserKicked, "audit", nil, func(ctx context.Context, result any) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		got <- result
		return nil
	})
	r.Register(UserKicked, "broken", nil, func(context.Context, any) error {
		panic("after hooks cannot hurt the caller")
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.After(ctx, UserKicked, KickPayload{LobbyID: 1, HostID: 2, TargetID: 3})
	cancel()
	r.Wait()

	select {
	case res := <-got:
		assert.Equal(t, KickPayload{LobbyID: 1, HostID: 2, TargetID: 3}, res)
	default:
		t.Fatal("after hook did not run")
	}
}

func TestAfterTimeoutIsAbandoned(t *testing.T) {
	r := newRegistry(20 * time.Millisecond)
	block := make(chan struct{})
	defer close(block)
	r.Register(LobbyHostChange, "stuck", nil, func(context.Context, any) error {
		<-block
		return nil
	})

	r.After(context.Background(), LobbyHostChange, HostChangePayload{LobbyID: 1})
	waited := make(chan struct{})
	go func() {
		r.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the hook timed out")
	}
}

func TestUnregister(t *testing.T) {
	r := newRegistry(time.Second)
	r.Register(LobbyJoin, "plugin", func(context.Context, any) (any, error) {
		return nil, Reject("no")
	}, nil)
	r.Register(LobbyLeave, "plugin", func(context.Context, any) (any, error) {
		return nil, Reject("no")
	}, nil)

	_, err := r.Before(context.Background(), LobbyJoin, JoinPayload{})
	require.Error(t, err)

	r.Unregister("plugin")
	_, err = r.Before(context.Background(), LobbyJoin, JoinPayload{})
	assert.NoError(t, err)
	_, err = r.Before(context.Background(), LobbyLeave, LeavePayload{})
	assert.NoError(t, err)
}

func TestNop(t *testing.T) {
	var d Dispatcher = Nop{}
	out, err := d.Before(context.Background(), LobbyCreate, 42)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	d.After(context.Background(), LobbyCreate, 42)
}
