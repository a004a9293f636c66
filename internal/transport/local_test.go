package transport

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termlink/internal/host"
	"termlink/internal/host/hosttest"
	"termlink/internal/session"
)

func newLocalPair(t *testing.T) (*Local, *Local, *host.Supervisor, *hosttest.Spawner) {
	t.Helper()
	spawner := &hosttest.Spawner{}
	sup := host.NewSupervisor(spawner.Spawn, zerolog.Nop())
	t.Cleanup(spawner.ExitAll)

	api := host.Direct(sup)
	return NewLocal(api, "w1", zerolog.Nop()), NewLocal(api, "w2", zerolog.Nop()), sup, spawner
}

func runLocal(t *testing.T, l *Local) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	nextEvent(t, l.Events(), EventConnected)
}

func TestLocal_ExclusiveAttach(t *testing.T) {
	w1, w2, _, _ := newLocalPair(t)
	ctx := context.Background()

	p, err := w1.Create(ctx, CreateRequest{Cols: 80, Rows: 24})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, l := range []*Local{w1, w2} {
		wg.Add(1)
		go func(i int, l *Local) {
			defer wg.Done()
			_, errs[i] = l.Attach(ctx, p.ID, AttachOptions{})
		}(i, l)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var ce *ConflictError
		require.ErrorAs(t, err, &ce)
		assert.ErrorIs(t, err, ErrOwnedElsewhere)
		conflicts++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.NotEqual(t, w1.IsAttached(p.ID), w2.IsAttached(p.ID))
}

func TestLocal_DetachLetsOtherWindowAdopt(t *testing.T) {
	w1, w2, _, _ := newLocalPair(t)
	ctx := context.Background()
	p, _ := w1.Create(ctx, CreateRequest{Cols: 80, Rows: 24})

	_, err := w1.Attach(ctx, p.ID, AttachOptions{LoadHistory: true})
	require.NoError(t, err)

	owner, err := w2.Owner(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", owner)

	require.NoError(t, w1.Detach(ctx, p.ID, DetachOptions{}))
	assert.False(t, w1.IsAttached(p.ID))

	_, err = w2.Attach(ctx, p.ID, AttachOptions{})
	require.NoError(t, err)
	assert.True(t, w2.IsAttached(p.ID))
}

func TestLocal_OutputOnlyReachesOwner(t *testing.T) {
	w1, w2, _, spawner := newLocalPair(t)
	runLocal(t, w1)
	runLocal(t, w2)
	ctx := context.Background()

	p, _ := w1.Create(ctx, CreateRequest{Cols: 80, Rows: 24})
	_, err := w1.Attach(ctx, p.ID, AttachOptions{})
	require.NoError(t, err)

	require.NoError(t, spawner.Last().Emit("$ "))
	out := nextEvent(t, w1.Events(), EventStdout)
	assert.Equal(t, "$ ", string(out.Data))

	spawner.Last().Exit(0)
	nextEvent(t, w1.Events(), EventExit)
	// w2 sees the exit without ever seeing the output.
	for {
		ev := <-w2.Events()
		require.NotEqual(t, EventStdout, ev.Kind)
		if ev.Kind == EventExit {
			break
		}
	}
	assert.False(t, w1.IsAttached(p.ID))
}

func TestLocal_YieldRequestReachesOwner(t *testing.T) {
	w1, w2, _, _ := newLocalPair(t)
	runLocal(t, w1)
	ctx := context.Background()

	p, _ := w1.Create(ctx, CreateRequest{Cols: 80, Rows: 24})
	_, _ = w1.Attach(ctx, p.ID, AttachOptions{})

	require.NoError(t, w2.RequestYield(ctx, p.ID))
	ev := nextEvent(t, w1.Events(), EventYieldRequested)
	assert.Equal(t, p.ID, ev.SessionID)
	assert.Equal(t, "w2", ev.Requester)
}

func TestLocal_TitleChange(t *testing.T) {
	w1, _, _, spawner := newLocalPair(t)
	runLocal(t, w1)
	ctx := context.Background()

	p, _ := w1.Create(ctx, CreateRequest{Cols: 80, Rows: 24})
	require.NoError(t, spawner.Last().Emit("\x1b]2;htop\x07"))

	ev := nextEvent(t, w1.Events(), EventTitleChanged)
	assert.Equal(t, p.ID, ev.SessionID)
	assert.Equal(t, "htop", ev.Title)
}

func TestLocal_ListAndErrors(t *testing.T) {
	w1, _, _, spawner := newLocalPair(t)
	ctx := context.Background()

	p, _ := w1.Create(ctx, CreateRequest{Cols: 80, Rows: 24})
	patches, err := w1.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, session.TransportLocal, patches[0].TransportKind.Value)
	assert.True(t, patches[0].IsActive.Value)

	_, err = w1.Attach(ctx, "missing", AttachOptions{})
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	spawner.Last().Exit(1)
	require.Eventually(t, func() bool {
		_, err := w1.Attach(ctx, p.ID, AttachOptions{})
		return errors.Is(err, ErrEnded)
	}, testWait, testTick)
}

// serveHost runs a host daemon for sup on socketPath and returns a func that
// stops it and waits until its connections are gone.
func serveHost(t *testing.T, sup *host.Supervisor, socketPath string) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = host.NewServer(sup, socketPath, zerolog.Nop()).Serve(ctx)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestLocal_RedialsAfterHostRestart(t *testing.T) {
	spawner := &hosttest.Spawner{}
	sup := host.NewSupervisor(spawner.Spawn, zerolog.Nop())
	t.Cleanup(spawner.ExitAll)
	socketPath := filepath.Join(t.TempDir(), "host.sock")
	stop := serveHost(t, sup, socketPath)
	ctx := context.Background()

	dial := func(ctx context.Context) (host.API, error) {
		return host.Dial(ctx, socketPath, zerolog.Nop())
	}
	var api host.API
	require.Eventually(t, func() bool {
		var err error
		api, err = dial(ctx)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	l := NewLocal(api, "w1", zerolog.Nop(), WithRedial(dial, 20*time.Millisecond))
	t.Cleanup(func() { l.Close() })
	runLocal(t, l)

	p, err := l.Create(ctx, CreateRequest{Cols: 80, Rows: 24})
	require.NoError(t, err)
	_, err = l.Attach(ctx, p.ID, AttachOptions{})
	require.NoError(t, err)

	stop()
	nextEvent(t, l.Events(), EventConnectionLost)
	assert.False(t, l.IsAttached(p.ID))
	owner, err := sup.Owner(p.ID)
	require.NoError(t, err)
	assert.Empty(t, owner, "a dropped connection gives its streams back")

	serveHost(t, sup, socketPath)
	ev := nextEvent(t, l.Events(), EventConnected)
	assert.True(t, ev.Reconnect)

	_, err = l.Attach(ctx, p.ID, AttachOptions{})
	require.NoError(t, err)
	owner, err = sup.Owner(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", owner)
}

func TestLocal_RunEndsWithoutRedial(t *testing.T) {
	spawner := &hosttest.Spawner{}
	sup := host.NewSupervisor(spawner.Spawn, zerolog.Nop())
	t.Cleanup(spawner.ExitAll)
	socketPath := filepath.Join(t.TempDir(), "host.sock")
	stop := serveHost(t, sup, socketPath)

	var api host.API
	require.Eventually(t, func() bool {
		var err error
		api, err = host.Dial(context.Background(), socketPath, zerolog.Nop())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	l := NewLocal(api, "w1", zerolog.Nop())
	t.Cleanup(func() { l.Close() })

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	nextEvent(t, l.Events(), EventConnected)

	stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the host went away")
	}
}
