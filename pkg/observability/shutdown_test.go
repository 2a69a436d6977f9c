package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(buf *bytes.Buffer) *Logger {
	return NewLogger(InfoLevel, buf)
}

func TestNewShutdownManagerDefaultsTimeout(t *testing.T) {
	tests := []struct {
		name     string
		timeout  time.Duration
		expected time.Duration
	}{
		{"custom timeout kept", 10 * time.Second, 10 * time.Second},
		{"zero falls back to default", 0, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewShutdownManager(testLogger(&bytes.Buffer{}), &http.Server{}, tt.timeout)
			require.NotNil(t, sm)
			assert.Equal(t, tt.expected, sm.shutdownTimeout)
			assert.Empty(t, sm.shutdownFuncs)
		})
	}
}

func TestRegisterShutdownFuncIsConcurrencySafe(t *testing.T) {
	sm := NewShutdownManager(testLogger(&bytes.Buffer{}), nil, 5*time.Second)

	// Mirrors how the engine registers its teardown hooks: role watcher
	// close, cron stop, OTel shutdown, each from a different call site.
	sm.RegisterShutdownFunc(func(ctx context.Context) error { return nil })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.RegisterShutdownFunc(func(ctx context.Context) error { return nil })
		}()
	}
	wg.Wait()

	assert.Len(t, sm.shutdownFuncs, 21)
}

// executeShutdown runs the same teardown path WaitForShutdown uses after
// receiving a signal, without requiring a real os signal in the test.
func executeShutdown(sm *ShutdownManager) error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			return err
		}
	}

	sm.mu.Lock()
	funcs := sm.shutdownFuncs
	sm.mu.Unlock()

	var wg sync.WaitGroup
	errChan := make(chan error, len(funcs))

	for i, fn := range funcs {
		wg.Add(1)
		go func(index int, shutdownFn ShutdownFunc) {
			defer wg.Done()
			defer RecoverPanic(sm.logger, "shutdown function")
			if err := shutdownFn(ctx); err != nil {
				errChan <- err
			}
		}(i, fn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.New("shutdown timeout reached")
	}

	close(errChan)
	var count int
	for range errChan {
		count++
	}
	if count > 0 {
		return errors.New("shutdown completed with errors")
	}
	return nil
}

func TestShutdownRunsRoleWatcherAndCronTeardownConcurrently(t *testing.T) {
	sm := NewShutdownManager(testLogger(&bytes.Buffer{}), nil, 5*time.Second)

	var closed struct {
		sync.Mutex
		watcher bool
		cron    bool
		otel    bool
	}

	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		closed.Lock()
		closed.watcher = true
		closed.Unlock()
		return nil
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		closed.Lock()
		closed.cron = true
		closed.Unlock()
		return nil
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		closed.Lock()
		closed.otel = true
		closed.Unlock()
		return nil
	})

	start := time.Now()
	err := executeShutdown(sm)
	elapsed := time.Since(start)

	require.NoError(t, err)
	closed.Lock()
	defer closed.Unlock()
	assert.True(t, closed.watcher)
	assert.True(t, closed.cron)
	assert.True(t, closed.otel)
	assert.Less(t, elapsed, 100*time.Millisecond, "teardown funcs should run concurrently, not sequentially")
}

func TestShutdownCollectsErrorsFromFailedTeardown(t *testing.T) {
	sm := NewShutdownManager(testLogger(&bytes.Buffer{}), nil, 5*time.Second)

	sm.RegisterShutdownFunc(func(ctx context.Context) error { return nil })
	sm.RegisterShutdownFunc(func(ctx context.Context) error { return errors.New("watcher close failed") })

	err := executeShutdown(sm)
	require.Error(t, err)
}

func TestShutdownRespectsTimeoutOnSlowTeardown(t *testing.T) {
	sm := NewShutdownManager(testLogger(&bytes.Buffer{}), nil, 50*time.Millisecond)

	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		select {
		case <-time.After(2 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	start := time.Now()
	err := executeShutdown(sm)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestShutdownFuncReceivesDeadlineBoundContext(t *testing.T) {
	sm := NewShutdownManager(testLogger(&bytes.Buffer{}), nil, 2*time.Second)

	var hasDeadline bool
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	})

	require.NoError(t, executeShutdown(sm))
	assert.True(t, hasDeadline)
}

// A panicking shutdown function (e.g. a nil registration slipping through,
// or a teardown hook indexing into a closed slice) must not take the other
// teardown hooks down with it.
func TestPanickingShutdownFuncDoesNotAbortOthers(t *testing.T) {
	var buf bytes.Buffer
	sm := NewShutdownManager(testLogger(&buf), nil, 2*time.Second)

	otelClosed := false
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		panic("role watcher close panicked")
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		otelClosed = true
		return nil
	})

	require.NoError(t, executeShutdown(sm))
	assert.True(t, otelClosed)
	assert.Contains(t, buf.String(), "PANIC recovered")
}

func TestShutdownTearsDownHTTPServer(t *testing.T) {
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server.Start()
	defer server.Close()

	sm := NewShutdownManager(testLogger(&bytes.Buffer{}), server.Config, 5*time.Second)
	require.NoError(t, executeShutdown(sm))
}

func TestNewShutdownManagerToleratesNilLogger(t *testing.T) {
	sm := NewShutdownManager(nil, nil, 5*time.Second)
	require.NotNil(t, sm)
	assert.Equal(t, 5*time.Second, sm.shutdownTimeout)
}

func TestShutdownFuncTypeIsCallable(t *testing.T) {
	var fn ShutdownFunc = func(ctx context.Context) error { return nil }
	require.NoError(t, fn(context.Background()))
}

func TestShutdownManagerRunsRegisteredFunc(t *testing.T) {
	// GracefulShutdown blocks on a signal, so this drives the manager
	// directly: a function added with RegisterShutdownFunc runs when the
	// manager's shutdown functions are executed.
	logger := testLogger(&bytes.Buffer{})
	manager := NewShutdownManager(logger, nil, 30*time.Second)

	called := false
	manager.RegisterShutdownFunc(func(ctx context.Context) error {
		called = true
		return nil
	})

	require.NoError(t, executeShutdown(manager))
	assert.True(t, called)
}
