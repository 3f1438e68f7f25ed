package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireIsIdempotent(t *testing.T) {
	l := &fakeLauncher{delay: 20 * time.Millisecond}
	r := NewRegistry(l, WithReadTimeout(time.Second))
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*Sandbox, 10)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sb, err := r.Acquire(ctx, "s1")
			assert.NoError(t, err)
			got[i] = sb
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, l.launches.Load())
	for _, sb := range got {
		assert.Same(t, got[0], sb)
	}

	again, err := r.Acquire(ctx, "s1")
	require.NoError(t, err)
	assert.Same(t, got[0], again)
	assert.Equal(t, []string{"s1"}, r.IDs())
}

func TestAcquireRunsSetupFirst(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(l, WithSetupScript("import pandas as pd"))

	sb, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	sb.Run(context.Background(), "print(1)")

	assert.Equal(t, []string{"import pandas as pd", "print(1)"}, l.Kernel(0).Executed())
}

func TestReleaseThenAcquireCreatesFreshSandbox(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(l, WithSetupScript(""))
	ctx := context.Background()

	first, err := r.Acquire(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, "s1"))
	assert.True(t, l.Kernel(0).Closed())
	assert.Empty(t, r.IDs())

	second, err := r.Acquire(ctx, "s1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, l.launches.Load())
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	r := NewRegistry(&fakeLauncher{})
	assert.NoError(t, r.Release(context.Background(), "missing"))
}

func TestAcquireReplacesBrokenSandbox(t *testing.T) {
	l := &fakeLauncher{script: func(code, id string) []KernelMessage { return nil }}
	r := NewRegistry(l, WithSetupScript(""), WithReadTimeout(time.Second))
	ctx := context.Background()

	first, err := r.Acquire(ctx, "s1")
	require.NoError(t, err)
	l.Kernel(0).breakTransport()
	exec := first.Run(ctx, "x = 1")
	require.NotNil(t, exec.Error)
	require.False(t, first.Healthy())

	second, err := r.Acquire(ctx, "s1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, second.Healthy())
	assert.True(t, l.Kernel(0).Closed())
}

func TestAcquireLaunchFailure(t *testing.T) {
	l := &fakeLauncher{err: errors.New("image not found")}
	r := NewRegistry(l)

	_, err := r.Acquire(context.Background(), "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image not found")
	assert.Empty(t, r.IDs())
}

func TestRegistryClose(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(l, WithSetupScript(""))
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := r.Acquire(ctx, id)
		require.NoError(t, err)
	}

	require.NoError(t, r.Close(ctx))
	assert.Empty(t, r.IDs())
	assert.True(t, l.Kernel(0).Closed())
	assert.True(t, l.Kernel(1).Closed())
}

func TestReleaseDuringStartup(t *testing.T) {
	l := &fakeLauncher{delay: 100 * time.Millisecond}
	r := NewRegistry(l, WithSetupScript(""))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, "s1")
		done <- err
	}()

	require.Eventually(t, func() bool { return l.launches.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, r.Release(ctx, "s1"))

	err := <-done
	assert.ErrorIs(t, err, ErrSandboxClosed)
	assert.Empty(t, r.IDs())

	sb, err := r.Acquire(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sb.Healthy())
	assert.Equal(t, []string{"s1"}, r.IDs())
}

func TestReleaseClosesKernelFinishedDuringStartup(t *testing.T) {
	// The launcher ignores cancellation, so the kernel starts anyway and
	// must be closed rather than registered.
	l := &fakeLauncher{}
	gate := make(chan struct{})
	r := NewRegistry(gatedLauncher{l, gate}, WithSetupScript(""))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, "s1")
		done <- err
	}()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.pending["s1"] != nil
	}, time.Second, time.Millisecond)
	require.NoError(t, r.Release(ctx, "s1"))
	close(gate)

	assert.ErrorIs(t, <-done, ErrSandboxClosed)
	assert.Empty(t, r.IDs())
	assert.True(t, l.Kernel(0).Closed())
}

func TestCancelledAcquirerDoesNotFailOthers(t *testing.T) {
	l := &fakeLauncher{delay: 50 * time.Millisecond}
	r := NewRegistry(l, WithSetupScript(""))

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var shortErr, longErr error
	var sb *Sandbox
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, shortErr = r.Acquire(short, "s1")
	}()
	go func() {
		defer wg.Done()
		sb, longErr = r.Acquire(context.Background(), "s1")
	}()
	wg.Wait()

	assert.ErrorIs(t, shortErr, context.DeadlineExceeded)
	require.NoError(t, longErr)
	assert.True(t, sb.Healthy())
	assert.EqualValues(t, 1, l.launches.Load())
}

func TestStartupTimeout(t *testing.T) {
	l := &fakeLauncher{delay: time.Second}
	r := NewRegistry(l, WithSetupScript(""), WithStartupTimeout(20*time.Millisecond))

	_, err := r.Acquire(context.Background(), "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, r.IDs())
}

// gatedLauncher waits for gate regardless of the launch context.
type gatedLauncher struct {
	*fakeLauncher
	gate chan struct{}
}

func (g gatedLauncher) Launch(ctx context.Context, sessionID string) (Kernel, error) {
	<-g.gate
	return g.fakeLauncher.Launch(context.Background(), sessionID)
}
