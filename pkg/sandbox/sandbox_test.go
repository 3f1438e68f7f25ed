package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCollectsOutputs(t *testing.T) {
	k := newFakeKernel(func(code, id string) []KernelMessage {
		return []KernelMessage{
			busy(id),
			inputMsg(id, 3),
			streamMsg(id, "stdout", "hello\n"),
			streamMsg(id, "stderr", "careful\n"),
			displayMsg(id, false, map[string]any{"text/plain": "<Figure>", "image/png": "iVBORw0KGgo="}),
			displayMsg(id, true, map[string]any{"text/plain": "42"}),
			idle(id),
		}
	})
	sb := New("s1", k, time.Second)

	var streamed []OutputMessage
	exec := sb.Stream(context.Background(), "print('hello')", Handlers{
		OnStdout: func(m OutputMessage) { streamed = append(streamed, m) },
		OnStderr: func(m OutputMessage) { streamed = append(streamed, m) },
	})

	assert.Nil(t, exec.Error)
	assert.Equal(t, []string{"hello\n"}, exec.Stdout)
	assert.Equal(t, []string{"careful\n"}, exec.Stderr)
	require.NotNil(t, exec.ExecutionCount)
	assert.Equal(t, 3, *exec.ExecutionCount)

	require.Len(t, exec.Results, 2)
	assert.False(t, exec.Results[0].IsMainResult)
	assert.Equal(t, []Format{FormatText, FormatPNG}, exec.Results[0].Formats())
	main, ok := exec.MainResult()
	require.True(t, ok)
	text, _ := main.Text()
	assert.Equal(t, "42", text)

	require.Len(t, streamed, 2)
	assert.False(t, streamed[0].Error)
	assert.True(t, streamed[1].Error)
	assert.Equal(t, []string{"print('hello')"}, k.Executed())
}

func TestRunKeepsFirstError(t *testing.T) {
	k := newFakeKernel(func(code, id string) []KernelMessage {
		return []KernelMessage{
			errorMsg(id, "ZeroDivisionError", "division by zero"),
			errorMsg(id, "ValueError", "later"),
			idle(id),
		}
	})
	exec := New("s1", k, time.Second).Run(context.Background(), "1/0")

	require.NotNil(t, exec.Error)
	assert.Equal(t, "ZeroDivisionError", exec.Error.Name)
	assert.Equal(t, "division by zero", exec.Error.Value)
	assert.Len(t, exec.Error.Traceback, 2)
}

func TestRunTimeoutKeepsPartialOutput(t *testing.T) {
	k := newFakeKernel(func(code, id string) []KernelMessage {
		// Never reports idle.
		return []KernelMessage{streamMsg(id, "stdout", "partial\n")}
	})
	sb := New("s1", k, 50*time.Millisecond)

	exec := sb.Run(context.Background(), "import time; time.sleep(60)")

	require.NotNil(t, exec.Error)
	assert.Equal(t, ErrNameTimeout, exec.Error.Name)
	assert.Empty(t, exec.Error.Traceback)
	assert.Equal(t, []string{"partial\n"}, exec.Stdout)
	assert.Len(t, k.Executed(), 1, "code must be submitted exactly once")
	assert.Equal(t, 1, k.Interrupts())
	assert.True(t, sb.Healthy(), "a timeout leaves the transport usable")
}

func TestRunTransportErrorMarksUnhealthy(t *testing.T) {
	k := newFakeKernel(func(code, id string) []KernelMessage {
		return []KernelMessage{streamMsg(id, "stdout", "before\n")}
	})
	sb := New("s1", k, time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		k.breakTransport()
	}()
	exec := sb.Run(context.Background(), "x = 1")

	require.NotNil(t, exec.Error)
	assert.Equal(t, ErrNameTransport, exec.Error.Name)
	assert.Equal(t, []string{"before\n"}, exec.Stdout)
	assert.False(t, sb.Healthy())
}

func TestRunSubmitFailure(t *testing.T) {
	k := newFakeKernel(nil)
	k.executeErr = errors.New("connection refused")
	sb := New("s1", k, time.Second)

	exec := sb.Run(context.Background(), "x = 1")

	require.NotNil(t, exec.Error)
	assert.Equal(t, ErrNameTransport, exec.Error.Name)
	assert.Contains(t, exec.Error.Value, "connection refused")
	assert.False(t, sb.Healthy())
}

func TestRunIgnoresMessagesForOtherRequests(t *testing.T) {
	k := newFakeKernel(func(code, id string) []KernelMessage {
		return []KernelMessage{
			streamMsg("stale", "stdout", "old output\n"),
			idle("stale"),
			streamMsg(id, "stdout", "new output\n"),
			idle(id),
		}
	})
	exec := New("s1", k, time.Second).Run(context.Background(), "print('new output')")

	assert.Nil(t, exec.Error)
	assert.Equal(t, []string{"new output\n"}, exec.Stdout)
}

func TestRunCancelled(t *testing.T) {
	k := newFakeKernel(func(code, id string) []KernelMessage { return nil })
	sb := New("s1", k, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	exec := sb.Run(ctx, "while True: pass")

	require.NotNil(t, exec.Error)
	assert.Equal(t, ErrNameCancelled, exec.Error.Name)
	assert.Equal(t, 1, k.Interrupts())
	assert.True(t, sb.Healthy())
}

func TestRunAfterClose(t *testing.T) {
	k := newFakeKernel(nil)
	sb := New("s1", k, time.Second)
	require.NoError(t, sb.Close(context.Background()))
	require.NoError(t, sb.Close(context.Background()), "close is idempotent")

	exec := sb.Run(context.Background(), "x = 1")

	require.NotNil(t, exec.Error)
	assert.Equal(t, ErrNameTransport, exec.Error.Name)
	assert.Empty(t, k.Executed())
	assert.True(t, k.Closed())
}
