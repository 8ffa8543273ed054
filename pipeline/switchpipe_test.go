package pipeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(ctx context.Context, tag byte) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ch <- bytes.Repeat([]byte{tag}, 64):
			}
		}
	}()
	return ch
}

func TestSwitchPipeRoutesWholeChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewSwitchPipe()
	out, err := p.Start(ctx, feed(ctx, 'a'))
	require.NoError(t, err)

	// only the loop input before a stream is attached
	for i := 0; i < 10; i++ {
		assert.Equal(t, bytes.Repeat([]byte{'a'}, 64), <-out)
	}

	require.NoError(t, p.AddStream(feed(ctx, 'b')))
	assert.Equal(t, 1, p.Live())

	// a loop chunk already parked on the output may still arrive once
	loopAfterSwitch, live := 0, 0
	for i := 0; i < 50; i++ {
		chunk := <-out
		require.Len(t, chunk, 64)
		tag := chunk[0]
		assert.Equal(t, bytes.Repeat([]byte{tag}, 64), chunk, "chunks must not interleave")
		if tag == 'b' {
			live++
		} else {
			loopAfterSwitch++
		}
	}
	assert.LessOrEqual(t, loopAfterSwitch, 1)
	assert.GreaterOrEqual(t, live, 49)

	p.Switch()
	assert.Equal(t, 0, p.Live())

	p.Stop()
	_, ok := <-out
	assert.False(t, ok)
}

// runs counts the contiguous runs of equal tags
func runs(tags []byte) int {
	n := 0
	for i := range tags {
		if i == 0 || tags[i] != tags[i-1] {
			n++
		}
	}
	return n
}

func TestSwitchPipeSwitchIsContiguous(t *testing.T) {
	for trial := 0; trial < 100; trial++ {
		ctx, cancel := context.WithCancel(context.Background())

		p := NewSwitchPipe()
		out, err := p.Start(ctx, feed(ctx, 'a'))
		require.NoError(t, err)

		var tags []byte
		for i := 0; i < 3; i++ {
			tags = append(tags, (<-out)[0])
		}
		require.NoError(t, p.AddStream(feed(ctx, 'b')))
		for i := 0; i < 20; i++ {
			tags = append(tags, (<-out)[0])
		}

		assert.LessOrEqual(t, runs(tags), 2, "trial %d: %s", trial, tags)
		assert.Equal(t, byte('b'), tags[len(tags)-1])

		p.Stop()
		cancel()
	}
}

func TestSwitchPipeAddStreamRules(t *testing.T) {
	p := NewSwitchPipe()
	assert.ErrorIs(t, p.AddStream(make(chan []byte)), ErrNotRunning)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := p.Start(ctx, make(chan []byte))
	require.NoError(t, err)
	_, err = p.Start(ctx, make(chan []byte))
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, p.AddStream(make(chan []byte)))
	assert.ErrorIs(t, p.AddStream(make(chan []byte)), ErrStreamAttached)

	p.Reset()
	assert.Equal(t, 0, p.Live())

	_, err = p.Start(ctx, make(chan []byte))
	require.NoError(t, err)
	require.NoError(t, p.AddStream(make(chan []byte)))
	p.Stop()
}

func TestSwitchPipeStopWhileBlocked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewSwitchPipe()
	_, err := p.Start(ctx, feed(ctx, 'a'))
	require.NoError(t, err)

	// nobody reads the output so the pump is parked inside route
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a parked pump")
	}
}
