package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgFrame(n int) Frame {
	return Frame{Event: EventMessage, Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, n))}
}

func TestOutbox_PreservesOrderUnderJitter(t *testing.T) {
	o := newOutbox()
	const messages = 50

	// Producers finish at random times but hand frames over in sequence, the
	// way a per-session worker does.
	var turn sync.Mutex
	next := 0
	cond := sync.NewCond(&turn)
	var wg sync.WaitGroup
	for i := range messages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
			turn.Lock()
			for next != i {
				cond.Wait()
			}
			assert.NoError(t, o.Push(msgFrame(i)))
			next++
			cond.Broadcast()
			turn.Unlock()
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range messages {
		f, err := o.Next(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(f.Data))
	}
	wg.Wait()
}

func TestOutbox_NextBlocksUntilPush(t *testing.T) {
	o := newOutbox()
	got := make(chan Frame, 1)
	go func() {
		f, err := o.Next(context.Background())
		if err == nil {
			got <- f
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before a frame was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, o.Push(msgFrame(1)))
	select {
	case f := <-got:
		assert.Equal(t, EventMessage, f.Event)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestOutbox_CloseDeliversOneTerminalFrame(t *testing.T) {
	o := newOutbox()
	require.NoError(t, o.Push(msgFrame(1)))
	require.NoError(t, o.Push(msgFrame(2)))

	o.close(closeFrame(ReasonIdle))
	o.close(closeFrame(ReasonExplicit))

	assert.ErrorIs(t, o.Push(msgFrame(3)), ErrSessionClosed)
	assert.Equal(t, 0, o.Len(), "undelivered frames are dropped")

	f, err := o.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, f.Terminal())
	assert.JSONEq(t, `{"reason":"idle"}`, string(f.Data))

	_, err = o.Next(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestOutbox_CloseUnblocksWaiter(t *testing.T) {
	o := newOutbox()
	done := make(chan Frame, 1)
	go func() {
		f, _ := o.Next(context.Background())
		done <- f
	}()

	time.Sleep(10 * time.Millisecond)
	o.close(closeFrame(ReasonShutdown))

	select {
	case f := <-done:
		assert.Equal(t, EventClose, f.Event)
	case <-time.After(time.Second):
		t.Fatal("blocked Next was not released by close")
	}
}

func TestOutbox_NextHonorsContext(t *testing.T) {
	o := newOutbox()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := o.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
