package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCloser struct {
	mu     sync.Mutex
	closed int
}

func (c *countingCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *countingCloser) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestQueue(t *testing.T) (*Queue, *countingCloser) {
	s, _ := startDevice(t, 1, func(_ int, _ Request, dev net.Conn) {
		dev.Write([]byte{byte(Ack)})
	})
	closer := &countingCloser{}
	q := NewQueue("test", s, closer)
	t.Cleanup(func() { q.Close() })
	return q, closer
}

func TestQueueRunsInOrder(t *testing.T) {
	q, _ := newTestQueue(t)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	var seq CommandSequence
	for i := 0; i < 5; i++ {
		i := i
		seq = append(seq, CommandWithCompletion{
			Command: CommandFunc(func(ctx context.Context, s *Session) error {
				_, err := s.ExecuteCommand(ctx, GarbageCollect, 0, 0, 0, 0)
				return err
			}),
			Completion: func(_ Command, err error) {
				assert.NoError(t, err)
				mu.Lock()
				order = append(order, i)
				n := len(order)
				mu.Unlock()
				if n == 5 {
					close(done)
				}
			},
		})
	}
	require.NoError(t, seq.EnqueueTo(q))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for commands")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueueDo(t *testing.T) {
	q, _ := newTestQueue(t)

	boom := errors.New("boom")
	err := q.Do(context.Background(), CommandFunc(func(context.Context, *Session) error { return boom }))
	assert.Same(t, boom, err)

	// a non-terminal error leaves the queue running:
	err = q.Do(context.Background(), CommandFunc(func(context.Context, *Session) error { return nil }))
	assert.NoError(t, err)
}

func TestQueueClose(t *testing.T) {
	q, closer := newTestQueue(t)

	require.NoError(t, q.Close())
	assert.Equal(t, 1, closer.Closed())
	assert.NoError(t, q.Err())

	err := q.Enqueue(CommandWithCompletion{Command: CommandFunc(func(context.Context, *Session) error { return nil })})
	assert.ErrorIs(t, err, ErrQueueClosed)

	// closing twice is harmless:
	require.NoError(t, q.Close())
	assert.Equal(t, 1, closer.Closed())
}

func TestQueueStopsOnTerminalError(t *testing.T) {
	q, closer := newTestQueue(t)

	err := q.Do(context.Background(), CommandFunc(func(context.Context, *Session) error { return io.EOF }))
	assert.ErrorIs(t, err, ErrDeviceDisconnected)
	assert.ErrorIs(t, err, io.EOF)

	<-q.Done()
	assert.Equal(t, 1, closer.Closed())
	assert.ErrorIs(t, q.Err(), ErrDeviceDisconnected)
}

func TestQueueDrain(t *testing.T) {
	q, _ := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Enqueue(CommandWithCompletion{
		Command: CommandFunc(func(context.Context, *Session) error {
			close(started)
			<-release
			return nil
		}),
	}))
	<-started

	require.NoError(t, q.Enqueue(CommandWithCompletion{Command: &DrainQueueCommand{}}))
	drained := make(chan error, 1)
	require.NoError(t, q.Enqueue(CommandWithCompletion{
		Command:    CommandFunc(func(context.Context, *Session) error { return nil }),
		Completion: func(_ Command, err error) { drained <- err },
	}))
	close(release)

	assert.ErrorIs(t, <-drained, ErrCommandDrained)

	// the queue keeps running after a drain:
	assert.NoError(t, q.Do(context.Background(), CommandFunc(func(context.Context, *Session) error { return nil })))
}
