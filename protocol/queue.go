package protocol

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
)

const chanSize = 8

type Command interface {
	Execute(ctx context.Context, s *Session) error
}

// CommandFunc adapts a function to a Command.
type CommandFunc func(ctx context.Context, s *Session) error

func (f CommandFunc) Execute(ctx context.Context, s *Session) error { return f(ctx, s) }

type Completion func(Command, error)

type CommandWithCompletion struct {
	Command    Command
	Completion Completion
}

type CommandSequence []CommandWithCompletion

func (seq CommandSequence) EnqueueTo(q *Queue) (err error) {
	for _, cmd := range seq {
		err = q.Enqueue(cmd)
		if err != nil {
			return
		}
	}
	return
}

// Special Command to close the device connection
type CloseCommand struct{}

func (c *CloseCommand) Execute(ctx context.Context, s *Session) error { return nil }

// Special Command to drain any pending Commands from the queue without executing them
type DrainQueueCommand struct{}

func (c *DrainQueueCommand) Execute(ctx context.Context, s *Session) error { return nil }

// Queue runs commands against a Session one at a time on its own goroutine. A
// terminal error or a CloseCommand stops the queue and closes the connection.
type Queue struct {
	name    string
	session *Session
	closer  io.Closer

	cq   chan CommandWithCompletion
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards stopped; Enqueue sends under the read lock.
	mu      sync.RWMutex
	stopped bool
	err     error
}

// NewQueue starts the queue. closer, if not nil, is closed when the queue stops.
func NewQueue(name string, session *Session, closer io.Closer) *Queue {
	if session == nil {
		panic("session must not be nil")
	}

	q := &Queue{
		name:    name,
		session: session,
		closer:  closer,
		cq:      make(chan CommandWithCompletion, chanSize),
		done:    make(chan struct{}),
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())

	go q.handleQueue()
	return q
}

func (q *Queue) Name() string { return q.name }

// Done is closed once the queue has stopped.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Err returns the error that stopped the queue, if any.
func (q *Queue) Err() error {
	select {
	case <-q.done:
		return q.err
	default:
		return nil
	}
}

func (q *Queue) Enqueue(cmd CommandWithCompletion) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return fmt.Errorf("%s: %w", q.name, ErrQueueClosed)
	}

	select {
	case <-q.done:
		return fmt.Errorf("%s: %w", q.name, ErrQueueClosed)
	case q.cq <- cmd:
		return nil
	}
}

// Do enqueues cmd and waits for it to complete.
func (q *Queue) Do(ctx context.Context, cmd Command) error {
	result := make(chan error, 1)
	err := q.Enqueue(CommandWithCompletion{
		Command:    cmd,
		Completion: func(_ Command, err error) { result <- err },
	})
	if err != nil {
		return err
	}

	select {
	case err = <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue after the commands already enqueued and waits for it to finish.
func (q *Queue) Close() error {
	_ = q.Enqueue(CommandWithCompletion{Command: &CloseCommand{}})
	<-q.done
	return nil
}

func (q *Queue) handleQueue() {
	var err error
	defer func() {
		q.err = err
		q.cancel()
		if q.closer != nil {
			log.Printf("%s: calling Close()\n", q.name)
			if cerr := q.closer.Close(); cerr != nil {
				log.Printf("%s: %v\n", q.name, cerr)
			}
		}

		// release blocked senders, then refuse new ones:
		close(q.done)
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		q.drain(ErrQueueClosed)
	}()

	for pair := range q.cq {
		cmd := pair.Command
		if cmd == nil {
			break
		}

		if _, ok := cmd.(*CloseCommand); ok {
			log.Printf("%s: processing CloseCommand\n", q.name)
			q.complete(pair, nil)
			return
		}
		if _, ok := cmd.(*DrainQueueCommand); ok {
			log.Printf("%s: processing DrainQueueCommand\n", q.name)
			q.drain(ErrCommandDrained)
			q.complete(pair, nil)
			continue
		}

		err = cmd.Execute(q.ctx, q.session)
		// wrap the error if it is a terminal case:
		terminal := false
		if err != nil && IsTerminalError(err) {
			err = &TerminalError{err}
			terminal = true
		}
		q.complete(pair, err)

		if terminal {
			return
		}
		err = nil
	}
}

func (q *Queue) complete(pair CommandWithCompletion, err error) {
	if pair.Completion != nil {
		pair.Completion(pair.Command, err)
	} else if err != nil {
		log.Printf("%s: %v\n", q.name, err)
	}
}

// drain completes every pending command with reason without executing it.
func (q *Queue) drain(reason error) {
	for {
		select {
		case pair := <-q.cq:
			if pair.Command == nil {
				continue
			}
			if pair.Completion != nil {
				pair.Completion(pair.Command, fmt.Errorf("%s: %w", q.name, reason))
			}
		default:
			return
		}
	}
}
