// Package pipeline runs an ordered chain of stages over the frame bus.
//
// A [Task] owns the stage graph of one session. Each stage runs in its own
// goroutine and talks to its neighbours only through bounded channels, so
// frames in one direction are delivered in the order they were produced.
// Cancellation is cooperative: the task stops feeding new input, cancels the
// work context so no stage starts another external call, and waits a bounded
// grace period for frames already in flight.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callflow/pkg/frame"
	"github.com/MrWong99/callflow/pkg/transport"
)

// State is the lifecycle state of a Task.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateCancelling
	StateCancelled
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s == StateCancelled || s == StateCompleted }

// ErrNotRunnable is returned by Run on a task that was already started or
// cancelled.
var ErrNotRunnable = errors.New("pipeline: task is not in created state")

// Stage is one processing step.
//
// Process reads frames from in until it is closed, writes results to out,
// and returns. It must forward frames it does not handle, in order. ctx is
// the work context: once it is cancelled the stage must not start new
// external calls, but it keeps draining in. The task closes out after
// Process returns and discards anything left in in.
type Stage interface {
	Name() string
	Process(ctx context.Context, in <-chan frame.Frame, out chan<- frame.Frame) error
}

// Sink consumes the frames leaving the last stage.
type Sink interface {
	Consume(ctx context.Context, f frame.Frame) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, f frame.Frame) error

// Consume implements Sink.
func (fn SinkFunc) Consume(ctx context.Context, f frame.Frame) error { return fn(ctx, f) }

// Option configures a Task.
type Option func(*Task)

// WithLogger sets the task logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Task) { t.log = l }
}

// WithStateHook registers fn to observe every state transition. fn runs with
// the task lock held and must not call back into the task.
func WithStateHook(fn func(State)) Option {
	return func(t *Task) { t.onState = fn }
}

// Task drives frames through an ordered list of stages.
//
// Task is safe for concurrent use; Run may be called once.
type Task struct {
	params  Params
	stages  []Stage
	log     *slog.Logger
	onState func(State)

	mu         sync.Mutex
	state      State
	workCancel context.CancelFunc
	errs       []error

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

// NewTask creates a task in the created state.
func NewTask(params Params, stages []Stage, opts ...Option) *Task {
	t := &Task{
		params:   params.WithDefaults(),
		stages:   stages,
		log:      slog.Default(),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Params returns the task's configuration snapshot.
func (t *Task) Params() Params { return t.params }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// setState must be called with t.mu held.
func (t *Task) setState(s State) {
	t.state = s
	if t.onState != nil {
		t.onState(s)
	}
	if s.Terminal() {
		close(t.done)
	}
}

// Cancel stops the task. Only the first call has an effect; cancelling a
// task that already finished does nothing.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		switch t.state {
		case StateCreated:
			close(t.cancelCh)
			t.setState(StateCancelled)
		case StateRunning:
			close(t.cancelCh)
			t.setState(StateCancelling)
			t.workCancel()
		}
	})
}

func (t *Task) cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

func (t *Task) fail(stage string, err error) {
	t.mu.Lock()
	t.errs = append(t.errs, fmt.Errorf("%s: %w", stage, err))
	t.mu.Unlock()
	t.log.Error("pipeline: stage failed", "stage", stage, "err", err)
	t.Cancel()
}

// Run starts the stages, feeds frames from src, and delivers the output of
// the last stage to sink. It returns when src is exhausted and every stage
// has finished (completed), or after Cancel once in-flight frames are drained
// or the grace period expires (cancelled). Cancelling ctx cancels the task.
//
// The returned error joins the failures of stages and of the sink; a clean
// cancel returns nil.
func (t *Task) Run(ctx context.Context, src <-chan frame.Frame, sink Sink) error {
	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		return ErrNotRunnable
	}
	workCtx, workCancel := context.WithCancel(ctx)
	t.workCancel = workCancel
	t.setState(StateRunning)
	t.mu.Unlock()
	defer workCancel()

	stop := context.AfterFunc(ctx, t.Cancel)
	defer stop()

	queues := make([]chan frame.Frame, len(t.stages)+1)
	for i := range queues {
		queues[i] = make(chan frame.Frame, t.params.QueueSize)
	}

	var g errgroup.Group
	g.Go(func() error {
		t.pump(src, queues[0])
		return nil
	})
	for i, s := range t.stages {
		in, out := queues[i], queues[i+1]
		g.Go(func() error {
			defer func() {
				for range in {
				}
			}()
			defer close(out)
			if err := s.Process(workCtx, in, out); err != nil && !errors.Is(err, context.Canceled) {
				t.fail(s.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		t.deliver(workCtx, queues[len(queues)-1], sink)
		return nil
	})

	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-t.cancelCh:
		timer := time.NewTimer(t.params.DrainGrace)
		defer timer.Stop()
		select {
		case <-finished:
		case <-timer.C:
			t.log.Warn("pipeline: drain grace expired, abandoning in-flight frames",
				"grace", t.params.DrainGrace)
		}
	}

	t.mu.Lock()
	if t.cancelled() {
		t.setState(StateCancelled)
	} else {
		t.setState(StateCompleted)
	}
	err := errors.Join(t.errs...)
	t.mu.Unlock()
	return err
}

// pump feeds src into the first queue, bracketed by start and end (or
// cancel) control signals.
func (t *Task) pump(src <-chan frame.Frame, q chan<- frame.Frame) {
	defer close(q)
	q <- frame.ControlSignal{Signal: frame.ControlStart}
	for {
		select {
		case <-t.cancelCh:
			q <- frame.ControlSignal{Signal: frame.ControlCancel}
			return
		case f, ok := <-src:
			if !ok {
				q <- frame.ControlSignal{Signal: frame.ControlEnd}
				return
			}
			select {
			case q <- f:
			case <-t.cancelCh:
				q <- frame.ControlSignal{Signal: frame.ControlCancel}
				return
			}
		}
	}
}

// deliver hands output frames to the sink. Once the task is cancelled only
// signals still reach the sink; outbound audio is dropped.
func (t *Task) deliver(ctx context.Context, q <-chan frame.Frame, sink Sink) {
	for f := range q {
		if t.cancelled() {
			switch f.(type) {
			case frame.ControlSignal, frame.TurnSignal:
			default:
				continue
			}
		}
		err := sink.Consume(ctx, f)
		if err == nil {
			continue
		}
		var te *transport.Error
		if errors.As(err, &te) {
			if !t.cancelled() {
				t.fail("sink", err)
			}
			continue
		}
		t.log.Warn("pipeline: sink rejected frame", "kind", f.Kind(), "err", err)
	}
}
