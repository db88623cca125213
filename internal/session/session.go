package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callflow/internal/convo"
	"github.com/MrWong99/callflow/internal/dialogue"
	"github.com/MrWong99/callflow/internal/pipeline"
	"github.com/MrWong99/callflow/internal/speech"
	"github.com/MrWong99/callflow/internal/transcribe"
	"github.com/MrWong99/callflow/internal/turn"
	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/frame"
	"github.com/MrWong99/callflow/pkg/provider/vad"
	"github.com/MrWong99/callflow/pkg/transport"
)

// Session is one call. It owns exactly one Context and at most one Task,
// both created when the transport reports connected.
type Session struct {
	id   string
	ctrl *Controller
	args transport.TelephonyArgs
	conn transport.Conn
	log  *slog.Logger

	// out converts TTS audio to the connection format. Only the task's
	// delivery goroutine uses it.
	out audio.Converter

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	state   State
	history *convo.Context
	task    *pipeline.Task
	err     error
}

func newSession(c *Controller, a transport.TelephonyArgs) *Session {
	id := newID()
	return &Session{
		id:   id,
		ctrl: c,
		args: a,
		conn: a.Conn,
		log: c.log.With("session_id", id,
			"carrier", a.Carrier, "call_id", a.CallID, "stream_id", a.StreamID),
		out:  audio.Converter{Target: a.Conn.Format()},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CallID returns the carrier call identifier, if known.
func (s *Session) CallID() string { return s.args.CallID }

// State returns the lifecycle state. A session is ended as soon as the caller
// disconnects; Done reports when the pipeline has drained and the connection
// is released.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has ended and released its connection.
func (s *Session) Done() <-chan struct{} { return s.done }

// Context returns the conversation history, or nil before the transport
// connected.
func (s *Session) Context() *convo.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history
}

// Err returns the failure that ended the session, or nil for a clean end.
// It is only meaningful after Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Hangup ends the session from our side. The carrier call is hung up when a
// hang-up hook is configured.
func (s *Session) Hangup() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	s.log.Info("session: waiting for media")

	events := s.conn.Events()
	for connected := false; !connected; {
		select {
		case <-ctx.Done():
			s.finish(ctx, nil, false)
			return
		case <-s.stop:
			s.finish(ctx, nil, false)
			return
		case ev, ok := <-events:
			if !ok || ev.Type == transport.Disconnected {
				s.emit(Event{Type: EventClientDisconnected, Err: ev.Err})
				s.finish(ctx, nil, true)
				return
			}
			connected = true
		}
	}

	s.emit(Event{Type: EventClientConnected})
	task, vs, err := s.build()
	if err != nil {
		s.emit(Event{Type: EventError, Stage: "session", Err: err})
		s.finish(ctx, err, false)
		return
	}
	defer func() {
		if err := vs.Close(); err != nil {
			s.log.Warn("session: close vad session", "err", err)
		}
	}()
	s.setState(StateActive)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	params := task.Params()
	src := make(chan frame.Frame, params.QueueSize)
	go s.forward(runCtx, params.InSampleRate, src)

	result := make(chan error, 1)
	go func() { result <- task.Run(runCtx, src, pipeline.SinkFunc(s.consume)) }()

	remote := false
	stop := s.stop
	for {
		select {
		case ev, ok := <-events:
			if ok && ev.Type == transport.Connected {
				continue
			}
			events = nil
			remote = true
			s.setState(StateEnded)
			s.emit(Event{Type: EventClientDisconnected, Err: ev.Err})
			task.Cancel()
		case <-stop:
			stop = nil
			s.log.Info("session: hang-up requested")
			task.Cancel()
		case err := <-result:
			if errors.Is(err, pipeline.ErrNotRunnable) && task.State() == pipeline.StateCancelled {
				// Cancelled before Run got going: nothing ran, nothing failed.
				err = nil
			}
			s.finish(ctx, err, remote)
			return
		}
	}
}

// build creates the conversation and the stage chain.
func (s *Session) build() (*pipeline.Task, vad.SessionHandle, error) {
	c := s.ctrl
	cfg := c.cfg
	params := cfg.Params.WithDefaults()

	vcfg := cfg.VAD
	vcfg.SampleRate = params.InSampleRate
	if vcfg.FrameSizeMs <= 0 {
		vcfg.FrameSizeMs = 20
	}
	vs, err := c.providers.VAD.NewSession(vcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("session: new vad session: %w", err)
	}

	var classifier turn.Classifier
	if cfg.SmartTurn {
		classifier = turn.NewPauseClassifier(params.InSampleRate)
	}
	tcfg := cfg.Turn
	tcfg.SampleRate = params.InSampleRate

	rep := pipeline.NewReporter(c.metrics, params)
	history := convo.NewContext(cfg.SystemPrompt)
	pair := convo.NewPair(history, s.log)

	stages := []pipeline.Stage{
		turn.NewStage(turn.NewDetector(vs, classifier, tcfg), rep, s.log),
		transcribe.New(transcribe.Config{
			Provider:        c.providers.STT,
			SampleRate:      params.InSampleRate,
			Language:        cfg.STTLanguage,
			DefaultLanguage: params.DefaultLanguage,
			PreRoll:         cfg.PreRoll,
			Timeout:         cfg.STTTimeout,
			Retry:           cfg.STTRetry,
			Metrics:         rep,
			Logger:          s.log,
		}),
		pair.User(),
		dialogue.New(dialogue.Config{
			Provider:         c.providers.LLM,
			Temperature:      cfg.Temperature,
			MaxTokens:        cfg.MaxTokens,
			MaxContextTokens: cfg.MaxContextTokens,
			Retry:            cfg.LLMRetry,
			Metrics:          rep,
			Logger:           s.log,
		}),
		pair.Assistant(),
		speech.New(speech.Config{
			Provider:        c.providers.TTS,
			Voice:           cfg.Voice,
			Voices:          cfg.Voices,
			DefaultLanguage: params.DefaultLanguage,
			OutSampleRate:   params.OutSampleRate,
			Metrics:         rep,
			Logger:          s.log,
		}),
	}
	task := pipeline.NewTask(params, stages,
		pipeline.WithLogger(s.log),
		pipeline.WithStateHook(func(st pipeline.State) {
			s.log.Debug("session: task state", "state", st)
		}),
	)

	s.mu.Lock()
	s.history = history
	s.task = task
	s.mu.Unlock()
	return task, vs, nil
}

// forward turns inbound PCM into audio frames at the pipeline input rate.
// The source is closed when inbound ends or ctx is done.
func (s *Session) forward(ctx context.Context, rate int, src chan<- frame.Frame) {
	defer close(src)
	in := audio.Converter{Target: audio.Format{SampleRate: rate, Channels: 1}}
	srcFormat := s.conn.Format()
	var ts time.Duration
	inbound := s.conn.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-inbound:
			if !ok {
				return
			}
			pcm = in.Convert(pcm, srcFormat)
			if len(pcm) == 0 {
				continue
			}
			chunk := frame.AudioChunk{PCM: pcm, SampleRate: rate, Timestamp: ts}
			ts += in.Target.Duration(pcm)
			select {
			case src <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}
}

// consume is the task sink: audio goes to the caller, signals become events.
func (s *Session) consume(ctx context.Context, f frame.Frame) error {
	switch v := f.(type) {
	case frame.AudioChunk:
		pcm := s.out.Convert(v.PCM, audio.Format{SampleRate: v.SampleRate, Channels: 1})
		if len(pcm) == 0 {
			return nil
		}
		return s.conn.Send(ctx, pcm)
	case frame.TurnSignal:
		typ := EventTurnStarted
		if v.Event == frame.SpeechEnded {
			typ = EventTurnEnded
		}
		s.emit(Event{Type: typ, TurnID: v.TurnID, Synthetic: v.Synthetic})
	case frame.ControlSignal:
		if v.Signal == frame.ControlError {
			s.emit(Event{Type: EventError, Stage: v.Stage, Err: v.Err})
		}
	case frame.TranscriptText:
		if v.IsFinal {
			s.log.Debug("session: caller said", "turn_id", v.TurnID, "language", v.Language, "text", v.Text)
		}
	case frame.LLMTextDelta:
		if v.IsFinal {
			s.log.Debug("session: reply finished", "reply_id", v.ReplyID, "aborted", v.Aborted)
		}
	}
	return nil
}

// finish records the outcome and releases the connection. Calls ended from
// our side are also hung up at the carrier.
func (s *Session) finish(ctx context.Context, err error, remote bool) {
	s.mu.Lock()
	s.state = StateEnded
	s.err = err
	s.mu.Unlock()

	if !remote && s.ctrl.hangUp != nil {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ctrl.hangUpTimeout)
		if herr := s.ctrl.hangUp(hctx, s.args); herr != nil {
			s.log.Warn("session: hang-up failed", "err", herr)
		}
		cancel()
	}
	if cerr := s.conn.Close(); cerr != nil {
		s.log.Warn("session: close connection", "err", cerr)
	}
	if err != nil {
		s.log.Error("session: ended with error", "err", err)
		return
	}
	s.log.Info("session: ended")
}

func (s *Session) emit(ev Event) {
	ev.SessionID = s.id
	ev.Time = time.Now()
	switch ev.Type {
	case EventError:
		s.log.Warn("session: stage error", "stage", ev.Stage, "err", ev.Err)
	case EventClientConnected, EventClientDisconnected:
		s.log.Info("session: "+ev.Type.String(), "err", ev.Err)
	default:
		s.log.Debug("session: "+ev.Type.String(), "turn_id", ev.TurnID, "synthetic", ev.Synthetic)
	}
	if s.ctrl.onEvent != nil {
		s.ctrl.onEvent(ev)
	}
}
