package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mvallesp/arrowcoach/backend/internal/directive"
	"github.com/mvallesp/arrowcoach/backend/internal/model/chat"
	chatservice "github.com/mvallesp/arrowcoach/backend/internal/service/chat"
	"github.com/mvallesp/arrowcoach/backend/internal/service/quota"
)

// ErrEmptyResponse is reported when the backend finishes without producing
// any text.
var ErrEmptyResponse = errors.New("backend returned no data")

// errorReply is what the user sees when a turn fails; raw errors never
// surface in the transcript.
const errorReply = "Sorry, I couldn't finish that reply. Please try again."

// Delta is one incremental fragment delivered during streaming.
type Delta struct {
	Text      string
	Sources   []chat.Source
	Searching bool
}

// DeltaStream yields deltas in arrival order and io.EOF at the end.
type DeltaStream interface {
	Recv() (Delta, error)
	Close()
}

// Backend is the generation collaborator. History arrives most-recent-last
// and already windowed.
type Backend interface {
	StreamTurn(ctx context.Context, history []chat.Message, userText, image string) (DeltaStream, error)
}

// Flag is the advisory cancellation switch for one turn. Once set, no
// further deltas are applied; an in-flight backend call is not aborted, only
// its remaining effects are discarded.
type Flag struct {
	v atomic.Bool
}

// Set requests cancellation.
func (f *Flag) Set() { f.v.Store(true) }

// IsSet reports whether cancellation was requested.
func (f *Flag) IsSet() bool { return f.v.Load() }

// EventSink observes turn progress. Transports forward these to the client;
// tests record them. Calls arrive strictly in turn order.
type EventSink interface {
	OnStart(placeholder chat.Message)
	OnDelta(text string)
	OnSources(added []chat.Source)
	OnComplete(msg chat.Message)
	OnError(msg chat.Message)
}

// Dispatcher fans parsed directives out to their collaborator sinks. Every
// field is optional; dispatch is fire-and-forget.
type Dispatcher struct {
	RenderChart   func(spec []byte)
	SaveScore     func(record []byte)
	ExercisePlan  func(plan []byte)
	Navigate      func(target string)
	Theme         func(mode string)
	Logout        func()
	GenerateImage func(prompt string)
	Notify        func(text string)
	OrderProduct  func(order []byte)
}

// Dispatch routes one directive to its sink, if attached.
func (d Dispatcher) Dispatch(dir directive.Directive) {
	switch dir.Kind {
	case directive.KindRenderChart:
		if d.RenderChart != nil {
			d.RenderChart(dir.Payload)
		}
	case directive.KindSaveScore:
		if d.SaveScore != nil {
			d.SaveScore(dir.Payload)
		}
	case directive.KindExerciseData:
		if d.ExercisePlan != nil {
			d.ExercisePlan(dir.Payload)
		}
	case directive.KindNavigate:
		if d.Navigate != nil {
			d.Navigate(dir.Target)
		}
	case directive.KindTheme:
		if d.Theme != nil {
			d.Theme(dir.Mode)
		}
	case directive.KindLogout:
		if d.Logout != nil {
			d.Logout()
		}
	case directive.KindGenerateImage:
		if d.GenerateImage != nil {
			d.GenerateImage(dir.Prompt)
		}
	case directive.KindNotify:
		if d.Notify != nil {
			d.Notify(dir.Text)
		}
	case directive.KindOrderProduct:
		if d.OrderProduct != nil {
			d.OrderProduct(dir.Payload)
		}
	}
}

// Request describes one turn.
type Request struct {
	UserKey   string
	SessionID string
	Text      string
	Image     string
}

// Coordinator drives one logical request/response turn: placeholder first,
// strictly sequential delta application, directive extraction and dispatch
// after the full text is assembled.
type Coordinator struct {
	backend      Backend
	chatSvc      *chatservice.Service
	parser       *directive.Parser
	sink         quota.Sink
	logger       *zap.Logger
	historyLimit int
	timeout      time.Duration
}

// NewCoordinator wires the coordinator's collaborators. historyLimit bounds
// the context sent to the backend; timeout bounds the whole backend call.
func NewCoordinator(backend Backend, chatSvc *chatservice.Service, sink quota.Sink, logger *zap.Logger, historyLimit int, timeout time.Duration) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		backend:      backend,
		chatSvc:      chatSvc,
		parser:       directive.NewParser(logger),
		sink:         sink,
		logger:       logger,
		historyLimit: historyLimit,
		timeout:      timeout,
	}
}

// Run executes one turn. The cancel flag is checked before each delta is
// applied; cancellation is a normal terminal state, not an error. Directives
// are dispatched in parser priority order, strictly after the stream ends,
// and the raw command syntax never reaches the stored or emitted content.
func (c *Coordinator) Run(ctx context.Context, req Request, cancel *Flag, events EventSink, disp Dispatcher) error {
	if cancel == nil {
		cancel = &Flag{}
	}

	history, placeholder, err := c.chatSvc.BeginTurn(ctx, req.UserKey, req.SessionID, req.Text, req.Image)
	if err != nil {
		return err
	}
	events.OnStart(placeholder)

	if c.timeout > 0 {
		var cancelCtx context.CancelFunc
		ctx, cancelCtx = context.WithTimeout(ctx, c.timeout)
		defer cancelCtx()
	}

	started := time.Now()
	raw, err := c.consume(ctx, req, history, placeholder.ID, cancel, events)
	if err != nil {
		c.logger.Warn("turn failed",
			zap.String("session", req.SessionID), zap.Error(err))
		failed, failErr := c.chatSvc.FailTurn(ctx, req.UserKey, req.SessionID, placeholder.ID, errorReply)
		if failErr != nil {
			return failErr
		}
		events.OnError(failed)
		return err
	}

	directives, visible := c.parser.Parse(raw)
	msg, err := c.chatSvc.CompleteTurn(ctx, req.UserKey, req.SessionID, placeholder.ID,
		strings.TrimSpace(visible), time.Since(started))
	if err != nil {
		return err
	}
	events.OnComplete(msg)

	for _, dir := range directives {
		disp.Dispatch(dir)
	}

	if c.sink != nil {
		c.sink.ReportUsage(req.UserKey, quota.Estimate(req.Text)+quota.Estimate(raw))
	}
	return nil
}

// consume drains the backend stream, applying deltas one at a time. The
// returned string is the raw accumulated text, command tokens included.
func (c *Coordinator) consume(ctx context.Context, req Request, history []chat.Message, placeholderID string, cancel *Flag, events EventSink) (string, error) {
	stream, err := c.backend.StreamTurn(ctx, c.window(history), req.Text, req.Image)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var raw strings.Builder
	searching := false
	for {
		if cancel.IsSet() {
			return raw.String(), nil
		}

		delta, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}

		if delta.Searching != searching {
			searching = delta.Searching
			if err := c.chatSvc.SetSearching(req.UserKey, req.SessionID, placeholderID, searching); err != nil {
				return "", err
			}
		}
		if delta.Text != "" {
			raw.WriteString(delta.Text)
			if err := c.chatSvc.AppendDelta(req.UserKey, req.SessionID, placeholderID, delta.Text); err != nil {
				return "", err
			}
			events.OnDelta(delta.Text)
		}
		if len(delta.Sources) > 0 {
			added, err := c.chatSvc.MergeSources(req.UserKey, req.SessionID, placeholderID, delta.Sources)
			if err != nil {
				return "", err
			}
			if len(added) > 0 {
				events.OnSources(added)
			}
		}
	}

	if raw.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return raw.String(), nil
}

// window keeps the most recent historyLimit entries; older history is
// dropped, not summarized.
func (c *Coordinator) window(history []chat.Message) []chat.Message {
	if c.historyLimit <= 0 || len(history) <= c.historyLimit {
		return history
	}
	return history[len(history)-c.historyLimit:]
}
