package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mvallesp/arrowcoach/backend/internal/model/chat"
	chatservice "github.com/mvallesp/arrowcoach/backend/internal/service/chat"
	"github.com/mvallesp/arrowcoach/backend/internal/service/session"
)

type fakeStream struct {
	deltas []Delta
	err    error // returned after the deltas instead of io.EOF
	i      int
	onRecv func(i int)
}

func (s *fakeStream) Recv() (Delta, error) {
	if s.onRecv != nil {
		s.onRecv(s.i)
	}
	if s.i < len(s.deltas) {
		d := s.deltas[s.i]
		s.i++
		return d, nil
	}
	if s.err != nil {
		return Delta{}, s.err
	}
	return Delta{}, io.EOF
}

func (s *fakeStream) Close() {}

type fakeBackend struct {
	stream  *fakeStream
	err     error
	history []chat.Message
	text    string
}

func (b *fakeBackend) StreamTurn(_ context.Context, history []chat.Message, userText, _ string) (DeltaStream, error) {
	b.history = history
	b.text = userText
	if b.err != nil {
		return nil, b.err
	}
	return b.stream, nil
}

type recordingSink struct {
	starts    []chat.Message
	deltas    []string
	sources   [][]chat.Source
	completes []chat.Message
	errors    []chat.Message
}

func (s *recordingSink) OnStart(m chat.Message) { s.starts = append(s.starts, m) }

func (s *recordingSink) OnDelta(text string) { s.deltas = append(s.deltas, text) }

func (s *recordingSink) OnSources(a []chat.Source) { s.sources = append(s.sources, a) }

func (s *recordingSink) OnComplete(m chat.Message) { s.completes = append(s.completes, m) }

func (s *recordingSink) OnError(m chat.Message) { s.errors = append(s.errors, m) }

type recordingQuota struct {
	mu     sync.Mutex
	tokens int
}

func (q *recordingQuota) ReportUsage(_ string, tokens int) {
	q.mu.Lock()
	q.tokens += tokens
	q.mu.Unlock()
}

func newFixture(t *testing.T, backend Backend) (*Coordinator, *chatservice.Service, string, *recordingQuota) {
	t.Helper()
	chatSvc := chatservice.NewService(session.NewMemoryStore(), nil)
	sess, err := chatSvc.CreateSession(context.Background(), "alice", "", "")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	sink := &recordingQuota{}
	coord := NewCoordinator(backend, chatSvc, sink, nil, 30, time.Minute)
	return coord, chatSvc, sess.ID, sink
}

func request(sessionID, text string) Request {
	return Request{UserKey: "alice", SessionID: sessionID, Text: text}
}

func lastMessage(t *testing.T, chatSvc *chatservice.Service, sessionID string) chat.Message {
	t.Helper()
	sess, err := chatSvc.GetSession(context.Background(), "alice", sessionID)
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}
	if len(sess.Messages) == 0 {
		t.Fatal("session has no messages")
	}
	return sess.Messages[len(sess.Messages)-1]
}

func TestRunAppliesDeltasInOrder(t *testing.T) {
	backend := &fakeBackend{stream: &fakeStream{deltas: []Delta{
		{Text: "A"}, {Text: "B"}, {Text: "C"},
	}}}
	coord, chatSvc, sessionID, _ := newFixture(t, backend)
	sink := &recordingSink{}

	if err := coord.Run(context.Background(), request(sessionID, "hello"), nil, sink, Dispatcher{}); err != nil {
		t.Fatalf("Run err: %v", err)
	}

	if got := strings.Join(sink.deltas, ""); got != "ABC" {
		t.Fatalf("deltas out of order: %q", got)
	}
	final := lastMessage(t, chatSvc, sessionID)
	if final.Content != "ABC" || final.IsTyping {
		t.Fatalf("unexpected final message: %+v", final)
	}
	if len(sink.starts) != 1 || !sink.starts[0].IsTyping {
		t.Fatalf("expected one typing placeholder start, got %+v", sink.starts)
	}
}

func TestRunDeduplicatesSources(t *testing.T) {
	backend := &fakeBackend{stream: &fakeStream{deltas: []Delta{
		{Text: "a", Sources: []chat.Source{{Title: "one", URL: "x"}}},
		{Text: "b", Sources: []chat.Source{{Title: "dup", URL: "x"}}},
		{Text: "c", Sources: []chat.Source{{Title: "two", URL: "y"}}},
	}}}
	coord, chatSvc, sessionID, _ := newFixture(t, backend)

	if err := coord.Run(context.Background(), request(sessionID, "hi"), nil, &recordingSink{}, Dispatcher{}); err != nil {
		t.Fatalf("Run err: %v", err)
	}

	final := lastMessage(t, chatSvc, sessionID)
	if len(final.Sources) != 2 {
		t.Fatalf("expected 2 de-duplicated sources, got %+v", final.Sources)
	}
	if final.Sources[0].URL != "x" || final.Sources[1].URL != "y" {
		t.Fatalf("unexpected source order: %+v", final.Sources)
	}
}

func TestRunStripsDirectivesAndDispatches(t *testing.T) {
	backend := &fakeBackend{stream: &fakeStream{deltas: []Delta{
		{Text: "Sure! [SYSTEM_COMMAND:"},
		{Text: "THEME_DARK] Done."},
	}}}
	coord, chatSvc, sessionID, _ := newFixture(t, backend)

	var themes []string
	disp := Dispatcher{Theme: func(mode string) { themes = append(themes, mode) }}

	if err := coord.Run(context.Background(), request(sessionID, "dark mode please"), nil, &recordingSink{}, disp); err != nil {
		t.Fatalf("Run err: %v", err)
	}

	final := lastMessage(t, chatSvc, sessionID)
	if strings.Contains(final.Content, "SYSTEM_COMMAND") {
		t.Fatalf("directive token reached stored content: %q", final.Content)
	}
	if len(themes) != 1 || themes[0] != "dark" {
		t.Fatalf("expected one dark theme dispatch, got %v", themes)
	}
}

func TestRunDispatchesInPriorityOrder(t *testing.T) {
	backend := &fakeBackend{stream: &fakeStream{deltas: []Delta{
		{Text: "bye [SYSTEM_COMMAND:NOTIFY:logging you out][SYSTEM_COMMAND:LOGOUT]"},
	}}}
	coord, _, sessionID, _ := newFixture(t, backend)

	var order []string
	disp := Dispatcher{
		Logout: func() { order = append(order, "logout") },
		Notify: func(string) { order = append(order, "notify") },
	}

	if err := coord.Run(context.Background(), request(sessionID, "log me out"), nil, &recordingSink{}, disp); err != nil {
		t.Fatalf("Run err: %v", err)
	}
	// Logout outranks notify regardless of position in the text.
	if len(order) != 2 || order[0] != "logout" || order[1] != "notify" {
		t.Fatalf("unexpected dispatch order: %v", order)
	}
}

func TestRunMalformedDirectiveDoesNotFailTurn(t *testing.T) {
	backend := &fakeBackend{stream: &fakeStream{deltas: []Delta{
		{Text: "Saved! [SYSTEM_COMMAND:SAVE_SCORE:!!{bad json!!]"},
	}}}
	coord, chatSvc, sessionID, _ := newFixture(t, backend)

	scores := 0
	disp := Dispatcher{SaveScore: func([]byte) { scores++ }}

	if err := coord.Run(context.Background(), request(sessionID, "score it"), nil, &recordingSink{}, disp); err != nil {
		t.Fatalf("Run err: %v", err)
	}
	if scores != 0 {
		t.Fatalf("malformed score dispatched %d times", scores)
	}
	final := lastMessage(t, chatSvc, sessionID)
	if strings.Contains(final.Content, "SYSTEM_COMMAND") {
		t.Fatalf("malformed token reached content: %q", final.Content)
	}
	if !strings.Contains(final.Content, "Saved!") {
		t.Fatalf("surrounding text lost: %q", final.Content)
	}
}

func TestRunBackendFailureYieldsErrorMessage(t *testing.T) {
	backend := &fakeBackend{err: errors.New("vendor unreachable")}
	coord, chatSvc, sessionID, _ := newFixture(t, backend)
	sink := &recordingSink{}

	if err := coord.Run(context.Background(), request(sessionID, "hi"), nil, sink, Dispatcher{}); err == nil {
		t.Fatal("expected error")
	}

	final := lastMessage(t, chatSvc, sessionID)
	if final.IsTyping {
		t.Fatal("message left typing after failure")
	}
	if strings.Contains(final.Content, "vendor unreachable") {
		t.Fatalf("raw error leaked to the user: %q", final.Content)
	}
	if len(sink.errors) != 1 {
		t.Fatalf("expected one error event, got %d", len(sink.errors))
	}
}

func TestRunEmptyResponseFailsTurn(t *testing.T) {
	backend := &fakeBackend{stream: &fakeStream{}}
	coord, chatSvc, sessionID, _ := newFixture(t, backend)

	err := coord.Run(context.Background(), request(sessionID, "hi"), nil, &recordingSink{}, Dispatcher{})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if final := lastMessage(t, chatSvc, sessionID); final.IsTyping {
		t.Fatal("message left typing after empty response")
	}
}

func TestRunCancellationStopsApplying(t *testing.T) {
	cancel := &Flag{}
	stream := &fakeStream{deltas: []Delta{{Text: "A"}, {Text: "B"}, {Text: "C"}}}
	// Request cancellation while the second delta is being delivered: C must
	// never be applied.
	stream.onRecv = func(i int) {
		if i == 1 {
			cancel.Set()
		}
	}
	backend := &fakeBackend{stream: stream}
	coord, chatSvc, sessionID, _ := newFixture(t, backend)
	sink := &recordingSink{}

	if err := coord.Run(context.Background(), request(sessionID, "hi"), cancel, sink, Dispatcher{}); err != nil {
		t.Fatalf("Run err: %v", err)
	}

	final := lastMessage(t, chatSvc, sessionID)
	if final.Content != "AB" {
		t.Fatalf("expected content %q, got %q", "AB", final.Content)
	}
	if final.IsTyping {
		t.Fatal("cancelled turn left the message typing")
	}
	if len(sink.completes) != 1 {
		t.Fatalf("cancellation is terminal but not an error; got %d completes", len(sink.completes))
	}
}

func TestRunReportsTokenUsage(t *testing.T) {
	backend := &fakeBackend{stream: &fakeStream{deltas: []Delta{{Text: "12345678"}}}}
	coord, _, sessionID, sink := newFixture(t, backend)

	if err := coord.Run(context.Background(), request(sessionID, "abcd"), nil, &recordingSink{}, Dispatcher{}); err != nil {
		t.Fatalf("Run err: %v", err)
	}

	// ceil(4/4) + ceil(8/4)
	if sink.tokens != 3 {
		t.Fatalf("expected 3 tokens reported, got %d", sink.tokens)
	}
}

func TestRunWindowsHistory(t *testing.T) {
	backend := &fakeBackend{stream: &fakeStream{deltas: []Delta{{Text: "ok"}}}}
	chatSvc := chatservice.NewService(session.NewMemoryStore(), nil)
	sess, err := chatSvc.CreateSession(context.Background(), "alice", "", "")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	coord := NewCoordinator(backend, chatSvc, nil, nil, 2, time.Minute)

	for i := 0; i < 3; i++ {
		backend.stream = &fakeStream{deltas: []Delta{{Text: "ok"}}}
		if err := coord.Run(context.Background(), request(sess.ID, "again"), nil, &recordingSink{}, Dispatcher{}); err != nil {
			t.Fatalf("Run %d err: %v", i, err)
		}
	}

	// Third turn had 4 prior messages; only the most recent 2 may reach the
	// backend.
	if len(backend.history) != 2 {
		t.Fatalf("expected windowed history of 2, got %d", len(backend.history))
	}
}

func TestRunRejectsConcurrentTurn(t *testing.T) {
	backend := &fakeBackend{stream: &fakeStream{deltas: []Delta{{Text: "ok"}}}}
	coord, chatSvc, sessionID, _ := newFixture(t, backend)

	if _, _, err := chatSvc.BeginTurn(context.Background(), "alice", sessionID, "occupying", ""); err != nil {
		t.Fatalf("BeginTurn err: %v", err)
	}
	err := coord.Run(context.Background(), request(sessionID, "second"), nil, &recordingSink{}, Dispatcher{})
	if !errors.Is(err, chatservice.ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
}
