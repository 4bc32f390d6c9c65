package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mvallesp/arrowcoach/backend/internal/model/chat"
	"github.com/mvallesp/arrowcoach/backend/internal/service/session"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrTurnInFlight    = errors.New("a turn is already in flight for this session")
	ErrNoUserTurn      = errors.New("no user message to regenerate from")
)

const titleLimit = 40

// Service owns the per-user session lists and applies every mutation under a
// single lock, so the message list has exactly one writer at a time. It
// persists to the backing store only while no turn is in flight, which keeps
// partial-turn state out of the store.
type Service struct {
	mu     sync.Mutex
	store  session.Store
	logger *zap.Logger
	users  map[string]*userState
}

type userState struct {
	loaded   bool
	sessions []chat.Session
	inFlight map[string]bool
}

// NewService wraps the given store. A nil logger falls back to a no-op.
func NewService(store session.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		users:  make(map[string]*userState),
	}
}

// Sessions returns a deep copy of the user's session list, loading it from
// the store on first touch. The copy shares no arrays with the live state;
// a streaming turn may keep mutating its placeholder after the lock is
// released, so handlers must never see the live Messages slice.
func (s *Service) Sessions(ctx context.Context, userKey string) ([]chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stateFor(ctx, userKey)
	if err != nil {
		return nil, err
	}
	return chat.CloneSessions(st.sessions), nil
}

// GetSession returns a deep copy of one session by ID.
func (s *Service) GetSession(ctx context.Context, userKey, sessionID string) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stateFor(ctx, userKey)
	if err != nil {
		return chat.Session{}, err
	}
	sess := findSession(st, sessionID)
	if sess == nil {
		return chat.Session{}, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// CreateSession provisions an empty conversation for the user.
func (s *Service) CreateSession(ctx context.Context, userKey, title string, typ chat.SessionType) (chat.Session, error) {
	if title == "" {
		title = "New conversation"
	}
	if typ == "" {
		typ = chat.SessionChat
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stateFor(ctx, userKey)
	if err != nil {
		return chat.Session{}, err
	}

	sess := chat.Session{
		ID:    uuid.NewString(),
		Title: title,
		Date:  time.Now().UTC(),
		Type:  typ,
	}
	st.sessions = append(st.sessions, sess)
	if err := s.persistLocked(ctx, userKey, st); err != nil {
		return chat.Session{}, err
	}
	return sess, nil
}

// DeleteSession removes a session. Destructive and non-recoverable; any
// undo confirmation lives in the UI.
func (s *Service) DeleteSession(ctx context.Context, userKey, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stateFor(ctx, userKey)
	if err != nil {
		return err
	}
	if st.inFlight[sessionID] {
		return ErrTurnInFlight
	}
	for i := range st.sessions {
		if st.sessions[i].ID == sessionID {
			st.sessions = append(st.sessions[:i], st.sessions[i+1:]...)
			return s.persistLocked(ctx, userKey, st)
		}
	}
	return ErrSessionNotFound
}

// SetPinned toggles the sidebar pin.
func (s *Service) SetPinned(ctx context.Context, userKey, sessionID string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, sess, err := s.sessionFor(ctx, userKey, sessionID)
	if err != nil {
		return err
	}
	sess.IsPinned = pinned
	return s.persistLocked(ctx, userKey, st)
}

// RenameSession sets a new title.
func (s *Service) RenameSession(ctx context.Context, userKey, sessionID, title string) error {
	if strings.TrimSpace(title) == "" {
		return errors.New("title must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, sess, err := s.sessionFor(ctx, userKey, sessionID)
	if err != nil {
		return err
	}
	sess.Title = strings.TrimSpace(title)
	return s.persistLocked(ctx, userKey, st)
}

// ClearMessages empties a session's history. Destructive.
func (s *Service) ClearMessages(ctx context.Context, userKey, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, sess, err := s.sessionFor(ctx, userKey, sessionID)
	if err != nil {
		return err
	}
	if st.inFlight[sessionID] {
		return ErrTurnInFlight
	}
	sess.Messages = nil
	sess.RefreshPreview()
	return s.persistLocked(ctx, userKey, st)
}

// Feedback toggles like/dislike on a completed model message: setting the
// same kind again clears it. Returns the resulting value.
func (s *Service) Feedback(ctx context.Context, userKey, sessionID, messageID string, kind chat.Feedback) (chat.Feedback, error) {
	if kind != chat.FeedbackLike && kind != chat.FeedbackDislike {
		return "", errors.New("feedback must be like or dislike")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, sess, err := s.sessionFor(ctx, userKey, sessionID)
	if err != nil {
		return "", err
	}
	for i := range sess.Messages {
		msg := &sess.Messages[i]
		if msg.ID != messageID {
			continue
		}
		if msg.Feedback == kind {
			msg.Feedback = ""
		} else {
			msg.Feedback = kind
		}
		return msg.Feedback, s.persistLocked(ctx, userKey, st)
	}
	return "", ErrMessageNotFound
}

// PrepareEdit truncates the session to everything before the edited message.
// The caller then issues a fresh turn carrying the new content, which
// re-creates the message with a fresh timestamp. Messages after the edited
// one are discarded; there is no conversation branching.
func (s *Service) PrepareEdit(ctx context.Context, userKey, sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, sess, err := s.sessionFor(ctx, userKey, sessionID)
	if err != nil {
		return err
	}
	if st.inFlight[sessionID] {
		return ErrTurnInFlight
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			sess.Messages = sess.Messages[:i]
			sess.RefreshPreview()
			return nil
		}
	}
	return ErrMessageNotFound
}

// PrepareRegenerate removes the most recent user message and everything
// after it, returning that message so the caller can re-issue the turn with
// identical input. The returned message may be a synthesized image request;
// callers distinguish it via IsImageRequest.
func (s *Service) PrepareRegenerate(ctx context.Context, userKey, sessionID string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, sess, err := s.sessionFor(ctx, userKey, sessionID)
	if err != nil {
		return chat.Message{}, err
	}
	if st.inFlight[sessionID] {
		return chat.Message{}, ErrTurnInFlight
	}
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Role == chat.RoleUser {
			msg := sess.Messages[i].Clone()
			sess.Messages = sess.Messages[:i]
			sess.RefreshPreview()
			return msg, nil
		}
	}
	return chat.Message{}, ErrNoUserTurn
}

// BeginTurn appends the user message and the typing placeholder, marks the
// session's turn in flight, and returns the prior history (everything before
// the new user message) plus the placeholder. At most one message is typing
// per session, enforced here.
func (s *Service) BeginTurn(ctx context.Context, userKey, sessionID, userText, image string) ([]chat.Message, chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, sess, err := s.sessionFor(ctx, userKey, sessionID)
	if err != nil {
		return nil, chat.Message{}, err
	}
	if st.inFlight[sessionID] {
		return nil, chat.Message{}, ErrTurnInFlight
	}

	history := make([]chat.Message, len(sess.Messages))
	for i := range sess.Messages {
		history[i] = sess.Messages[i].Clone()
	}

	now := time.Now().UTC()
	userMsg := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleUser,
		Content:   userText,
		Image:     image,
		Timestamp: now,
	}
	placeholder := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleModel,
		Timestamp: now,
		IsTyping:  true,
	}
	sess.Messages = append(sess.Messages, userMsg, placeholder)

	if len(history) == 0 {
		sess.Title = deriveTitle(userText)
	}
	sess.Date = now
	sess.RefreshPreview()
	st.inFlight[sessionID] = true

	return history, placeholder, nil
}

// AppendDelta concatenates streamed text onto the typing placeholder.
func (s *Service) AppendDelta(userKey, sessionID, messageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.typingMessage(userKey, sessionID, messageID)
	if err != nil {
		return err
	}
	msg.Content += text
	return nil
}

// SetSearching flags the typing placeholder as running a search.
func (s *Service) SetSearching(userKey, sessionID, messageID string, searching bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.typingMessage(userKey, sessionID, messageID)
	if err != nil {
		return err
	}
	msg.IsSearching = searching
	return nil
}

// MergeSources attaches citations to the typing placeholder, de-duplicated
// by URL. Returns only the sources that were new.
func (s *Service) MergeSources(userKey, sessionID, messageID string, sources []chat.Source) ([]chat.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.typingMessage(userKey, sessionID, messageID)
	if err != nil {
		return nil, err
	}
	return msg.MergeSources(sources), nil
}

// CompleteTurn finalizes the placeholder with the display content, clears
// the typing flags, releases the turn guard and persists the session.
func (s *Service) CompleteTurn(ctx context.Context, userKey, sessionID, messageID, content string, thought time.Duration) (chat.Message, error) {
	return s.finishTurn(ctx, userKey, sessionID, messageID, content, thought)
}

// FailTurn finalizes the placeholder with a user-visible error message. The
// placeholder is never left typing.
func (s *Service) FailTurn(ctx context.Context, userKey, sessionID, messageID, friendly string) (chat.Message, error) {
	return s.finishTurn(ctx, userKey, sessionID, messageID, friendly, 0)
}

func (s *Service) finishTurn(ctx context.Context, userKey, sessionID, messageID, content string, thought time.Duration) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, sess, err := s.sessionFor(ctx, userKey, sessionID)
	if err != nil {
		return chat.Message{}, err
	}
	delete(st.inFlight, sessionID)

	for i := range sess.Messages {
		msg := &sess.Messages[i]
		if msg.ID != messageID {
			continue
		}
		msg.Content = content
		msg.IsTyping = false
		msg.IsSearching = false
		if thought > 0 {
			msg.ThoughtTime = thought.Milliseconds()
		}
		sess.RefreshPreview()
		if err := s.persistLocked(ctx, userKey, st); err != nil {
			return msg.Clone(), err
		}
		return msg.Clone(), nil
	}
	return chat.Message{}, ErrMessageNotFound
}

// AppendNotice appends a completed model-role message, used by callers that
// synthesize a reply without running a turn (quota upsell, image acks).
func (s *Service) AppendNotice(ctx context.Context, userKey, sessionID, text string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, sess, err := s.sessionFor(ctx, userKey, sessionID)
	if err != nil {
		return chat.Message{}, err
	}
	msg := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleModel,
		Content:   text,
		Timestamp: time.Now().UTC(),
	}
	sess.Messages = append(sess.Messages, msg)
	sess.RefreshPreview()
	return msg, s.persistLocked(ctx, userKey, st)
}

// AppendImageRequest records the synthesized user message for an
// image-generation turn, using the prefix Regenerate keys on.
func (s *Service) AppendImageRequest(ctx context.Context, userKey, sessionID, prompt string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, sess, err := s.sessionFor(ctx, userKey, sessionID)
	if err != nil {
		return chat.Message{}, err
	}
	msg := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleUser,
		Content:   chat.ImageRequestPrefix + prompt,
		Timestamp: time.Now().UTC(),
	}
	sess.Messages = append(sess.Messages, msg)
	sess.RefreshPreview()
	return msg, s.persistLocked(ctx, userKey, st)
}

func (s *Service) stateFor(ctx context.Context, userKey string) (*userState, error) {
	st, ok := s.users[userKey]
	if !ok {
		st = &userState{inFlight: make(map[string]bool)}
		s.users[userKey] = st
	}
	if !st.loaded {
		sessions, err := s.store.Load(ctx, userKey)
		if err != nil {
			return nil, err
		}
		st.sessions = sessions
		st.loaded = true
	}
	return st, nil
}

func (s *Service) sessionFor(ctx context.Context, userKey, sessionID string) (*userState, *chat.Session, error) {
	st, err := s.stateFor(ctx, userKey)
	if err != nil {
		return nil, nil, err
	}
	sess := findSession(st, sessionID)
	if sess == nil {
		return nil, nil, ErrSessionNotFound
	}
	return st, sess, nil
}

func (s *Service) typingMessage(userKey, sessionID, messageID string) (*chat.Message, error) {
	st, ok := s.users[userKey]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess := findSession(st, sessionID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	for i := range sess.Messages {
		msg := &sess.Messages[i]
		if msg.ID == messageID && msg.IsTyping {
			return msg, nil
		}
	}
	return nil, ErrMessageNotFound
}

// persistLocked saves the user's sessions unless a turn is streaming, so the
// store never sees a half-built message.
func (s *Service) persistLocked(ctx context.Context, userKey string, st *userState) error {
	if len(st.inFlight) > 0 {
		return nil
	}
	if err := s.store.Save(ctx, userKey, st.sessions); err != nil {
		s.logger.Error("failed to persist sessions",
			zap.String("user", userKey), zap.Error(err))
		return err
	}
	return nil
}

func findSession(st *userState, sessionID string) *chat.Session {
	for i := range st.sessions {
		if st.sessions[i].ID == sessionID {
			return &st.sessions[i]
		}
	}
	return nil
}

func deriveTitle(userText string) string {
	title := strings.TrimSpace(userText)
	if title == "" {
		return "New conversation"
	}
	return strings.TrimSpace(chat.TruncateRunes(title, titleLimit))
}
