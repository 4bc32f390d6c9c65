package chat

import (
	"time"
	"unicode/utf8"
)

// SessionType classifies what a conversation is about, so the sidebar can
// group it.
type SessionType string

const (
	SessionChat     SessionType = "chat"
	SessionImage    SessionType = "image"
	SessionExercise SessionType = "exercise"
	SessionOther    SessionType = "other"
)

// Session is a persisted conversation. Messages are append-only except for
// explicit edit/regenerate operations, which truncate and replace a suffix.
type Session struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Date     time.Time   `json:"date"`
	Preview  string      `json:"preview"`
	Messages []Message   `json:"messages"`
	IsPinned bool        `json:"isPinned"`
	Type     SessionType `json:"type"`
}

const previewLimit = 80

// RefreshPreview derives the sidebar preview from the most recent message.
func (s *Session) RefreshPreview() {
	s.Preview = ""
	for i := len(s.Messages) - 1; i >= 0; i-- {
		content := s.Messages[i].Content
		if content == "" {
			continue
		}
		s.Preview = TruncateRunes(content, previewLimit)
		return
	}
}

// Clone returns a deep copy; the result shares no backing arrays with the
// receiver. Readers outside the owning lock must hold only clones, never the
// live session.
func (s Session) Clone() Session {
	out := s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i := range s.Messages {
			out.Messages[i] = s.Messages[i].Clone()
		}
	}
	return out
}

// CloneSessions deep-copies a session list.
func CloneSessions(sessions []Session) []Session {
	copied := make([]Session, len(sessions))
	for i := range sessions {
		copied[i] = sessions[i].Clone()
	}
	return copied
}

// TruncateRunes shortens s to at most limit runes, never splitting a rune.
func TruncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
