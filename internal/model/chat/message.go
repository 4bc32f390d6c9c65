package chat

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

// Feedback is the user's reaction to a model message.
type Feedback string

const (
	FeedbackLike    Feedback = "like"
	FeedbackDislike Feedback = "dislike"
)

// ImageRequestPrefix marks a user message that was synthesized from an
// image-generation request. Regenerate inspects it to re-trigger image flow
// instead of a text turn.
const ImageRequestPrefix = "Generate an image: "

// Source is a citation attached to a model message. Sources within one
// message are unique by URL.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Message is one entry in a session transcript. While a turn is streaming,
// the tail message carries IsTyping=true and its Content grows by
// concatenation; after completion it is immutable except for Feedback.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Image       string    `json:"image,omitempty"`
	IsTyping    bool      `json:"isTyping,omitempty"`
	IsSearching bool      `json:"isSearching,omitempty"`
	Sources     []Source  `json:"sources,omitempty"`
	Feedback    Feedback  `json:"feedback,omitempty"`
	ThoughtTime int64     `json:"thoughtTimeMs,omitempty"`
}

// MergeSources appends the given sources to the message, dropping any whose
// URL is already present. Returns the sources that were actually added.
func (m *Message) MergeSources(incoming []Source) []Source {
	if len(incoming) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(m.Sources))
	for _, s := range m.Sources {
		seen[s.URL] = true
	}
	var added []Source
	for _, s := range incoming {
		if s.URL == "" || seen[s.URL] {
			continue
		}
		seen[s.URL] = true
		m.Sources = append(m.Sources, s)
		added = append(added, s)
	}
	return added
}

// Clone returns a copy that shares no backing arrays with the receiver, so
// it can be read outside the owning lock.
func (m Message) Clone() Message {
	out := m
	if m.Sources != nil {
		out.Sources = make([]Source, len(m.Sources))
		copy(out.Sources, m.Sources)
	}
	return out
}

// IsImageRequest reports whether the message is a synthesized
// image-generation request.
func (m *Message) IsImageRequest() bool {
	return m.Role == RoleUser && len(m.Content) >= len(ImageRequestPrefix) &&
		m.Content[:len(ImageRequestPrefix)] == ImageRequestPrefix
}
