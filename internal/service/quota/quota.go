package quota

import (
	"sync"
	"unicode/utf8"
)

// Estimate approximates the token cost of text as ceil(characters/4),
// counting runes so multi-byte text is not overcharged. It is a
// deterministic function of length only; no semantic tokenization.
func Estimate(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Sink receives fire-and-forget usage deltas. Implementations must not
// block the caller.
type Sink interface {
	ReportUsage(userKey string, tokens int)
}

// State is the quota snapshot for one user. Owned by the profile
// collaborator; the conversation core only reports deltas.
type State struct {
	TokensUsed      int `json:"tokensUsed"`
	TokenLimit      int `json:"tokenLimit"`
	ImagesGenerated int `json:"imagesGenerated"`
	ImageLimit      int `json:"imageLimit"`
}

// TokensExhausted reports whether the user has no token budget left.
func (s State) TokensExhausted() bool {
	return s.TokenLimit > 0 && s.TokensUsed >= s.TokenLimit
}

// ImagesExhausted reports whether the user has no image budget left.
func (s State) ImagesExhausted() bool {
	return s.ImageLimit > 0 && s.ImagesGenerated >= s.ImageLimit
}

// ImageSink counts generated images, fire-and-forget.
type ImageSink interface {
	ReportImage(userKey string)
}

// ProfileReader exposes quota state for enforcement. Enforcement happens in
// the caller before a turn starts, never inside the coordinator.
type ProfileReader interface {
	Profile(userKey string) State
}

// MemoryProfileStore is the in-process profile collaborator used when no
// external profile service is wired. It implements both Sink and
// ProfileReader.
type MemoryProfileStore struct {
	mu       sync.Mutex
	defaults State
	byUser   map[string]State
}

// NewMemoryProfileStore seeds every new user with the given limits.
func NewMemoryProfileStore(tokenLimit, imageLimit int) *MemoryProfileStore {
	return &MemoryProfileStore{
		defaults: State{TokenLimit: tokenLimit, ImageLimit: imageLimit},
		byUser:   make(map[string]State),
	}
}

// Profile returns the current quota state for the user.
func (s *MemoryProfileStore) Profile(userKey string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(userKey)
}

// ReportUsage adds a token delta to the user's running total.
func (s *MemoryProfileStore) ReportUsage(userKey string, tokens int) {
	if tokens <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.get(userKey)
	state.TokensUsed += tokens
	s.byUser[userKey] = state
}

// ReportImage counts one generated image against the user's budget.
func (s *MemoryProfileStore) ReportImage(userKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.get(userKey)
	state.ImagesGenerated++
	s.byUser[userKey] = state
}

func (s *MemoryProfileStore) get(userKey string) State {
	if state, ok := s.byUser[userKey]; ok {
		return state
	}
	return s.defaults
}
