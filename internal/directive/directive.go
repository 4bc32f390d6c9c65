package directive

import "encoding/json"

// Kind tags the directive variants the coach model may embed in its replies.
type Kind string

const (
	KindRenderChart   Kind = "render_chart"
	KindSaveScore     Kind = "save_score"
	KindExerciseData  Kind = "exercise_data"
	KindNavigate      Kind = "navigate"
	KindTheme         Kind = "theme"
	KindLogout        Kind = "logout"
	KindGenerateImage Kind = "generate_image"
	KindNotify        Kind = "notify"
	KindOrderProduct  Kind = "order_product"
)

// Directive is a structured instruction extracted from generated text.
// Directives are ephemeral: derived from text, dispatched, never stored.
type Directive struct {
	Kind Kind `json:"kind"`
	// Target is the navigation destination, one of the closed target set.
	Target string `json:"target,omitempty"`
	// Mode is the theme mode, "dark" or "light".
	Mode string `json:"mode,omitempty"`
	// Prompt is the image-generation prompt.
	Prompt string `json:"prompt,omitempty"`
	// Text is the notification text.
	Text string `json:"text,omitempty"`
	// Payload carries the JSON body of chart, score, exercise and order
	// directives, passed through to the collaborator unchanged.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Navigation targets the frontend knows how to route to. Anything else is
// dropped during parsing.
const (
	TargetDashboard    = "dashboard"
	TargetChat         = "chat"
	TargetExercises    = "exercises"
	TargetShop         = "shop"
	TargetSubscription = "subscription"
	TargetProfile      = "profile"
	TargetScores       = "scores"
)

var knownTargets = map[string]bool{
	TargetDashboard:    true,
	TargetChat:         true,
	TargetExercises:    true,
	TargetShop:         true,
	TargetSubscription: true,
	TargetProfile:      true,
	TargetScores:       true,
}
