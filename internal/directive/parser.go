package directive

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Wire format, reproduced bit-exact so any backend prompted to emit commands
// stays compatible:
//
//	[SYSTEM_COMMAND:<NAME>:<payload>]       scalar payload
//	[SYSTEM_COMMAND:<NAME>:!!<json>!!]      JSON payload; the double-bang
//	                                        delimiter is matched non-greedily
//	                                        up to the next "!!]", so the JSON
//	                                        may contain [, ], { and }
//	[SYSTEM_COMMAND:<NAME>]                 no payload
var (
	chartRe    = regexp.MustCompile(`(?s)\[SYSTEM_COMMAND:RENDER_CHART:!!(.*?)!!\]`)
	scoreRe    = regexp.MustCompile(`(?s)\[SYSTEM_COMMAND:SAVE_SCORE:!!(.*?)!!\]`)
	exerciseRe = regexp.MustCompile(`(?s)\[SYSTEM_COMMAND:EXERCISE_DATA:!!(.*?)!!\]`)
	orderRe    = regexp.MustCompile(`(?s)\[SYSTEM_COMMAND:ORDER_PRODUCT:!!(.*?)!!\]`)
	navigateRe = regexp.MustCompile(`\[SYSTEM_COMMAND:NAVIGATE:([^\]]+)\]`)
	themeRe    = regexp.MustCompile(`\[SYSTEM_COMMAND:THEME_(DARK|LIGHT)\]`)
	logoutRe   = regexp.MustCompile(`\[SYSTEM_COMMAND:LOGOUT\]`)
	imageRe    = regexp.MustCompile(`\[SYSTEM_COMMAND:GENERATE_IMAGE:([^\]]+)\]`)
	notifyRe   = regexp.MustCompile(`\[SYSTEM_COMMAND:NOTIFY:([^\]]+)\]`)

	// Stripping removes every command-shaped token, recognized or not: the
	// user must never see raw directive syntax. JSON form first so a ] inside
	// a payload does not confuse the simple form.
	stripJSONRe   = regexp.MustCompile(`(?s)\[SYSTEM_COMMAND:[A-Z_]+:!!.*?!!\]`)
	stripSimpleRe = regexp.MustCompile(`\[SYSTEM_COMMAND:[^\]]*\]`)
)

// Parser extracts directives from finalized model text. Parsing is stateless
// and deterministic: the same text always yields the same directive list.
type Parser struct {
	logger *zap.Logger
}

// NewParser returns a parser that logs dropped payloads to the given logger.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse returns the directives embedded in text, in fixed priority order
// (chart, score, exercise, navigate, theme, logout, image, notify, order),
// together with the text with all command tokens removed. Each directive
// type is matched independently, so types may co-occur; a malformed payload
// drops that one directive and nothing else.
func (p *Parser) Parse(text string) ([]Directive, string) {
	var out []Directive

	out = p.appendJSON(out, KindRenderChart, chartRe, text)
	out = p.appendJSON(out, KindSaveScore, scoreRe, text)
	out = p.appendJSON(out, KindExerciseData, exerciseRe, text)

	for _, m := range navigateRe.FindAllStringSubmatch(text, -1) {
		target := strings.ToLower(strings.TrimSpace(m[1]))
		if !knownTargets[target] {
			p.logger.Debug("dropping unknown navigation target", zap.String("target", target))
			continue
		}
		out = append(out, Directive{Kind: KindNavigate, Target: target})
	}

	for _, m := range themeRe.FindAllStringSubmatch(text, -1) {
		out = append(out, Directive{Kind: KindTheme, Mode: strings.ToLower(m[1])})
	}

	for range logoutRe.FindAllString(text, -1) {
		out = append(out, Directive{Kind: KindLogout})
	}

	for _, m := range imageRe.FindAllStringSubmatch(text, -1) {
		prompt := strings.TrimSpace(m[1])
		if prompt == "" {
			continue
		}
		out = append(out, Directive{Kind: KindGenerateImage, Prompt: prompt})
	}

	for _, m := range notifyRe.FindAllStringSubmatch(text, -1) {
		notice := strings.TrimSpace(m[1])
		if notice == "" {
			continue
		}
		out = append(out, Directive{Kind: KindNotify, Text: notice})
	}

	out = p.appendJSON(out, KindOrderProduct, orderRe, text)

	return out, Strip(text)
}

func (p *Parser) appendJSON(out []Directive, kind Kind, re *regexp.Regexp, text string) []Directive {
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		payload := strings.TrimSpace(m[1])
		if !json.Valid([]byte(payload)) {
			p.logger.Warn("dropping directive with malformed payload",
				zap.String("kind", string(kind)))
			continue
		}
		out = append(out, Directive{Kind: kind, Payload: json.RawMessage(payload)})
	}
	return out
}

// Strip removes every command token from text, including malformed or
// unrecognized ones, leaving the surrounding prose untouched.
func Strip(text string) string {
	text = stripJSONRe.ReplaceAllString(text, "")
	return stripSimpleRe.ReplaceAllString(text, "")
}
