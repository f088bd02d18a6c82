package agentloop

import (
	"regexp"
)

// DefaultCompletionMarker is the token the model emits when the task is done.
const DefaultCompletionMarker = "AUTOMODE_COMPLETE"

// CompletionPolicy decides whether a response without tool calls ends the run.
type CompletionPolicy interface {
	IsComplete(text string) bool
	// Instruction is the sentence the system prompt and continuation
	// notices use to describe the convention to the model.
	Instruction() string
}

// MarkerPolicy completes when the marker appears as a whole token.
// Matching is case-sensitive.
type MarkerPolicy struct {
	marker string
	re     *regexp.Regexp
}

// NewMarkerPolicy returns a policy for marker. An empty marker uses
// DefaultCompletionMarker.
func NewMarkerPolicy(marker string) *MarkerPolicy {
	if marker == "" {
		marker = DefaultCompletionMarker
	}
	return &MarkerPolicy{
		marker: marker,
		re:     regexp.MustCompile(`(^|[^A-Za-z0-9_])` + regexp.QuoteMeta(marker) + `([^A-Za-z0-9_]|$)`),
	}
}

// Marker returns the completion token.
func (p *MarkerPolicy) Marker() string { return p.marker }

func (p *MarkerPolicy) IsComplete(text string) bool {
	return p.re.MatchString(text)
}

func (p *MarkerPolicy) Instruction() string {
	return "When all goals are completed, respond with " + p.marker + " to exit automode."
}
