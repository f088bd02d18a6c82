package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkerPolicyIsComplete(t *testing.T) {
	p := NewMarkerPolicy("")
	assert.Equal(t, DefaultCompletionMarker, p.Marker())

	tests := []struct {
		text string
		want bool
	}{
		{"AUTOMODE_COMPLETE", true},
		{"All goals met.\nAUTOMODE_COMPLETE", true},
		{"Done (AUTOMODE_COMPLETE).", true},
		{"`AUTOMODE_COMPLETE`", true},
		{"automode_complete", false},
		{"AUTOMODE_COMPLETED", false},
		{"NOT_AUTOMODE_COMPLETE", false},
		{"AUTOMODE COMPLETE", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.IsComplete(tt.text), "text=%q", tt.text)
	}
}

func TestMarkerPolicyQuotesMarker(t *testing.T) {
	p := NewMarkerPolicy("[done]")
	assert.True(t, p.IsComplete("all tasks [done]"))
	assert.False(t, p.IsComplete("d"))
}

func TestMarkerPolicyInstruction(t *testing.T) {
	p := NewMarkerPolicy("FINISHED")
	assert.Equal(t, "When all goals are completed, respond with FINISHED to exit automode.", p.Instruction())
}
