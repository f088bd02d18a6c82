package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// maxLoopPeriod is the longest repeating cycle of tool calls DetectLoop
// looks for.
const maxLoopPeriod = 3

// toolCallSignature identifies a call by its name and a short hash of its
// canonical arguments.
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(canonicalArguments(arguments))
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures returns the signatures of the last n tool calls in
// history, oldest first. It returns fewer than n when history is short.
func recentSignatures(history []Turn, n int) []string {
	sigs := make([]string, n)
	next := n
	for i := len(history) - 1; i >= 0 && next > 0; i-- {
		if history[i].Role != RoleAssistant {
			continue
		}
		calls := history[i].ToolCalls
		for j := len(calls) - 1; j >= 0 && next > 0; j-- {
			next--
			sigs[next] = toolCallSignature(calls[j].Name, calls[j].Arguments)
		}
	}
	return sigs[next:]
}

// DetectLoop reports whether the last windowSize tool calls repeat a cycle
// of one, two or three calls. The cycle length must divide windowSize.
func DetectLoop(history []Turn, windowSize int) bool {
	if windowSize < 2 {
		return false
	}
	sigs := recentSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}
	for period := 1; period <= maxLoopPeriod; period++ {
		if windowSize%period == 0 && repeatsEvery(sigs, period) {
			return true
		}
	}
	return false
}

func repeatsEvery(sigs []string, period int) bool {
	for i := period; i < len(sigs); i++ {
		if sigs[i] != sigs[i-period] {
			return false
		}
	}
	return true
}

// canonicalArguments re-encodes arguments so key order and whitespace do not
// change the signature.
func canonicalArguments(raw json.RawMessage) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// loopWarning is the notice added when DetectLoop fires.
func loopWarning(windowSize int) string {
	return fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. "+
		"Try a different approach instead of repeating the same calls.", windowSize)
}
