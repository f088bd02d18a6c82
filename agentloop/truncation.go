package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultToolCharLimits are the character limits for the built-in tools.
var DefaultToolCharLimits = map[string]int{
	"read_file":            50000,
	"read_multiple_files":  80000,
	"list_files":           20000,
	"search_file":          20000,
	"shell":                30000,
	"grep":                 20000,
	"glob":                 20000,
	"edit_file":            10000,
	"edit_and_apply":       10000,
	"create_file":          1000,
	"create_folder":        1000,
	"fetch_commit_changes": 40000,
}

// DefaultTruncationModes are the truncation modes for the built-in tools.
var DefaultTruncationModes = map[string]TruncationMode{
	"read_file":            TruncateHeadTail,
	"read_multiple_files":  TruncateHeadTail,
	"list_files":           TruncateTail,
	"search_file":          TruncateTail,
	"shell":                TruncateHeadTail,
	"grep":                 TruncateTail,
	"glob":                 TruncateTail,
	"edit_file":            TruncateTail,
	"edit_and_apply":       TruncateTail,
	"create_file":          TruncateTail,
	"create_folder":        TruncateTail,
	"fetch_commit_changes": TruncateHeadTail,
}

// DefaultToolLineLimits are applied after character truncation.
var DefaultToolLineLimits = map[string]int{
	"shell":       256,
	"grep":        200,
	"glob":        500,
	"search_file": 500,
	"list_files":  1000,
}

// fallbackCharLimit applies to tools without a configured limit.
const fallbackCharLimit = 30000

// TruncateOutput shortens output to roughly maxChars characters. Head/tail
// mode keeps both ends and drops the middle. Tail mode keeps the end. A
// warning telling the model how much was dropped replaces the removed text.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	removed := len(output) - maxChars
	if maxChars <= 0 || removed <= 0 {
		return output
	}

	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"Re-run the tool with more targeted parameters to see them.]\n\n", removed) +
			output[removed:]
	}

	half := maxChars / 2
	var b strings.Builder
	b.Grow(maxChars + 200)
	b.WriteString(output[:half])
	fmt.Fprintf(&b, "\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
		"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n", removed)
	b.WriteString(output[len(output)-half:])
	return b.String()
}

// TruncateLines keeps the first and last lines of output, maxLines in total.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	head := maxLines / 2
	tail := len(lines) - (maxLines - head)
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", tail-head) +
		strings.Join(lines[tail:], "\n")
}

// TruncateToolOutput truncates by characters first and then by lines. The
// limits in charLimits and lineLimits take precedence over the defaults. A
// character limit of zero disables character truncation for that tool.
func TruncateToolOutput(output string, toolName string, charLimits map[string]int, lineLimits map[string]int) string {
	maxChars := lookupLimit(toolName, charLimits, DefaultToolCharLimits, fallbackCharLimit)
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	output = TruncateOutput(output, maxChars, mode)

	maxLines := lineLimits[toolName]
	if maxLines == 0 {
		maxLines = DefaultToolLineLimits[toolName]
	}
	return TruncateLines(output, maxLines)
}

func lookupLimit(name string, overrides, defaults map[string]int, fallback int) int {
	if n, ok := overrides[name]; ok {
		return n
	}
	if n, ok := defaults[name]; ok {
		return n
	}
	return fallback
}
