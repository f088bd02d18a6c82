package agentloop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteMarkdown renders turns as a Markdown chat log.
func WriteMarkdown(w io.Writer, title string, turns []Turn) error {
	var sb strings.Builder
	if title == "" {
		title = "Engineer Chat Log"
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)

	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			sb.WriteString("## User\n\n")
			if t.Notice {
				sb.WriteString("> ")
				sb.WriteString(strings.ReplaceAll(t.Content, "\n", "\n> "))
				sb.WriteString("\n\n")
			} else {
				fmt.Fprintf(&sb, "%s\n\n", t.Content)
			}
		case RoleAssistant:
			sb.WriteString("## Assistant\n\n")
			if t.Content != "" {
				fmt.Fprintf(&sb, "%s\n\n", t.Content)
			}
			for _, tc := range t.ToolCalls {
				fmt.Fprintf(&sb, "### Tool Use: %s\n\n```json\n%s\n```\n\n", tc.Name, prettyJSON(tc.Arguments))
			}
		case RoleToolResult:
			name := ""
			if t.Result != nil {
				name = t.Result.Tool
			}
			fmt.Fprintf(&sb, "### Tool Result: %s (%s)\n\n```\n%s\n```\n\n", name, t.CallID, t.Content)
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// SaveMarkdown writes the transcript to dir as Chat_HHMM.md and returns the path.
func SaveMarkdown(dir string, turns []Turn) (string, error) {
	name := fmt.Sprintf("Chat_%s.md", time.Now().Format("1504"))
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create transcript: %w", err)
	}
	defer f.Close()
	if err := WriteMarkdown(f, "", turns); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	return path, nil
}

func prettyJSON(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
