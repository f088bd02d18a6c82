package tools

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Glob matches pattern under path (the root if empty). "**" matches any
// number of directories. Results are relative to the root and sorted by
// modification time, newest first.
func (w *Workspace) Glob(pattern, path string) ([]string, error) {
	base := w.root
	if path != "" {
		base = w.Resolve(path)
	}

	var matches []string
	if !strings.Contains(pattern, "**") {
		found, err := filepath.Glob(filepath.Join(base, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob: %w", err)
		}
		matches = found
	} else {
		re, err := globRegexp(filepath.ToSlash(pattern))
		if err != nil {
			return nil, fmt.Errorf("glob: %w", err)
		}
		err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() && d.Name() == ".git" {
				return filepath.SkipDir
			}
			rel, relErr := filepath.Rel(base, p)
			if relErr != nil || rel == "." {
				return nil
			}
			if re.MatchString(filepath.ToSlash(rel)) {
				matches = append(matches, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("glob: %w", err)
		}
	}

	type entry struct {
		path  string
		mtime int64
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		var mtime int64
		if info, err := os.Stat(m); err == nil {
			mtime = info.ModTime().UnixNano()
		}
		entries = append(entries, entry{path: w.rel(m), mtime: mtime})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].mtime != entries[j].mtime {
			return entries[i].mtime > entries[j].mtime
		}
		return entries[i].path < entries[j].path
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}

// globRegexp translates a slash-separated glob with "**" into a regexp.
func globRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					sb.WriteString("(?:.*/)?")
				} else {
					sb.WriteString(".*")
				}
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated character class in %q", pattern)
			}
			class := pattern[i+1 : i+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			sb.WriteString("[" + class + "]")
			i += end
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
