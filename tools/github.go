package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/martinemde/engineer/agentloop"
	"go.uber.org/zap"
)

// CommitFile is one changed file of a commit, as returned by the GitHub
// REST API.
type CommitFile struct {
	Filename  string `json:"filename"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch"`
}

type commitResponse struct {
	SHA   string       `json:"sha"`
	Files []CommitFile `json:"files"`
}

// FetchCommit returns the changed files of owner/repo at sha.
func (w *Workspace) FetchCommit(ctx context.Context, owner, repo, sha string) ([]CommitFile, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits/%s", w.githubBaseURL,
		url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(sha))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("github: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if w.githubToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.githubToken)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return nil, fmt.Errorf("github: %s/%s@%s: %d %s", owner, repo, sha, resp.StatusCode, msg)
	}

	var commit commitResponse
	if err := json.NewDecoder(resp.Body).Decode(&commit); err != nil {
		return nil, fmt.Errorf("github: decode commit: %w", err)
	}
	w.logger.Debug("fetched commit",
		zap.String("repo", owner+"/"+repo), zap.String("sha", sha), zap.Int("files", len(commit.Files)))
	return commit.Files, nil
}

// FormatCommitFiles renders files one per line.
func FormatCommitFiles(files []CommitFile) string {
	var sb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&sb, "File: %s, Additions: %d, Deletions: %d, Patch: %s\n",
			f.Filename, f.Additions, f.Deletions, f.Patch)
	}
	return sb.String()
}

func fetchCommitChangesTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name:        "fetch_commit_changes",
			Description: "Fetch the changed files of a GitHub commit with their additions, deletions and patch.",
			Schema: agentloop.Schema{
				{Name: "owner", Type: agentloop.TypeString, Required: true, Description: "Repository owner."},
				{Name: "repo", Type: agentloop.TypeString, Required: true, Description: "Repository name."},
				{Name: "sha", Type: agentloop.TypeString, Required: true, Description: "Commit SHA."},
			},
			SideEffectFree: true,
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			owner, err := requireString(args, "owner")
			if err != nil {
				return "", err
			}
			repo, err := requireString(args, "repo")
			if err != nil {
				return "", err
			}
			sha, err := requireString(args, "sha")
			if err != nil {
				return "", err
			}
			files, err := w.FetchCommit(ctx, owner, repo, sha)
			if err != nil {
				return "", err
			}
			if len(files) == 0 {
				return fmt.Sprintf("Commit %s has no changed files.", sha), nil
			}
			return FormatCommitFiles(files), nil
		},
	}
}
