// Package tools provides the built-in tools of the coding agent: file
// creation and editing, reading and search, shell execution and GitHub
// commit inspection. All paths resolve against a Workspace.
package tools

import (
	"github.com/martinemde/engineer/agentloop"
)

// Defaults returns the built-in tools bound to w.
func Defaults(w *Workspace) []agentloop.Tool {
	return []agentloop.Tool{
		createFolderTool(w),
		createFileTool(w),
		readFileTool(w),
		readMultipleFilesTool(w),
		listFilesTool(w),
		searchFileTool(w),
		editFileTool(w),
		editAndApplyTool(w),
		shellTool(w),
		grepTool(w),
		globTool(w),
		fetchCommitChangesTool(w),
	}
}

// RegisterDefaults registers the built-in tools on reg.
func RegisterDefaults(reg *agentloop.ToolRegistry, w *Workspace) error {
	for _, t := range Defaults(w) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
