package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/patch"
)

// MaxReadBytes caps the content returned by read_file.
const MaxReadBytes = 256 * 1024

// --- Apply Patch Tool ---

// ApplyPatchTool applies unified diffs under Root.
type ApplyPatchTool struct {
	Root string
}

func (t *ApplyPatchTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name: "apply_patch",
		Description: "Apply a unified diff to files in the workspace. Paths are relative to the " +
			"workspace root; a/ and b/ prefixes are accepted. Either every file applies or none does.",
		JSONSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"patch": {"type": "string", "minLength": 1, "description": "Unified diff text."}
			},
			"required": ["patch"],
			"additionalProperties": false
		}`),
	}
}

func (t *ApplyPatchTool) Invoke(ctx context.Context, args json.RawMessage, inv Invocation) (map[string]any, error) {
	var in struct {
		Patch string `json:"patch"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	res, err := patch.Apply(t.Root, in.Patch)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, log.KV{K: "msg", V: "patch applied"}, log.KV{K: "run_id", V: inv.RunID},
		log.KV{K: "files", V: len(res.AppliedFiles)})
	return map[string]any{"appliedFiles": res.AppliedFiles}, nil
}

// --- Read File Tool ---

// ReadFileTool reads a file under Root.
type ReadFileTool struct {
	Root string
}

func (t *ReadFileTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "read_file",
		Description: "Read a text file from the workspace. Arguments: path (string), relative to the workspace root.",
		JSONSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1, "description": "The file path to read."}
			},
			"required": ["path"]
		}`),
	}
}

func (t *ReadFileTool) Invoke(ctx context.Context, args json.RawMessage, inv Invocation) (map[string]any, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	abs, err := patch.ResolvePath(t.Root, in.Path)
	if err != nil {
		return nil, err
	}

	log.Debugf(ctx, "reading file %s", in.Path)
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Errorf(patch.CodeFileNotFound, "%s does not exist", in.Path)
	}
	if err != nil {
		return nil, Errorf(CodeFailed, "failed to read file: %v", err)
	}
	truncated := false
	if len(data) > MaxReadBytes {
		data = data[:MaxReadBytes]
		truncated = true
	}
	if !utf8.Valid(data) {
		return nil, Errorf(CodeFailed, "%s is not a UTF-8 text file", in.Path)
	}
	return map[string]any{
		"path":      in.Path,
		"content":   string(data),
		"truncated": truncated,
	}, nil
}

// --- List Files Tool ---

// ListFilesTool lists a directory under Root.
type ListFilesTool struct {
	Root string
}

func (t *ListFilesTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "list_files",
		Description: "List files in a workspace directory. Arguments: path (string), relative to the workspace root.",
		JSONSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "The directory path to list. Empty lists the root."}
			}
		}`),
	}
}

func (t *ListFilesTool) Invoke(ctx context.Context, args json.RawMessage, inv Invocation) (map[string]any, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	dir := t.Root
	if p := strings.Trim(in.Path, "/"); p != "" && p != "." {
		abs, err := patch.ResolvePath(t.Root, p)
		if err != nil {
			return nil, err
		}
		dir = abs
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Errorf(patch.CodeFileNotFound, "%s does not exist", in.Path)
	}
	if err != nil {
		return nil, Errorf(CodeFailed, "failed to list directory: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		suffix := ""
		if e.IsDir() {
			suffix = "/"
		}
		names = append(names, e.Name()+suffix)
	}
	sort.Strings(names)
	return map[string]any{"entries": names}, nil
}
