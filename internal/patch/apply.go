package patch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Apply parses patchText and applies it under root. Every file's final
// content is computed before any file is written, so a failing hunk leaves
// all files untouched. Lines are compared after CRLF is normalized to LF and
// files are written back with LF endings.
func Apply(root, patchText string) (*Result, error) {
	p, err := Parse(patchText)
	if err != nil {
		return nil, err
	}
	return ApplyParsed(root, p)
}

type pendingFile struct {
	path       string
	abs        string
	lines      []string
	exists     bool
	original   []byte
	mode       fs.FileMode
	hunks      int
	delta      int
	normalized bool
	created    bool
	deleted    bool
}

// ApplyParsed applies an already parsed patch under root.
func ApplyParsed(root string, p *Patch) (*Result, error) {
	// Resolve every path before touching the filesystem.
	targets := make([]string, len(p.Files))
	for i, f := range p.Files {
		abs, err := ResolvePath(root, f.Path())
		if err != nil {
			return nil, err
		}
		targets[i] = abs
	}

	var order []*pendingFile
	byPath := map[string]*pendingFile{}
	for i, f := range p.Files {
		pf, ok := byPath[targets[i]]
		if !ok {
			var err error
			if pf, err = load(root, targets[i], f); err != nil {
				return nil, err
			}
			byPath[targets[i]] = pf
			order = append(order, pf)
		}
		// A repeated section describes the file as left by the previous one.
		pf.delta = 0
		for _, h := range f.Hunks {
			lines, delta, err := applyHunk(pf.lines, h, pf.delta, pf.path)
			if err != nil {
				return nil, err
			}
			pf.lines, pf.delta = lines, delta
			pf.hunks++
		}
		if f.IsDeleted() {
			if len(pf.lines) > 0 {
				return nil, newError(CodeDeleteMismatch, pf.path, "file deletion leaves %d lines", len(pf.lines))
			}
			pf.deleted = true
		}
	}

	if err := commit(order); err != nil {
		return nil, err
	}

	res := &Result{AppliedFiles: make([]AppliedFile, 0, len(order))}
	for _, pf := range order {
		res.AppliedFiles = append(res.AppliedFiles, AppliedFile{
			Path:                  pf.path,
			HunkCount:             pf.hunks,
			LineEndingsNormalized: pf.normalized,
			Created:               pf.created,
			Deleted:               pf.deleted,
		})
	}
	return res, nil
}

func load(root, abs string, f FilePatch) (*pendingFile, error) {
	pf := &pendingFile{path: f.Path(), abs: abs, mode: 0o644}
	if err := checkSymlinks(root, abs, pf.path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	switch {
	case err == nil && f.IsNew():
		return nil, newError(CodeFileExists, pf.path, "file to be created already exists")
	case err == nil:
		info, statErr := os.Stat(abs)
		if statErr == nil {
			pf.mode = info.Mode().Perm()
		}
		pf.exists = true
		pf.original = data
	case errors.Is(err, fs.ErrNotExist) && f.IsNew():
		pf.created = true
	case errors.Is(err, fs.ErrNotExist):
		return nil, newError(CodeFileNotFound, pf.path, "file does not exist")
	default:
		return nil, newError(CodeIOFailed, pf.path, "read: %v", err)
	}

	content := string(data)
	if strings.Contains(content, "\r\n") {
		content = strings.ReplaceAll(content, "\r\n", "\n")
		pf.normalized = true
	}
	pf.lines = splitLines(content)
	return pf, nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}

func joinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// applyHunk applies h to buf, which earlier hunks of the same file have
// already mutated. Hunk positions refer to the original file; delta is the
// net number of lines those earlier hunks inserted (positive) or removed.
func applyHunk(buf []string, h Hunk, delta int, path string) ([]string, int, error) {
	idx := h.OldStart - 1 + delta
	if h.OldCount == 0 {
		// A pure insertion goes after line OldStart.
		idx = h.OldStart + delta
	}
	if idx < 0 {
		idx = 0
	}
	if idx > len(buf) {
		return nil, delta, newError(CodeContextMismatch, path, "hunk starts at line %d past end of file (%d lines)", idx+1, len(buf))
	}

	out := make([]string, 0, len(buf)+len(h.Lines))
	out = append(out, buf[:idx]...)
	pos := idx
	for _, l := range h.Lines {
		switch l.Kind {
		case Context:
			if pos >= len(buf) || buf[pos] != l.Text {
				return nil, delta, newError(CodeContextMismatch, path, "line %d: expected %q, found %s", pos+1, l.Text, describe(buf, pos))
			}
			out = append(out, buf[pos])
			pos++
		case Delete:
			if pos >= len(buf) || buf[pos] != l.Text {
				return nil, delta, newError(CodeDeleteMismatch, path, "line %d: expected %q, found %s", pos+1, l.Text, describe(buf, pos))
			}
			pos++
			delta--
		case Add:
			out = append(out, l.Text)
			delta++
		}
	}
	return append(out, buf[pos:]...), delta, nil
}

func describe(buf []string, pos int) string {
	if pos >= len(buf) {
		return "end of file"
	}
	return `"` + buf[pos] + `"`
}

// commit writes every file. If a write fails, files already written are
// restored on a best-effort basis.
func commit(files []*pendingFile) error {
	var done []*pendingFile
	for _, pf := range files {
		if err := write(pf); err != nil {
			for _, prev := range done {
				restore(prev)
			}
			return newError(CodeIOFailed, pf.path, "write: %v", err)
		}
		done = append(done, pf)
	}
	return nil
}

func write(pf *pendingFile) error {
	if pf.deleted {
		if !pf.exists {
			return nil
		}
		return os.Remove(pf.abs)
	}
	if err := os.MkdirAll(filepath.Dir(pf.abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(pf.abs, joinLines(pf.lines), pf.mode)
}

func restore(pf *pendingFile) {
	if !pf.exists {
		_ = os.Remove(pf.abs)
		return
	}
	_ = os.WriteFile(pf.abs, pf.original, pf.mode)
}
