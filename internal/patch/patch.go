// Package patch parses unified diffs and applies them inside a root
// directory.
package patch

import "fmt"

// Failure codes reported by Parse and Apply.
const (
	CodeForbiddenPath     = "forbidden_path"
	CodeMissingNewFile    = "invalid_diff_missing_new_file"
	CodeInvalidHunkHeader = "invalid_hunk_header"
	CodeInvalidHunkLine   = "invalid_hunk_line"
	CodeEmptyFileHunks    = "empty_file_hunks"
	CodeNoFiles           = "no_files_in_patch"
	CodeContextMismatch   = "hunk_context_mismatch"
	CodeDeleteMismatch    = "hunk_delete_mismatch"
	CodeFileNotFound      = "file_not_found"
	CodeFileExists        = "file_exists"
	CodeIOFailed          = "io_failed"
)

// Error is a patch failure carrying one of the codes above.
type Error struct {
	Code    string
	Path    string
	Message string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode returns the failure code.
func (e *Error) ErrorCode() string { return e.Code }

func newError(code, path, format string, args ...any) *Error {
	return &Error{Code: code, Path: path, Message: fmt.Sprintf(format, args...)}
}

// LineKind tags one hunk body line.
type LineKind byte

const (
	Context LineKind = ' '
	Add     LineKind = '+'
	Delete  LineKind = '-'
)

// Line is one tagged line of a hunk body.
type Line struct {
	Kind LineKind
	Text string
}

// Hunk is one @@ section of a file patch.
type Hunk struct {
	OldStart, OldCount int
	NewStart, NewCount int
	Lines              []Line
}

// FilePatch is the set of hunks for one file.
type FilePatch struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

// Path is the logical path the hunks apply to.
func (f FilePatch) Path() string {
	if f.NewPath == devNull {
		return f.OldPath
	}
	return f.NewPath
}

// IsNew reports whether the file is created by the patch.
func (f FilePatch) IsNew() bool { return f.OldPath == devNull }

// IsDeleted reports whether the file is removed by the patch.
func (f FilePatch) IsDeleted() bool { return f.NewPath == devNull }

// Patch is a parsed unified diff.
type Patch struct {
	Files []FilePatch
}

// AppliedFile reports one file written by Apply.
type AppliedFile struct {
	Path                  string `json:"path"`
	HunkCount             int    `json:"hunkCount"`
	LineEndingsNormalized bool   `json:"lineEndingsNormalized,omitempty"`
	Created               bool   `json:"created,omitempty"`
	Deleted               bool   `json:"deleted,omitempty"`
}

// Result is the outcome of a successful Apply.
type Result struct {
	AppliedFiles []AppliedFile `json:"appliedFiles"`
}
