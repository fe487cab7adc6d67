package patch

import (
	"regexp"
	"strconv"
	"strings"
)

const devNull = "/dev/null"

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// gitHeaders are extended header lines that may sit between file sections.
var gitHeaders = []string{
	"diff ", "index ", "new file mode", "deleted file mode", "old mode", "new mode",
	"similarity index", "dissimilarity index", "rename from", "rename to", "copy from", "copy to",
}

func isGitHeader(line string) bool {
	for _, h := range gitHeaders {
		if strings.HasPrefix(line, h) {
			return true
		}
	}
	return false
}

// Parse parses unified diff text. CRLF line endings are accepted.
func Parse(text string) (*Patch, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	p := &parser{}
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		nextIsNew := i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ")

		if p.hunk != nil && !isGitHeader(line) && !strings.HasPrefix(line, "@@") && p.inBody(line) {
			if err := p.bodyLine(line); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case isFileHeader(line, nextIsNew):
			if err := p.closeFile(); err != nil {
				return nil, err
			}
			p.file = &FilePatch{
				OldPath: cleanPath(line[len("--- "):], "a/"),
				NewPath: cleanPath(lines[i+1][len("+++ "):], "b/"),
			}
			i++
		case strings.HasPrefix(line, "--- "):
			return nil, newError(CodeMissingNewFile, cleanPath(line[len("--- "):], "a/"), "expected +++ line after --- line")
		case strings.HasPrefix(line, "@@"):
			if p.file == nil {
				return nil, newError(CodeMissingNewFile, "", "hunk header before file header")
			}
			h, err := parseHunkHeader(line, p.file.Path())
			if err != nil {
				return nil, err
			}
			p.closeHunk()
			p.hunk = h
		default:
			// Preamble text and git extended headers.
			p.closeHunk()
		}
	}
	if err := p.closeFile(); err != nil {
		return nil, err
	}
	if len(p.patch.Files) == 0 {
		return nil, newError(CodeNoFiles, "", "patch contains no file sections")
	}
	return &p.patch, nil
}

func isFileHeader(line string, nextIsNew bool) bool {
	return strings.HasPrefix(line, "--- ") && nextIsNew
}

type parser struct {
	patch            Patch
	file             *FilePatch
	hunk             *Hunk
	oldSeen, newSeen int
}

func (p *parser) hunkSatisfied() bool {
	return p.oldSeen >= p.hunk.OldCount && p.newSeen >= p.hunk.NewCount
}

// inBody reports whether line continues the open hunk. Once the header
// counts are met only tagged lines do; a blank line or a file header ends it.
func (p *parser) inBody(line string) bool {
	if !p.hunkSatisfied() {
		return true
	}
	if line == "" || strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") {
		return false
	}
	switch line[0] {
	case ' ', '+', '-', '\\':
		return true
	}
	return false
}

func (p *parser) bodyLine(line string) error {
	if line == "" {
		// Some generators drop the single space of an empty context line.
		p.hunk.Lines = append(p.hunk.Lines, Line{Kind: Context})
		p.oldSeen++
		p.newSeen++
		return nil
	}
	switch kind := LineKind(line[0]); kind {
	case Context:
		p.oldSeen++
		p.newSeen++
		p.hunk.Lines = append(p.hunk.Lines, Line{Kind: kind, Text: line[1:]})
	case Delete:
		p.oldSeen++
		p.hunk.Lines = append(p.hunk.Lines, Line{Kind: kind, Text: line[1:]})
	case Add:
		p.newSeen++
		p.hunk.Lines = append(p.hunk.Lines, Line{Kind: kind, Text: line[1:]})
	case '\\':
		// "\ No newline at end of file"
	default:
		return newError(CodeInvalidHunkLine, p.file.Path(), "unexpected hunk line %q", line)
	}
	return nil
}

func (p *parser) closeHunk() {
	if p.hunk == nil {
		return
	}
	p.file.Hunks = append(p.file.Hunks, *p.hunk)
	p.hunk = nil
	p.oldSeen, p.newSeen = 0, 0
}

func (p *parser) closeFile() error {
	if p.file == nil {
		return nil
	}
	p.closeHunk()
	if len(p.file.Hunks) == 0 {
		return newError(CodeEmptyFileHunks, p.file.Path(), "file section has no hunks")
	}
	p.patch.Files = append(p.patch.Files, *p.file)
	p.file = nil
	return nil
}

func parseHunkHeader(line, path string) (*Hunk, error) {
	m := hunkHeaderRe.FindStringSubmatch(line)
	if m == nil {
		return nil, newError(CodeInvalidHunkHeader, path, "malformed hunk header %q", line)
	}
	h := &Hunk{OldCount: 1, NewCount: 1}
	var err error
	if h.OldStart, err = strconv.Atoi(m[1]); err != nil {
		return nil, newError(CodeInvalidHunkHeader, path, "bad old start in %q", line)
	}
	if h.NewStart, err = strconv.Atoi(m[3]); err != nil {
		return nil, newError(CodeInvalidHunkHeader, path, "bad new start in %q", line)
	}
	if m[2] != "" {
		if h.OldCount, err = strconv.Atoi(m[2]); err != nil {
			return nil, newError(CodeInvalidHunkHeader, path, "bad old count in %q", line)
		}
	}
	if m[4] != "" {
		if h.NewCount, err = strconv.Atoi(m[4]); err != nil {
			return nil, newError(CodeInvalidHunkHeader, path, "bad new count in %q", line)
		}
	}
	return h, nil
}

// cleanPath drops a trailing timestamp and the a/ or b/ prefix.
func cleanPath(raw, prefix string) string {
	if i := strings.IndexByte(raw, '\t'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimSpace(raw)
	if raw == devNull {
		return raw
	}
	return strings.TrimPrefix(raw, prefix)
}
