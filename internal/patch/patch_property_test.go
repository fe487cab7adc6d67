package patch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// edit is a generated file and the edit script applied to it.
type edit struct {
	Lines []string
	Ops   []int
}

const (
	opKeep = iota
	opDelete
	opReplace
	opInsert
)

func genEdit() gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOf(gen.AlphaString()).SuchThat(func(v []string) bool { return len(v) > 0 }),
		gen.SliceOf(gen.IntRange(opKeep, opInsert)),
	).Map(func(v []any) edit {
		return edit{Lines: v[0].([]string), Ops: v[1].([]int)}
	})
}

// diff renders e as a one-hunk unified diff of a.txt and returns the lines
// the file should hold afterwards.
func (e edit) diff() (string, []string) {
	var body, want []string
	oldCount, newCount := 0, 0
	for i, line := range e.Lines {
		op := opKeep
		if len(e.Ops) > 0 {
			op = e.Ops[i%len(e.Ops)]
		}
		switch op {
		case opKeep:
			body = append(body, " "+line)
			want = append(want, line)
			oldCount++
			newCount++
		case opDelete:
			body = append(body, "-"+line)
			oldCount++
		case opReplace:
			body = append(body, "-"+line, "+"+line+"X")
			want = append(want, line+"X")
			oldCount++
			newCount++
		case opInsert:
			added := fmt.Sprintf("new%d", i)
			body = append(body, "+"+added, " "+line)
			want = append(want, added, line)
			oldCount++
			newCount += 2
		}
	}
	header := fmt.Sprintf("--- a/a.txt\n+++ b/a.txt\n@@ -1,%d +1,%d @@\n", oldCount, newCount)
	return header + strings.Join(body, "\n") + "\n", want
}

func content(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestApplyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("applying a diff yields its new side", prop.ForAll(
		func(e edit) bool {
			root := t.TempDir()
			p := filepath.Join(root, "a.txt")
			if err := os.WriteFile(p, []byte(content(e.Lines)), 0o644); err != nil {
				return false
			}
			text, want := e.diff()
			res, err := Apply(root, text)
			if err != nil {
				t.Logf("apply failed: %v\n%s", err, text)
				return false
			}
			got, err := os.ReadFile(p)
			if err != nil {
				return false
			}
			return string(got) == content(want) &&
				len(res.AppliedFiles) == 1 && res.AppliedFiles[0].HunkCount == 1
		},
		genEdit(),
	))

	properties.Property("a diff against different content changes nothing", prop.ForAll(
		func(e edit) bool {
			root := t.TempDir()
			p := filepath.Join(root, "a.txt")
			drifted := append([]string{e.Lines[0] + "!"}, e.Lines[1:]...)
			before := content(drifted)
			if err := os.WriteFile(p, []byte(before), 0o644); err != nil {
				return false
			}
			text, _ := e.diff()
			_, err := Apply(root, text)
			var perr *Error
			if !errors.As(err, &perr) {
				return false
			}
			if perr.Code != CodeContextMismatch && perr.Code != CodeDeleteMismatch {
				return false
			}
			got, err := os.ReadFile(p)
			return err == nil && string(got) == before
		},
		genEdit(),
	))

	properties.TestingRun(t)
}
