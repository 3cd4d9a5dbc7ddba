// Package diffview renders human-readable change summaries for task
// iterations: file-set deltas between snapshots and unified text diffs
// for individual files.
package diffview

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"

	"apex/internal/task"
)

// ChangeSet is the file-level delta between two snapshots.
type ChangeSet struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

// Total is the number of files touched in any way.
func (c ChangeSet) Total() int {
	return len(c.Added) + len(c.Modified) + len(c.Removed)
}

// CompareFileSets computes the change set between two snapshots.
// Added files appear only after; removed only before; modified is the
// entry's recorded modified list minus anything already counted as
// added.
func CompareFileSets(before, after task.FileSet, modified []string) ChangeSet {
	beforeAll := toSet(before.All())
	afterAll := toSet(after.All())

	var cs ChangeSet
	for file := range afterAll {
		if !beforeAll[file] {
			cs.Added = append(cs.Added, file)
		}
	}
	for file := range beforeAll {
		if !afterAll[file] {
			cs.Removed = append(cs.Removed, file)
		}
	}
	added := toSet(cs.Added)
	for _, file := range modified {
		if !added[file] {
			cs.Modified = append(cs.Modified, file)
		}
	}
	sort.Strings(cs.Added)
	sort.Strings(cs.Modified)
	sort.Strings(cs.Removed)
	return cs
}

func toSet(files []string) map[string]bool {
	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[f] = true
	}
	return set
}

// Summarize renders a one-line description of a change set, e.g.
// "2 added, 1 modified, 1 removed".
func Summarize(cs ChangeSet) string {
	if cs.Total() == 0 {
		return "no file changes"
	}
	var parts []string
	if n := len(cs.Added); n > 0 {
		parts = append(parts, fmt.Sprintf("%d added", n))
	}
	if n := len(cs.Modified); n > 0 {
		parts = append(parts, fmt.Sprintf("%d modified", n))
	}
	if n := len(cs.Removed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", n))
	}
	return strings.Join(parts, ", ")
}

// Generator renders unified text diffs, optionally colored for
// terminal display.
type Generator struct {
	colorEnabled bool
}

// NewGenerator builds a Generator. When color is enabled, additions are
// green, deletions red and hunk headers cyan.
func NewGenerator(colorEnabled bool) *Generator {
	return &Generator{colorEnabled: colorEnabled}
}

// maxDiffBytes guards against diffing huge blobs.
const maxDiffBytes = 10 * 1024 * 1024

// TextDiff holds a rendered diff plus line statistics.
type TextDiff struct {
	Unified      string
	AddedLines   int
	DeletedLines int
	Binary       bool
}

// Unified diffs two versions of a file. Identical content yields an
// empty diff; binary or oversized content yields a placeholder.
func (g *Generator) Unified(oldContent, newContent, filename string) *TextDiff {
	if oldContent == newContent {
		return &TextDiff{}
	}
	if isBinary(oldContent) || isBinary(newContent) {
		return &TextDiff{Unified: fmt.Sprintf("Binary file %s has changed", filename), Binary: true}
	}
	if len(oldContent) > maxDiffBytes || len(newContent) > maxDiffBytes {
		return &TextDiff{Unified: fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ file too large, diff skipped @@", filename, filename)}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(oldContent, newContent, false))
	patchText := dmp.PatchToText(dmp.PatchMake(oldContent, diffs))

	var out strings.Builder
	out.WriteString(g.colorize("--- a/"+filename+"\n", color.FgRed))
	out.WriteString(g.colorize("+++ b/"+filename+"\n", color.FgGreen))
	for _, line := range strings.Split(patchText, "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			out.WriteString(g.colorize(line+"\n", color.FgCyan))
		case strings.HasPrefix(line, "+"):
			out.WriteString(g.colorize(line+"\n", color.FgGreen))
		case strings.HasPrefix(line, "-"):
			out.WriteString(g.colorize(line+"\n", color.FgRed))
		case line != "":
			out.WriteString(line + "\n")
		}
	}

	added, deleted := countLines(diffs)
	return &TextDiff{
		Unified:      out.String(),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

func countLines(diffs []diffmatchpatch.Diff) (added, deleted int) {
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			deleted += n
		}
	}
	return
}

func (g *Generator) colorize(text string, attr color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	return color.New(attr).Sprint(text)
}

// isBinary scans the first 8000 bytes for a NUL.
func isBinary(content string) bool {
	limit := len(content)
	if limit > 8000 {
		limit = 8000
	}
	for i := 0; i < limit; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}
