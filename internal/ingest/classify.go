package ingest

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Klarline/academe/internal/models"
)

var (
	codeFencePattern    = regexp.MustCompile("```")
	theoremPattern      = regexp.MustCompile(`(?i)\b(theorem|lemma|corollary|proof|definition)\s+\d*[:.]`)
	abstractPattern     = regexp.MustCompile(`(?i)\babstract\b`)
	referencesPattern   = regexp.MustCompile(`(?i)\breferences\b`)
	bulletStepsPattern  = regexp.MustCompile(`(?m)^\s*(\d+[.)]|step\s+\d+)`)
	funcDefPattern      = regexp.MustCompile(`(?m)^\s*(func|def|class|public|private|import|package)\s`)
	markdownHeadingLine = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)
)

var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true,
	".c": true, ".cpp": true, ".h": true, ".rs": true, ".rb": true, ".sh": true,
}

var proseDocExtensions = map[string]bool{
	".pdf": true, ".epub": true,
}

// ClassifySource picks a models.SourceType from structural cues in the raw
// document text plus filename, the same kind of regex-heuristic
// classification the teacher uses to detect code/structured content before
// chunking. Ties resolve in table order: textbook, paper, notes, code,
// general.
func ClassifySource(text, filename string) models.SourceType {
	lines := strings.Count(text, "\n") + 1
	fenceCount := len(codeFencePattern.FindAllString(text, -1))
	headingRatio := float64(len(markdownHeadingLine.FindAllString(text, -1))) / float64(lines)
	ext := strings.ToLower(filepath.Ext(filename))

	switch {
	case theoremPattern.MatchString(text) && (headingRatio > 0.01 || proseDocExtensions[ext]):
		return models.SourceTextbook
	case abstractPattern.MatchString(text) && referencesPattern.MatchString(text):
		return models.SourcePaper
	case bulletStepsPattern.MatchString(text) && lines < 200 && headingRatio < 0.05:
		return models.SourceNotes
	case fenceCount >= 2 || codeExtensions[ext] || (funcDefPattern.MatchString(text) && lines > 20):
		return models.SourceCode
	default:
		return models.SourceGeneral
	}
}
