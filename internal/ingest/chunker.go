package ingest

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/Klarline/academe/internal/models"
)

// SplitterKind selects the chunk-boundary strategy a profile uses.
type SplitterKind string

const (
	SplitterSemantic  SplitterKind = "semantic"
	SplitterRecursive SplitterKind = "recursive"
)

// ChunkProfile is the per-source-type chunking recipe: target size,
// overlap, splitter strategy, and the parent window used to build the
// coarser parent chunk each child chunk is anchored to. ParentChunks <= 0
// disables parent chunking entirely: children are stored with no ParentID.
type ChunkProfile struct {
	TargetChars  int
	OverlapChars int
	ParentChunks int
	Splitter     SplitterKind
	CodeAware    bool
}

// profileTable mirrors the teacher's ChunkerConfig defaults
// (ChunkSize=1000, ChunkOverlap=200) but specializes it per source type:
// textbook prose gets the heading-aware semantic splitter with parents for
// broader context; code and notes are short, self-contained, and never get
// a parent; paper and general fall back to the recursive splitter.
var profileTable = map[models.SourceType]ChunkProfile{
	models.SourceTextbook: {TargetChars: 1200, OverlapChars: 300, ParentChunks: 3, Splitter: SplitterSemantic},
	models.SourcePaper:    {TargetChars: 800, OverlapChars: 200, ParentChunks: 2, Splitter: SplitterRecursive},
	models.SourceNotes:    {TargetChars: 600, OverlapChars: 100, ParentChunks: 0, Splitter: SplitterRecursive},
	models.SourceCode:     {TargetChars: 1000, OverlapChars: 150, ParentChunks: 0, Splitter: SplitterRecursive, CodeAware: true},
	models.SourceGeneral:  {TargetChars: 1000, OverlapChars: 200, ParentChunks: 2, Splitter: SplitterRecursive},
}

func ProfileFor(st models.SourceType) ChunkProfile {
	if p, ok := profileTable[st]; ok {
		return p
	}
	return profileTable[models.SourceGeneral]
}

// segment is one splitter output unit, carrying the heading in effect when
// the semantic splitter produced it (empty for the recursive splitter).
type segment struct {
	Text    string
	Heading string
}

// Split produces child chunks plus their parent chunks for doc. Parent
// chunks are persisted like any other chunk (ParentID=="") but are only
// surfaced via Retriever.Expand, never directly returned from search. When
// profile.ParentChunks <= 0, children are emitted directly with no parent.
func Split(doc models.Document, text string, profile ChunkProfile) (children []models.Chunk, parents []models.Chunk) {
	var segs []segment
	if profile.Splitter == SplitterSemantic {
		segs = splitSemantic(text, profile.TargetChars)
	} else {
		segs = splitRecursive(text, profile.TargetChars, profile.CodeAware)
	}
	segs = applyOverlap(segs, profile.OverlapChars)

	if profile.ParentChunks <= 0 {
		for _, s := range segs {
			children = append(children, models.Chunk{
				ID:           uuid.New().String(),
				DocumentID:   doc.ID,
				UserID:       doc.UserID,
				Ordinal:      len(children),
				Text:         s.Text,
				SectionTitle: s.Heading,
			})
		}
		return children, nil
	}

	for i := 0; i < len(segs); i += profile.ParentChunks {
		end := i + profile.ParentChunks
		if end > len(segs) {
			end = len(segs)
		}
		group := segs[i:end]

		var parentText strings.Builder
		for _, s := range group {
			parentText.WriteString(s.Text)
			parentText.WriteString("\n\n")
		}
		parentID := uuid.New().String()
		parents = append(parents, models.Chunk{
			ID:         parentID,
			DocumentID: doc.ID,
			UserID:     doc.UserID,
			Ordinal:    len(parents),
			Text:       strings.TrimSpace(parentText.String()),
		})

		for _, s := range group {
			children = append(children, models.Chunk{
				ID:           uuid.New().String(),
				DocumentID:   doc.ID,
				UserID:       doc.UserID,
				Ordinal:      len(children),
				Text:         s.Text,
				SectionTitle: s.Heading,
				ParentID:     parentID,
			})
		}
	}
	return children, parents
}

// applyOverlap repeats the last overlapChars characters of segment k at the
// start of segment k+1, the same overlap rule regardless of splitter.
func applyOverlap(segs []segment, overlapChars int) []segment {
	if overlapChars <= 0 || len(segs) < 2 {
		return segs
	}
	out := make([]segment, len(segs))
	out[0] = segs[0]
	for i := 1; i < len(segs); i++ {
		tail := segs[i-1].Text
		if len(tail) > overlapChars {
			tail = tail[len(tail)-overlapChars:]
		}
		out[i] = segment{Text: strings.TrimSpace(tail) + " " + segs[i].Text, Heading: segs[i].Heading}
	}
	return out
}

var headingLine = regexp.MustCompile(`(?m)^\s*(#{1,6}\s+.+|(?:Chapter|Section|Part)\s+\d+[:.]?.*|\d+(?:\.\d+)*\s+[A-Z].{0,80})\s*$`)

type semanticSection struct {
	Heading string
	Body    string
}

// splitSemantic breaks text at heading boundaries, then packs each
// section's paragraphs into pieces within roughly ±25% of targetChars,
// preferring heading-then-paragraph breaks over a hard cut.
func splitSemantic(text string, targetChars int) []segment {
	lo := int(float64(targetChars) * 0.75)
	hi := int(float64(targetChars) * 1.25)

	var out []segment
	for _, sec := range splitIntoSections(text) {
		var cur strings.Builder
		flush := func() {
			if cur.Len() == 0 {
				return
			}
			out = append(out, segment{Text: strings.TrimSpace(cur.String()), Heading: sec.Heading})
			cur.Reset()
		}
		for _, p := range splitParagraphs(sec.Body) {
			if cur.Len() > 0 && cur.Len()+len(p) > hi {
				flush()
			}
			cur.WriteString(p)
			cur.WriteString("\n\n")
			if cur.Len() >= lo && cur.Len() >= targetChars {
				flush()
			}
		}
		flush()
	}
	if len(out) == 0 && text != "" {
		out = []segment{{Text: strings.TrimSpace(text)}}
	}
	return out
}

func splitIntoSections(text string) []semanticSection {
	var sections []semanticSection
	var heading string
	var body strings.Builder

	flush := func() {
		if strings.TrimSpace(body.String()) != "" {
			sections = append(sections, semanticSection{Heading: heading, Body: body.String()})
		}
		body.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		if headingLine.MatchString(line) {
			flush()
			heading = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	if len(sections) == 0 {
		sections = []semanticSection{{Body: text}}
	}
	return sections
}

func splitParagraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

var recursiveSeparators = []string{"\n\n", "\n", ". ", " "}

var codeFenceBlockPattern = regexp.MustCompile("(?s)```.*?```")

// splitRecursive peels separators in order [\n\n, \n, ". ", " "], packing
// adjacent units up to targetChars and never letting a single output piece
// exceed 1.5x targetChars. When codeAware, code-fenced blocks are split out
// first so a fence is never torn across a prose separator.
func splitRecursive(text string, targetChars int, codeAware bool) []segment {
	capChars := int(float64(targetChars) * 1.5)
	if capChars < targetChars {
		capChars = targetChars
	}

	var blocks []string
	if codeAware {
		blocks = splitCodeBlocks(text)
	} else {
		blocks = []string{text}
	}

	var pieces []string
	for _, b := range blocks {
		pieces = append(pieces, recursiveSplitBlock(b, targetChars, capChars, recursiveSeparators)...)
	}
	if len(pieces) == 0 && text != "" {
		pieces = []string{strings.TrimSpace(text)}
	}

	segs := make([]segment, len(pieces))
	for i, p := range pieces {
		segs[i] = segment{Text: p}
	}
	return segs
}

// splitCodeBlocks separates ```-fenced blocks from surrounding prose so
// each is packed independently.
func splitCodeBlocks(text string) []string {
	matches := codeFenceBlockPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	var blocks []string
	last := 0
	for _, m := range matches {
		if m[0] > last {
			blocks = append(blocks, text[last:m[0]])
		}
		blocks = append(blocks, text[m[0]:m[1]])
		last = m[1]
	}
	if last < len(text) {
		blocks = append(blocks, text[last:])
	}
	return blocks
}

// recursiveSplitBlock packs text into pieces no larger than capChars,
// peeling the next separator in seps whenever a unit on its own would
// exceed capChars, and hard-cutting once no separator remains.
func recursiveSplitBlock(text string, targetChars, capChars int, seps []string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= capChars {
		return packBySeparator(text, targetChars, seps)
	}
	if len(seps) == 0 {
		return hardSplit(text, capChars)
	}
	sep := seps[0]
	if !strings.Contains(text, sep) {
		return recursiveSplitBlock(text, targetChars, capChars, seps[1:])
	}

	var pieces []string
	var cur strings.Builder
	for _, u := range splitKeepingSeparator(text, sep) {
		if len(u) > capChars {
			if cur.Len() > 0 {
				pieces = append(pieces, strings.TrimSpace(cur.String()))
				cur.Reset()
			}
			pieces = append(pieces, recursiveSplitBlock(u, targetChars, capChars, seps[1:])...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(u) > targetChars {
			pieces = append(pieces, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		cur.WriteString(u)
	}
	if cur.Len() > 0 {
		pieces = append(pieces, strings.TrimSpace(cur.String()))
	}
	return pieces
}

// packBySeparator greedily packs a piece already within capChars into
// targetChars-sized units, peeling separators only as needed.
func packBySeparator(text string, targetChars int, seps []string) []string {
	if len(text) <= targetChars || len(seps) == 0 {
		return []string{text}
	}
	sep := seps[0]
	if !strings.Contains(text, sep) {
		return packBySeparator(text, targetChars, seps[1:])
	}
	var pieces []string
	var cur strings.Builder
	for _, u := range splitKeepingSeparator(text, sep) {
		if cur.Len() > 0 && cur.Len()+len(u) > targetChars {
			pieces = append(pieces, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		cur.WriteString(u)
	}
	if cur.Len() > 0 {
		pieces = append(pieces, strings.TrimSpace(cur.String()))
	}
	return pieces
}

func hardSplit(text string, capChars int) []string {
	runes := []rune(text)
	var pieces []string
	for i := 0; i < len(runes); i += capChars {
		end := i + capChars
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, strings.TrimSpace(string(runes[i:end])))
	}
	return pieces
}

// splitKeepingSeparator splits text on sep, reattaching sep to the end of
// every piece but the (possibly empty) last one.
func splitKeepingSeparator(text, sep string) []string {
	parts := strings.Split(text, sep)
	units := make([]string, 0, len(parts))
	for i, p := range parts {
		if i < len(parts)-1 {
			units = append(units, p+sep)
		} else if p != "" {
			units = append(units, p)
		}
	}
	return units
}

func splitBySentence(text string, maxChars int) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(current.String())
			if len(s) > 0 {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if rem := strings.TrimSpace(current.String()); rem != "" {
		sentences = append(sentences, rem)
	}
	if len(sentences) == 0 {
		return []string{text}
	}
	return sentences
}
