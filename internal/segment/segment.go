package segment

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Segment IDs follow the document layout: "intro" for content ahead of the
// first level-2 heading, "section_<i>" for the i-th heading section, and
// "full_content" when the document has no level-2 headings at all.
const (
	IntroID       = "intro"
	FullContentID = "full_content"
)

// minNarratable is the shortest sanitized text worth sending to synthesis.
// Anything shorter is dropped rather than cached.
const minNarratable = 3

var (
	h2Heading = regexp.MustCompile(`(?m)^##[ \t]+(.+)$`)
	blankRuns = regexp.MustCompile(`\n\n+`)
)

// Segment is one independently narratable slice of a document. Text is
// already sanitized and Checksum is its content address: identical text
// always maps to the identical checksum.
type Segment struct {
	ID       string
	Title    string
	Text     string
	Checksum string
}

// Checksum returns the cache key for a span of sanitized narration text.
func Checksum(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Splitter cuts documents into ordered segments at level-2 heading
// boundaries.
type Splitter struct {
	// Attribution is spoken at the end of the intro, e.g. "by Loqa Labs".
	Attribution string
}

// Split returns the ordered segments for a document body. The intro segment
// carries the title, description and attribution ahead of any pre-heading
// content; each heading section runs from its heading line to the start of
// the next. Section indices count headings in document order, so a section
// dropped for being too short leaves a gap in the emitted IDs rather than
// renumbering its successors.
func (s *Splitter) Split(title, description, body string) []Segment {
	content := blankRuns.ReplaceAllString(body, "\n\n")

	var prefix strings.Builder
	if title != "" {
		prefix.WriteString(title + ". ")
	}
	if description != "" && !strings.EqualFold(description, "none") {
		prefix.WriteString(description + " ")
	}
	if s.Attribution != "" {
		prefix.WriteString(s.Attribution)
	}
	// Trailing periods read as a longer pause before the body begins.
	prefix.WriteString(". . . . . ")

	matches := h2Heading.FindAllStringSubmatchIndex(content, -1)

	if len(matches) == 0 {
		if strings.TrimSpace(content) == "" {
			return nil
		}
		text := Sanitize(prefix.String() + strings.TrimSpace(content))
		if len(text) < minNarratable {
			return nil
		}
		return []Segment{{ID: FullContentID, Text: text, Checksum: Checksum(text)}}
	}

	var segments []Segment

	if matches[0][0] > 0 {
		text := Sanitize(prefix.String() + strings.TrimSpace(content[:matches[0][0]]))
		if len(text) >= minNarratable {
			segments = append(segments, Segment{ID: IntroID, Text: text, Checksum: Checksum(text)})
		}
	}

	for i, m := range matches {
		end := len(content)
		if i < len(matches)-1 {
			end = matches[i+1][0]
		}
		section := strings.TrimSpace(content[m[0]:end])
		if section == "" {
			continue
		}
		text := Sanitize(section)
		if len(text) < minNarratable {
			continue
		}
		segments = append(segments, Segment{
			ID:       fmt.Sprintf("section_%d", i),
			Title:    strings.TrimSpace(content[m[2]:m[3]]),
			Text:     text,
			Checksum: Checksum(text),
		})
	}

	return segments
}

// Find returns the segment with the given id, or false when the document has
// no such segment.
func Find(segments []Segment, id string) (Segment, bool) {
	for _, seg := range segments {
		if seg.ID == id {
			return seg, true
		}
	}
	return Segment{}, false
}
