package segment

import (
	"regexp"
	"strings"
)

var (
	headingLine   = regexp.MustCompile(`(?m)^#+[ \t]+(.+)$`)
	emphasisMarks = regexp.MustCompile(`\*\*|\*|__|~~|\^`)
	markdownLink  = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	fencedCode    = regexp.MustCompile("```[^`]*```")
	inlineCode    = regexp.MustCompile("`([^`]+)`")
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// Sanitize strips markdown formatting from text so it reads naturally when
// narrated. Heading markers become the heading text followed by a spoken
// pause, links keep only their display text, fenced code blocks are dropped
// entirely and inline code keeps its literal text. The result is a single
// line with collapsed whitespace.
func Sanitize(text string) string {
	clean := headingLine.ReplaceAllString(text, "${1}. . . .")
	clean = emphasisMarks.ReplaceAllString(clean, "")
	clean = markdownLink.ReplaceAllString(clean, "$1")
	clean = fencedCode.ReplaceAllString(clean, " ")
	clean = inlineCode.ReplaceAllString(clean, "$1")
	clean = whitespaceRun.ReplaceAllString(clean, " ")
	return strings.TrimSpace(clean)
}
