package segment

import "testing"

func TestSanitize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "Just a sentence.", "Just a sentence."},
		{"heading pause", "## Getting Started\nStep one.", "Getting Started. . . . Step one."},
		{"nested heading", "### Deep Dive\nText.", "Deep Dive. . . . Text."},
		{"emphasis", "**bold** and *italic* and __strong__ and ~~gone~~", "bold and italic and strong and gone"},
		{"caret", "x^2 + y^2", "x2 + y2"},
		{"link keeps text", "see [the docs](https://example.com/docs) for more", "see the docs for more"},
		{"fenced code removed", "before\n```\nfunc main() {}\n```\nafter", "before after"},
		{"inline code literal", "run `go build` first", "run go build first"},
		{"whitespace collapsed", "  a\n\n\tb   c  ", "a b c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Sanitize(tc.in)
			if got != tc.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSanitizeDeterministic(t *testing.T) {
	in := "## Title\nSome **text** with [a link](https://x.test) and `code`."
	first := Sanitize(in)
	for i := 0; i < 5; i++ {
		if got := Sanitize(in); got != first {
			t.Fatalf("sanitize not deterministic: %q vs %q", got, first)
		}
	}
}
