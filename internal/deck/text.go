package deck

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML reduces card markup to speakable text: tags are dropped,
// entities decoded, script and style bodies removed, Anki media tags like
// [sound:x.mp3] removed, and whitespace collapsed.
func StripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(stripMedia(b.String())), " ")
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "div", "p", "li", "tr", "td":
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "div", "p", "li", "td":
				b.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}

// stripMedia removes [sound:...] and similar bracketed media references.
func stripMedia(s string) string {
	for {
		i := strings.Index(s, "[sound:")
		if i < 0 {
			return s
		}
		j := strings.IndexByte(s[i:], ']')
		if j < 0 {
			return s[:i]
		}
		s = s[:i] + " " + s[i+j+1:]
	}
}
