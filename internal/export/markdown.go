package export

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// MarkdownToHTML converts the markdown subset used by content bodies
// (headings, paragraphs, lists, emphasis, links, inline code) to HTML.
// Unknown constructs degrade to escaped paragraphs rather than erroring.
func MarkdownToHTML(src string) string {
	var out strings.Builder
	lines := strings.Split(src, "\n")
	i := 0
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			i++
		case strings.HasPrefix(trimmed, "#"):
			level, text := splitHeading(trimmed)
			fmt.Fprintf(&out, "<h%d>%s</h%d>\n", level, renderInline(text), level)
			i++
		case isListItem(trimmed):
			i = renderList(&out, lines, i)
		case strings.HasPrefix(trimmed, "```"):
			i = renderCodeBlock(&out, lines, i)
		default:
			// Gather consecutive non-blank lines into one paragraph.
			var para []string
			for i < len(lines) {
				t := strings.TrimSpace(lines[i])
				if t == "" || strings.HasPrefix(t, "#") || isListItem(t) || strings.HasPrefix(t, "```") {
					break
				}
				para = append(para, t)
				i++
			}
			fmt.Fprintf(&out, "<p>%s</p>\n", renderInline(strings.Join(para, " ")))
		}
	}
	return out.String()
}

func splitHeading(line string) (int, string) {
	level := 0
	for level < len(line) && line[level] == '#' && level < 6 {
		level++
	}
	return level, strings.TrimSpace(line[level:])
}

func isListItem(line string) bool {
	return strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ")
}

func renderList(out *strings.Builder, lines []string, i int) int {
	out.WriteString("<ul>\n")
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if !isListItem(trimmed) {
			break
		}
		fmt.Fprintf(out, "<li>%s</li>\n", renderInline(strings.TrimSpace(trimmed[2:])))
		i++
	}
	out.WriteString("</ul>\n")
	return i
}

func renderCodeBlock(out *strings.Builder, lines []string, i int) int {
	i++ // skip opening fence
	var code []string
	for i < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
		code = append(code, lines[i])
		i++
	}
	if i < len(lines) {
		i++ // skip closing fence
	}
	fmt.Fprintf(out, "<pre><code>%s</code></pre>\n", html.EscapeString(strings.Join(code, "\n")))
	return i
}

var (
	boldPattern   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicPattern = regexp.MustCompile(`\*([^*]+)\*`)
	codePattern   = regexp.MustCompile("`([^`]+)`")
	linkPattern   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// renderInline escapes the text then applies inline formatting. Escaping
// first keeps user content from injecting markup; the patterns below only
// reintroduce tags we generate ourselves.
func renderInline(text string) string {
	escaped := html.EscapeString(text)
	escaped = codePattern.ReplaceAllString(escaped, "<code>$1</code>")
	escaped = boldPattern.ReplaceAllString(escaped, "<strong>$1</strong>")
	escaped = italicPattern.ReplaceAllString(escaped, "<em>$1</em>")
	escaped = linkPattern.ReplaceAllStringFunc(escaped, func(m string) string {
		parts := linkPattern.FindStringSubmatch(m)
		href := parts[2]
		if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
			return parts[1]
		}
		return fmt.Sprintf(`<a href="%s">%s</a>`, href, parts[1])
	})
	return escaped
}
