package extract

import (
	"regexp"
	"strings"

	"hoverreply/internal/dom"
)

var (
	namePrefix     = regexp.MustCompile(`^[^:]+:\s*`)
	clockStamp     = regexp.MustCompile(`^\d{1,2}:\d{2}\s*(AM|PM)?\s*`)
	leadingMention = regexp.MustCompile(`^@\S+\s+`)
	anyMention     = regexp.MustCompile(`@\S+`)
	whitespace     = regexp.MustCompile(`\s+`)

	lineClock      = regexp.MustCompile(`^\d{1,2}:\d{2}`)
	lineMention    = regexp.MustCompile(`^@\S+$`)
	lineIdentifier = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Clean applies the content transforms in order: name prefix, clock
// timestamp, leading mention, remaining mentions, whitespace.
func Clean(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = namePrefix.ReplaceAllString(text, "")
	text = clockStamp.ReplaceAllString(text, "")
	text = leadingMention.ReplaceAllString(text, "")
	text = anyMention.ReplaceAllString(text, "")
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// LineScan is the last alternative: it walks the rendered lines and returns
// the first one that looks like prose rather than a timestamp, a bare mention
// or a bare username. It always applies, possibly with empty text.
func LineScan(n *dom.Node) (string, bool) {
	for _, raw := range strings.Split(n.InnerText(), "\n") {
		line := strings.TrimSpace(raw)
		if len([]rune(line)) <= 1 {
			continue
		}
		if lineClock.MatchString(line) || lineMention.MatchString(line) || lineIdentifier.MatchString(line) {
			continue
		}
		if strings.Contains(line, " ") {
			return line, true
		}
	}
	return "", true
}

// Sub-elements whose text is chrome rather than message body.
var unwantedSelectors = []string{
	`[class*="timestamp"]`,
	`[class*="username"]`,
	`[class*="author"]`,
	`[class*="botTag"]`,
	`[class*="reaction"]`,
	`[class*="embed"]`,
	`[class*="attachment"]`,
}

// FallbackContent is the last resort when extraction found nothing: the
// node's text with the text of known UI sub-elements cut out.
func FallbackContent(n *dom.Node) string {
	if n == nil {
		return ""
	}
	content := n.Text()
	for _, sel := range unwantedSelectors {
		found, err := n.QueryAll(sel)
		if err != nil {
			continue
		}
		for _, el := range found {
			if t := el.Text(); t != "" {
				content = strings.Replace(content, t, "", 1)
			}
		}
	}
	content = whitespace.ReplaceAllString(strings.TrimSpace(content), " ")
	return namePrefix.ReplaceAllString(content, "")
}
