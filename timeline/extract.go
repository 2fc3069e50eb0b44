package timeline

import "regexp"

// stripRules run in order before the URL scan. Each removes markup whose
// URLs must not be previewed, or unwraps markup whose target should be.
var stripRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`!\[.*\]\(.*\)`), ""},
	{regexp.MustCompile("```[\\s\\S]*?```"), ""},
	{regexp.MustCompile("`[\\s\\S]*?`"), ""},
	{regexp.MustCompile(`<img.*?>`), ""},
	{regexp.MustCompile(`<social.*?>.*?</social>`), ""},
	{regexp.MustCompile(`<emojipack.*?/>`), ""},
	{regexp.MustCompile(`\[(.*)\]\((.*)\)`), "${2}"},
	// Anchors collapse to their attribute text, so an href survives.
	{regexp.MustCompile(`<a(.*?)>.*?</a>`), "${1}"},
}

var urlPattern = regexp.MustCompile(`https?://[\w.\-?=/&%#,@]+`)

// ExtractURL returns the first URL in a message body worth previewing, or
// "" when there is none.
func ExtractURL(text string) string {
	for _, rule := range stripRules {
		text = rule.re.ReplaceAllString(text, rule.repl)
	}
	return urlPattern.FindString(text)
}
