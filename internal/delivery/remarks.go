package delivery

import (
	"regexp"
	"strings"

	"discquiz/pkg/tgui"
)

var rulePattern = regexp.MustCompile(`^\d+(\.\d+)+`)

// FormatRemarks renders question remarks as Telegram HTML. Rule numbers
// (e.g. "15.2") and the word "definition" link into the rules page; with
// no rulesURL the text is only escaped.
func FormatRemarks(remarks, rulesURL string) tgui.H {
	words := strings.Fields(remarks)
	out := make([]tgui.H, 0, len(words))
	for _, w := range words {
		out = append(out, formatWord(w, rulesURL))
	}
	return tgui.JoinH(" ", out...)
}

func formatWord(w, rulesURL string) tgui.H {
	if rulesURL == "" {
		return tgui.Esc(w)
	}
	if strings.EqualFold(w, "definition") {
		return tgui.Link(w, rulesURL+"#Definitions")
	}
	if rulePattern.MatchString(w) {
		rule := strings.TrimSuffix(w, ".")
		return tgui.Link(rule, rulesURL+"#"+rule)
	}
	return tgui.Esc(w)
}
