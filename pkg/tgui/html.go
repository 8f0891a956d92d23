package tgui

import (
	"fmt"
	"html"
	"strings"
)

// ParseMode is the Telegram parse_mode value matching H.
const ParseMode = "HTML"

// H is HTML that is safe to send with ParseMode. Values of type H are
// already escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw marks a string as already-safe HTML.
func Raw(s string) H { return H(s) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func U(s string) H    { return wrap("u", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Link builds an anchor; both the URL and the text are escaped.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// JoinH joins non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// Lines accumulates a multi-line message.
type Lines struct {
	parts []H
}

func (l *Lines) Add(h H) *Lines {
	l.parts = append(l.parts, h)
	return l
}

func (l *Lines) Addf(format string, args ...any) *Lines {
	return l.Add(Esc(fmt.Sprintf(format, args...)))
}

func (l *Lines) Len() int { return len(l.parts) }

func (l *Lines) H() H {
	ss := make([]string, len(l.parts))
	for i, p := range l.parts {
		ss[i] = p.String()
	}
	return H(strings.Join(ss, "\n"))
}
