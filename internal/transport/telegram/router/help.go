package router

import (
	"discquiz/pkg/tgui"
)

func (r *Router) helpText() tgui.H {
	r.mu.RLock()
	cmds := append([]*Command(nil), r.ordered...)
	r.mu.RUnlock()

	var l tgui.Lines
	l.Add(tgui.B("Commands"))
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		line := tgui.JoinH(" - ", tgui.Code(usage), tgui.Esc(c.Description))
		l.Add("• " + line)
	}
	return l.H()
}
