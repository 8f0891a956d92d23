package router

import (
	"strings"

	kit "discquiz/internal/transport"
)

// sanitizeTelegramCommand converts a name into a Telegram bot command,
// restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == ' ' || r == '/':
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

func buildMenuCommands(cmds []*Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	seen := map[string]bool{}
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
