package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	maxTelegramLog   = 3500
	maxTelegramField = 600
	maxTelegramStack = 900
)

// telegramWriter is a zerolog LevelWriter that forwards events at or above
// the configured minimum level to the log chat. It never blocks the caller.
type telegramWriter struct{ svc *Service }

func (w *telegramWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	chatID, threadID := s.chatID, s.threadID
	lim, minLevel := s.limiter, s.minLevel
	s.mu.Unlock()

	if chatID == 0 || s.sender == nil || lim == nil || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}
	msg := formatTelegramJSON(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.tgQueue <- telegramItem{chatID: chatID, threadID: threadID, msg: msg}:
	default:
	}
	return len(p), nil
}

// formatTelegramJSON renders one zerolog JSON line as
// "[LEVEL] message" followed by "- key=value" lines in key order.
func formatTelegramJSON(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), maxTelegramLog)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + truncate(v, maxTelegramStack))
			continue
		}
		b.WriteString("\n- " + k + "=" + truncate(v, maxTelegramField))
	}
	return truncate(b.String(), maxTelegramLog)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
