package config

import (
	"reflect"
	"strings"

	logx "discquiz/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{"storage": true, "telegram.token": true}

// SummarizeConfigChange lists the changed sections and safe log fields for
// them. Secrets (token, DSN) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram.token")
	}
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	ot.Token, nt.Token = "", ""
	if !reflect.DeepEqual(ot, nt) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.admin_count", len(nt.AdminUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Quiz != newCfg.Quiz {
		changed = append(changed, "quiz")
		attrs = append(attrs,
			logx.String("quiz.api_url", newCfg.Quiz.APIURL),
			logx.String("quiz.timezone", newCfg.Quiz.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Leaderboard, newCfg.Leaderboard) {
		changed = append(changed, "leaderboard")
		attrs = append(attrs,
			logx.Bool("leaderboard.enabled", newCfg.Leaderboard.Enabled),
			logx.String("leaderboard.time", newCfg.Leaderboard.Time),
			logx.String("leaderboard.scope", newCfg.Leaderboard.Scope),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	return changed, attrs
}

// RestartRequired returns the sections among changed that only take effect
// after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
