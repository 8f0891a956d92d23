package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings.
const (
	EnvToken        = "TELEGRAM_BOT_API_TOKEN"
	EnvAdmins       = "LIST_OF_ADMINS"
	EnvFlaskAPIURL  = "FLASK_API_URL"
	EnvQuizAPIURL   = "QUIZ_API_URL"
	EnvTimezone     = "LOCAL_TIMEZONE"
	EnvRulesPageURL = "RULES_PAGE_URL"
	EnvDatabasePath = "DATABASE_PATH"
	EnvStorageDSN   = "STORAGE_DSN"
)

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvAdmins); ok {
		ids, err := parseAdminList(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAdmins, err)
		}
		cfg.Telegram.AdminUserIDs = ids
	}
	if v, ok := get(EnvFlaskAPIURL); ok {
		cfg.Quiz.APIURL = v
	}
	if v, ok := get(EnvQuizAPIURL); ok {
		cfg.Quiz.APIURL = v
	}
	if v, ok := get(EnvTimezone); ok {
		cfg.Quiz.Timezone = v
	}
	if v, ok := get(EnvRulesPageURL); ok {
		cfg.Quiz.RulesPageURL = v
	}
	if v, ok := get(EnvDatabasePath); ok {
		cfg.Storage.Path = v
		if strings.TrimSpace(cfg.Storage.Driver) == "" {
			cfg.Storage.Driver = "sqlite"
		}
	}
	if v, ok := get(EnvStorageDSN); ok {
		cfg.Storage.DSN = v
		if strings.TrimSpace(cfg.Storage.Driver) == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	return nil
}

// parseAdminList decodes a JSON array of user IDs; quoted numbers are
// accepted too.
func parseAdminList(raw string) ([]int64, error) {
	var nums []json.Number
	if err := json.Unmarshal([]byte(raw), &nums); err != nil {
		return nil, fmt.Errorf("expected a JSON array of user IDs: %w", err)
	}
	out := make([]int64, 0, len(nums))
	for _, n := range nums {
		id, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q", n.String())
		}
		out = append(out, id)
	}
	return out, nil
}
