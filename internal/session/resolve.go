package session

import "github.com/huddleapp/huddle/internal/config"

const DefaultSessionName = "main"

// Resolve picks the active session name: the -session flag wins, then
// default_session from config.toml, then "main". An unreadable config
// falls through to the default rather than failing resolution.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
