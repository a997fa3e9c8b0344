package breaker

import "github.com/angelmondragon/creditmeter/pkg/config"

// SettingsFromConfig maps the env-driven breaker config onto Settings.
func SettingsFromConfig(name string, cfg config.BreakerConfig) Settings {
	return Settings{
		Name:         name,
		Timeout:      cfg.Timeout,
		Window:       cfg.Window,
		FailureRatio: cfg.FailureRatio,
		MinRequests:  cfg.MinRequests,
		Cooldown:     cfg.Cooldown,
	}
}
