package profile

import "github.com/pigeon-im/pigeon/internal/config"

const DefaultName = "default"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (-profile flag)
// 2. config.toml default_profile
// 3. "default"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}
