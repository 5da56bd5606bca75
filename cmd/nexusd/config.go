package main

import (
	"fmt"

	"github.com/fenwick-labs/nexuscore/keycode"
	"github.com/fenwick-labs/nexuscore/nexuscore"
	"github.com/spf13/viper"
)

// appConfig is the harness's own configuration, loaded by viper from
// (in ascending priority) defaults, a config file, NEXUSD_-prefixed
// environment variables, and flags bound in root.go.
type appConfig struct {
	StorePath string
	Authority uint16
	DeviceID  uint32
	UserID    uint32

	Core nexuscore.Config
}

func setViperDefaults(v *viper.Viper) {
	v.SetDefault("store_path", "nexusd.db")
	v.SetDefault("authority", 1)
	v.SetDefault("device_id", 1)
	v.SetDefault("user_id", 100)
	v.SetDefault("core.role", "dual")
	v.SetDefault("core.max_simultaneous_links", 0) // 0 -> Config.Valid fills channel.MaxLinks
	v.SetDefault("core.link_timeout_seconds", 0)   // 0 -> Config.Valid fills the 90-day default
	v.SetDefault("core.qc_short_lifetime_max", 3)
	v.SetDefault("core.qc_long_lifetime_max", 3)
	v.SetDefault("bookend.start_char", "*")
	v.SetDefault("bookend.end_char", "#")
	v.SetDefault("bookend.has_end_char", true)
	v.SetDefault("bookend.alphabet", "0123456789")
	v.SetDefault("bookend.rate_limit_max", 10)
	v.SetDefault("bookend.rate_limit_initial", 10)
	v.SetDefault("bookend.refill_sec_per_attempt", 1800)
	v.SetDefault("bookend.entry_timeout_s", 30)
}

func loadConfig(v *viper.Viper) (appConfig, error) {
	var startChar, endChar string
	startChar = v.GetString("bookend.start_char")
	endChar = v.GetString("bookend.end_char")
	if len(startChar) != 1 {
		return appConfig{}, fmt.Errorf("nexusd: bookend.start_char must be exactly one character")
	}
	if v.GetBool("bookend.has_end_char") && len(endChar) != 1 {
		return appConfig{}, fmt.Errorf("nexusd: bookend.end_char must be exactly one character")
	}

	var role nexuscore.Role
	switch v.GetString("core.role") {
	case "controller":
		role = nexuscore.RoleController
	case "accessory":
		role = nexuscore.RoleAccessory
	case "dual":
		role = nexuscore.RoleDual
	default:
		return appConfig{}, fmt.Errorf("nexusd: core.role must be controller, accessory, or dual")
	}

	cfg := appConfig{
		StorePath: v.GetString("store_path"),
		Authority: uint16(v.GetInt("authority")),
		DeviceID:  uint32(v.GetInt64("device_id")),
		UserID:    uint32(v.GetInt64("user_id")),
		Core: nexuscore.Config{
			Role:                 role,
			MaxSimultaneousLinks: v.GetInt("core.max_simultaneous_links"),
			LinkTimeoutSeconds:   uint32(v.GetInt64("core.link_timeout_seconds")),
			QCShortLifetimeMax:   v.GetInt("core.qc_short_lifetime_max"),
			QCLongLifetimeMax:    v.GetInt("core.qc_long_lifetime_max"),
			Bookend: keycode.BookendConfig{
				StartChar:           startChar[0],
				HasEndChar:          v.GetBool("bookend.has_end_char"),
				Alphabet:            []byte(v.GetString("bookend.alphabet")),
				RateLimitMax:        v.GetInt("bookend.rate_limit_max"),
				RateLimitInitial:    v.GetInt("bookend.rate_limit_initial"),
				RefillSecPerAttempt: v.GetInt("bookend.refill_sec_per_attempt"),
				EntryTimeoutS:       v.GetInt("bookend.entry_timeout_s"),
			},
		},
	}
	if cfg.Core.Bookend.HasEndChar {
		cfg.Core.Bookend.EndChar = endChar[0]
	}
	return cfg, nil
}
