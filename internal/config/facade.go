// facade.go -- Settings source backed by viper (file + OIDC_* env vars).
//
// Readers call Current() once per flow step and work from that copy.
// Reloads swap the whole snapshot atomically; an invalid reload keeps the last good one.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces settings env vars, e.g. OIDC_CLIENT_ID.
const EnvPrefix = "OIDC"

// legacyKeys maps older setting names to their current names.
// A legacy value is used only when the current key is unset.
var legacyKeys = map[string]string{
	"ep_login":       "endpoint_login",
	"ep_token":       "endpoint_token",
	"ep_userinfo":    "endpoint_userinfo",
	"ep_end_session": "endpoint_end_session",
}

// settingKeysWithoutDefault are bound to env alongside every key in settingDefaults.
var settingKeysWithoutDefault = []string{
	"client_id", "client_secret", "endpoint_login", "endpoint_token", "endpoint_userinfo",
	"endpoint_end_session", "endpoint_jwks", "issuer", "base_url", "acr_values",
}

// Facade serves the current Settings snapshot.
type Facade struct {
	path    string
	current atomic.Pointer[Settings]
	watcher *viper.Viper
}

// NewFacade loads and validates settings from path (may be empty) and the environment.
func NewFacade(path string) (*Facade, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	f := &Facade{path: path}
	f.current.Store(&s)
	return f, nil
}

// Current returns a copy of the active snapshot.
func (f *Facade) Current() Settings {
	return *f.current.Load()
}

// Reload re-reads the file and environment. On error the previous snapshot stays active.
func (f *Facade) Reload() error {
	s, err := LoadSettings(f.path)
	if err != nil {
		return err
	}
	f.current.Store(&s)
	return nil
}

// Watch reloads on every change to the settings file. No-op without a file.
func (f *Facade) Watch() {
	if f.path == "" || f.watcher != nil {
		return
	}
	v := viper.New()
	v.SetConfigFile(f.path)
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := f.Reload(); err != nil {
			slog.Error("settings reload failed, keeping previous settings", "file", e.Name, "error", err)
			return
		}
		slog.Info("settings reloaded", "file", e.Name)
	})
	v.WatchConfig()
	f.watcher = v
}

// Static is a fixed settings source, for tests and embedding.
type Static Settings

// Current returns the fixed snapshot.
func (s Static) Current() Settings {
	return Settings(s)
}

// LoadSettings builds one validated snapshot. A fresh viper instance is used
// per load so legacy-key overrides never leak between reloads.
func LoadSettings(path string) (Settings, error) {
	v := viper.New()
	for k, d := range settingDefaults {
		v.SetDefault(k, d)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for k := range settingDefaults {
		v.BindEnv(k)
	}
	for _, k := range settingKeysWithoutDefault {
		v.BindEnv(k)
	}
	for legacy := range legacyKeys {
		v.BindEnv(legacy)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("reading settings file %s: %w", path, err)
		}
	}

	normalizeLegacy(v)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// normalizeLegacy copies legacy key values into current keys that are unset.
func normalizeLegacy(v *viper.Viper) {
	for legacy, current := range legacyKeys {
		if v.IsSet(current) || !v.IsSet(legacy) {
			continue
		}
		slog.Warn("deprecated setting in use", "key", legacy, "replacement", current)
		v.Set(current, v.Get(legacy))
	}
}
