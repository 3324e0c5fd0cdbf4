package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full client configuration: where the platform lives, how
// to authenticate, which broker channels to use and the local tuning
// knobs. Defaults cover everything except the server addresses and
// credentials.
type Config struct {
	API struct {
		BaseURL  string `koanf:"base_url"`
		WSURL    string `koanf:"ws_url"`
		Token    string `koanf:"token"`
		Username string `koanf:"username"`
		Password string `koanf:"password"`
	} `koanf:"api"`

	Topics struct {
		Inbox    string `koanf:"inbox"`
		Typing   string `koanf:"typing"`
		Dialogs  string `koanf:"dialogs"`
		Presence string `koanf:"presence"`
	} `koanf:"topics"`

	Destinations struct {
		Send   string `koanf:"send"`
		Typing string `koanf:"typing"`
		Edit   string `koanf:"edit"`
		Delete string `koanf:"delete"`
		React  string `koanf:"react"`
		Read   string `koanf:"read"`
		View   string `koanf:"view"`
		Join   string `koanf:"join"`
		Leave  string `koanf:"leave"`
	} `koanf:"destinations"`

	Session struct {
		PageSize            int           `koanf:"page_size"`
		TypingThrottle      time.Duration `koanf:"typing_throttle"`
		TypingStopAfter     time.Duration `koanf:"typing_stop_after"`
		TypingExpiry        time.Duration `koanf:"typing_expiry"`
		DetailRefreshWindow time.Duration `koanf:"detail_refresh_window"`
		MutationFallback    bool          `koanf:"mutation_fallback"`
	} `koanf:"session"`

	Router struct {
		DialogsDebounce   time.Duration `koanf:"dialogs_debounce"`
		HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
		HeartbeatMinGap   time.Duration `koanf:"heartbeat_min_gap"`
	} `koanf:"router"`

	Cache struct {
		File string `koanf:"file"`
	} `koanf:"cache"`

	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

// Load reads defaults, then an optional TOML file, then DOVERIE_*
// environment variables; later sources win.
func Load(configPath string) (*Config, error) {
	var k = koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"topics.inbox":                  "/user/queue/messages",
		"topics.typing":                 "/user/queue/typing",
		"topics.dialogs":                "/user/queue/dialogs",
		"topics.presence":               "/topic/presence",
		"destinations.send":             "/app/chat.send",
		"destinations.typing":           "/app/chat.typing",
		"destinations.edit":             "/app/chat.edit",
		"destinations.delete":           "/app/chat.delete",
		"destinations.react":            "/app/chat.react",
		"destinations.read":             "/app/chat.read",
		"destinations.view":             "/app/chat.view",
		"session.page_size":             30,
		"session.typing_throttle":       "900ms",
		"session.typing_stop_after":     "1200ms",
		"session.typing_expiry":         "2600ms",
		"session.detail_refresh_window": "15s",
		"router.dialogs_debounce":       "300ms",
		"router.heartbeat_interval":     "20s",
		"router.heartbeat_min_gap":      "2s",
		"cache.file":                    "doverie.db",
		"log.level":                     "info",
	}, "."), nil)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./doverie.toml", "$HOME/.doverie.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	k.Load(env.Provider("DOVERIE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "DOVERIE_")), "_", ".", 1)
	}), nil)

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.WSURL == "" {
		return fmt.Errorf("api.ws_url is required")
	}
	if c.API.Token == "" && c.API.Username == "" {
		return fmt.Errorf("either api.token or api.username with api.password is required")
	}
	return nil
}
