// /internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func init() {
	err := godotenv.Load()
	if err != nil {
		log.Debug().Str("module", "config").Msg("no .env file found, falling back to system environment variables")
	}
}

type Config struct {
	ClientID     string   `env:"DISCORD_CLIENT_ID"`
	ClientSecret string   `env:"DISCORD_CLIENT_SECRET"`
	RedirectURI  string   `env:"DISCORD_REDIRECT_URI" envDefault:"http://localhost:8888/callback/discord"`
	Scopes       []string `env:"DISCORD_SCOPES" envSeparator:"," envDefault:"rpc,rpc.voice.read,rpc.voice.write,rpc.activities.write,identify"`
	BotToken     string   `env:"DISCORD_BOT_TOKEN"`

	RPCHost          string        `env:"DISCORD_RPC_HOST" envDefault:"127.0.0.1"`
	RPCPort          int           `env:"DISCORD_RPC_PORT" envDefault:"6463"`
	RPCOrigin        string        `env:"DISCORD_RPC_ORIGIN" envDefault:"https://localhost"`
	RPCTimeout       time.Duration `env:"DISCORD_RPC_TIMEOUT" envDefault:"10s"`
	AuthorizeTimeout time.Duration `env:"DISCORD_AUTHORIZE_TIMEOUT" envDefault:"2m"`

	StoragePath string `env:"STORAGE_PATH" envDefault:"datastore.json"`

	RichPresence         bool          `env:"RICH_PRESENCE_ENABLED" envDefault:"false"`
	RichPresenceInterval time.Duration `env:"RICH_PRESENCE_INTERVAL" envDefault:"30s"`
	RichPresenceDetails  string        `env:"RICH_PRESENCE_DETAILS" envDefault:"Mirroring voice"`

	MusicStatusURL string `env:"MUSIC_STATUS_URL"`

	ReconnectInitialDelay     time.Duration `env:"RECONNECT_INITIAL_DELAY" envDefault:"500ms"`
	ReconnectMaxDelay         time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectBreakerThreshold int           `env:"RECONNECT_BREAKER_THRESHOLD" envDefault:"10"`
	ReconnectBreakerCooldown  time.Duration `env:"RECONNECT_BREAKER_COOLDOWN" envDefault:"2m"`

	RecentChannelsLimit int `env:"RECENT_CHANNELS_LIMIT" envDefault:"5"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	LogFile   string `env:"LOG_FILE"`
}

// New parses the environment. Missing Discord credentials are not an error
// here; the session connector reports them when it registers.
func New() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.RecentChannelsLimit < 1 {
		cfg.RecentChannelsLimit = 1
	}
	return &cfg, nil
}

// RPCAddr returns host:port of the local Discord RPC server.
func (c *Config) RPCAddr() string {
	return fmt.Sprintf("%s:%d", c.RPCHost, c.RPCPort)
}
