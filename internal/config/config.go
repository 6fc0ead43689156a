package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Quotes   Quotes   `mapstructure:"quotes"`
	Ledger   Ledger   `mapstructure:"ledger"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Quotes holds the configuration for the market data client.
type Quotes struct {
	BaseURL        string  `mapstructure:"base_url"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Server holds the configuration for the HTTP server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Ledger holds the configuration for the trading ledger.
type Ledger struct {
	// InitialBalance is the simulated cash every new account starts with.
	InitialBalance float64 `mapstructure:"initial_balance"`
	// SeedAccounts are created at startup if missing, mainly for demos.
	SeedAccounts []string `mapstructure:"seed_accounts"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("quotes.base_url", "https://api.binance.com/api/v3")
	viper.SetDefault("quotes.rate_limit", 20)      // requests per second
	viper.SetDefault("quotes.rate_limit_burst", 5) // burst size
	viper.SetDefault("ledger.initial_balance", 10000.0)
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.dsn", "coinbank.db")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
