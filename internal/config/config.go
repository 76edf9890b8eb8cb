/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the escrow-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	ListingEventQueue    string `mapstructure:"LISTING_EVENT_QUEUE"`
	SessionJWKSURL       string `mapstructure:"SESSION_JWKS_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	RPCEndpoint   string `mapstructure:"RPC_ENDPOINT"`
	RPCCommitment string `mapstructure:"RPC_COMMITMENT"`
	RPCRetries    int    `mapstructure:"RPC_RETRIES"`

	AuthorityMnemonic  string `mapstructure:"AUTHORITY_MNEMONIC"`
	AuthoritySecretKey string `mapstructure:"AUTHORITY_SECRET_KEY"`
	OperatorAddress    string `mapstructure:"OPERATOR_ADDRESS"`
	RoyaltyRecipient   string `mapstructure:"ROYALTY_RECIPIENT"`
	RoyaltyRatePercent int    `mapstructure:"ROYALTY_RATE_PERCENT"`
	DerivationVersion  int    `mapstructure:"DERIVATION_VERSION"`

	SweepSchedule              string `mapstructure:"SWEEP_SCHEDULE"`
	StaleTTLMinutes            int    `mapstructure:"STALE_TTL_MINUTES"`
	PurchaseRateLimitPerMinute int    `mapstructure:"PURCHASE_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LISTING_EVENT_QUEUE", "escrow_service.listing_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "escrow:rate_limit")
	viper.SetDefault("RPC_ENDPOINT", "https://api.mainnet-beta.solana.com")
	viper.SetDefault("RPC_COMMITMENT", "confirmed")
	viper.SetDefault("RPC_RETRIES", 3)
	viper.SetDefault("ROYALTY_RATE_PERCENT", 3)
	viper.SetDefault("DERIVATION_VERSION", 2)
	viper.SetDefault("SWEEP_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("STALE_TTL_MINUTES", 30)
	viper.SetDefault("PURCHASE_RATE_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LISTING_EVENT_QUEUE")
	_ = viper.BindEnv("SESSION_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RPC_ENDPOINT")
	_ = viper.BindEnv("RPC_COMMITMENT")
	_ = viper.BindEnv("RPC_RETRIES")
	_ = viper.BindEnv("AUTHORITY_MNEMONIC")
	_ = viper.BindEnv("AUTHORITY_SECRET_KEY")
	_ = viper.BindEnv("OPERATOR_ADDRESS")
	_ = viper.BindEnv("ROYALTY_RECIPIENT")
	_ = viper.BindEnv("ROYALTY_RATE_PERCENT")
	_ = viper.BindEnv("DERIVATION_VERSION")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("STALE_TTL_MINUTES")
	_ = viper.BindEnv("PURCHASE_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("ESCROW_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "escrow:rate_limit"
	}

	config.RPCCommitment = strings.ToLower(strings.TrimSpace(config.RPCCommitment))
	switch config.RPCCommitment {
	case "finalized", "confirmed":
	default:
		if config.RPCCommitment != "" {
			log.Printf("level=warn component=config msg=\"unsupported RPC commitment; falling back to confirmed\" value=%q", config.RPCCommitment)
		}
		config.RPCCommitment = "confirmed"
	}

	if config.RPCRetries <= 0 {
		config.RPCRetries = 3
	}

	if config.RoyaltyRatePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative royalty rate configured; coercing to zero\" rate_percent=%d", config.RoyaltyRatePercent)
		config.RoyaltyRatePercent = 0
	}
	if config.RoyaltyRatePercent > 100 {
		log.Printf("level=warn component=config msg=\"royalty rate too high; capping at 100\" rate_percent=%d", config.RoyaltyRatePercent)
		config.RoyaltyRatePercent = 100
	}

	if config.DerivationVersion != 1 && config.DerivationVersion != 2 {
		log.Printf("level=warn component=config msg=\"unknown derivation version; falling back to 2\" version=%d", config.DerivationVersion)
		config.DerivationVersion = 2
	}

	if config.StaleTTLMinutes <= 0 {
		config.StaleTTLMinutes = 30
	}
	if config.PurchaseRateLimitPerMinute <= 0 {
		config.PurchaseRateLimitPerMinute = 30
	}

	return
}
