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

// Config holds all the configuration variables for the bonus-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	PostingEventExchange       string `mapstructure:"POSTING_EVENT_EXCHANGE"`
	PostingEventQueue          string `mapstructure:"POSTING_EVENT_QUEUE"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	BonusMaturityDays          int    `mapstructure:"BONUS_MATURITY_DAYS"`
	MaturityMissingOrderPolicy string `mapstructure:"MATURITY_MISSING_ORDER_POLICY"`
	MaturitySweepSchedule      string `mapstructure:"MATURITY_SWEEP_SCHEDULE"`
	AccrualReconcileSchedule   string `mapstructure:"ACCRUAL_RECONCILE_SCHEDULE"`
	WithdrawalRequestsPerHour  int    `mapstructure:"WITHDRAWAL_REQUESTS_PER_HOUR"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "bonus:rate_limit")
	viper.SetDefault("POSTING_EVENT_EXCHANGE", "orders.events")
	viper.SetDefault("POSTING_EVENT_QUEUE", "bonus_service.posting_updates")
	viper.SetDefault("BONUS_MATURITY_DAYS", 14)
	viper.SetDefault("MATURITY_MISSING_ORDER_POLICY", "assume_delivered")
	viper.SetDefault("MATURITY_SWEEP_SCHEDULE", "0 * * * *")
	viper.SetDefault("ACCRUAL_RECONCILE_SCHEDULE", "30 3 * * *")
	viper.SetDefault("WITHDRAWAL_REQUESTS_PER_HOUR", 5)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BONUS_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("POSTING_EVENT_EXCHANGE")
	_ = viper.BindEnv("POSTING_EVENT_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "BONUS_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("BONUS_MATURITY_DAYS")
	_ = viper.BindEnv("MATURITY_MISSING_ORDER_POLICY")
	_ = viper.BindEnv("MATURITY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("ACCRUAL_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("WITHDRAWAL_REQUESTS_PER_HOUR")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("BONUS_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "bonus:rate_limit"
	}

	if config.BonusMaturityDays <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive maturity window configured; coercing to 14 days\" days=%d", config.BonusMaturityDays)
		config.BonusMaturityDays = 14
	}

	config.MaturityMissingOrderPolicy = strings.ToLower(strings.TrimSpace(config.MaturityMissingOrderPolicy))
	switch config.MaturityMissingOrderPolicy {
	case "assume_delivered", "hold_frozen":
	default:
		log.Printf("level=warn component=config msg=\"unknown missing-order policy; using assume_delivered\" value=%q", config.MaturityMissingOrderPolicy)
		config.MaturityMissingOrderPolicy = "assume_delivered"
	}

	if strings.TrimSpace(config.MaturitySweepSchedule) == "" {
		config.MaturitySweepSchedule = "0 * * * *"
	}
	if strings.TrimSpace(config.AccrualReconcileSchedule) == "" {
		config.AccrualReconcileSchedule = "30 3 * * *"
	}

	if config.WithdrawalRequestsPerHour < 0 {
		log.Printf("level=warn component=config msg=\"negative withdrawal rate limit configured; disabling\" value=%d", config.WithdrawalRequestsPerHour)
		config.WithdrawalRequestsPerHour = 0
	}

	return
}
