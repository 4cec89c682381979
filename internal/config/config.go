/**
 * @description
 * This package handles the configuration management for the billing-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env file,
 * providing a centralized and straightforward way to manage application settings.
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

const (
	defaultRazorpayAPIBaseURL   = "https://api.razorpay.com"
	defaultRazorpayTotalCount   = 12
	defaultRedisRateLimitPrefix = "transfa:billing_rate_limit"
	defaultEventExchange        = "billing_events"
)

// Config holds all the configuration variables for the billing-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                           string `mapstructure:"SERVER_PORT"`
	SupabaseURL                          string `mapstructure:"SUPABASE_URL"`
	AnonKey                              string `mapstructure:"ANON_KEY"`
	ServiceRoleKey                       string `mapstructure:"SERVICE_ROLE_KEY"`
	DatabaseURL                          string `mapstructure:"DATABASE_URL"`
	RazorpayKeyID                        string `mapstructure:"RAZORPAY_KEY_ID"`
	RazorpayKeySecret                    string `mapstructure:"RAZORPAY_KEY_SECRET"`
	RazorpayPlanID                       string `mapstructure:"RAZORPAY_PLAN_ID"`
	RazorpayAPIBaseURL                   string `mapstructure:"RAZORPAY_API_BASE_URL"`
	RazorpayTotalCount                   int    `mapstructure:"RAZORPAY_TOTAL_COUNT"`
	RedisURL                             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix                 string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	CreateSubscriptionRateLimitPerMinute int    `mapstructure:"CREATE_SUBSCRIPTION_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                          string `mapstructure:"RABBITMQ_URL"`
	BillingEventExchange                 string `mapstructure:"BILLING_EVENT_EXCHANGE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("RAZORPAY_API_BASE_URL", defaultRazorpayAPIBaseURL)
	viper.SetDefault("RAZORPAY_TOTAL_COUNT", defaultRazorpayTotalCount)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRedisRateLimitPrefix)
	viper.SetDefault("CREATE_SUBSCRIPTION_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("BILLING_EVENT_EXCHANGE", defaultEventExchange)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("SUPABASE_URL")
	_ = viper.BindEnv("ANON_KEY", "ANON_KEY", "SUPABASE_ANON_KEY")
	_ = viper.BindEnv("SERVICE_ROLE_KEY", "SERVICE_ROLE_KEY", "SUPABASE_SERVICE_ROLE_KEY")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RAZORPAY_KEY_ID")
	_ = viper.BindEnv("RAZORPAY_KEY_SECRET")
	_ = viper.BindEnv("RAZORPAY_PLAN_ID")
	_ = viper.BindEnv("RAZORPAY_API_BASE_URL")
	_ = viper.BindEnv("RAZORPAY_TOTAL_COUNT")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BILLING_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("CREATE_SUBSCRIPTION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("BILLING_EVENT_EXCHANGE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.SupabaseURL = strings.TrimRight(strings.TrimSpace(config.SupabaseURL), "/")
	config.AnonKey = strings.TrimSpace(config.AnonKey)
	config.ServiceRoleKey = strings.TrimSpace(config.ServiceRoleKey)
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RazorpayKeyID = strings.TrimSpace(config.RazorpayKeyID)
	config.RazorpayKeySecret = strings.TrimSpace(config.RazorpayKeySecret)
	config.RazorpayPlanID = strings.TrimSpace(config.RazorpayPlanID)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)

	config.RazorpayAPIBaseURL = strings.TrimSpace(config.RazorpayAPIBaseURL)
	if config.RazorpayAPIBaseURL == "" {
		config.RazorpayAPIBaseURL = defaultRazorpayAPIBaseURL
	}
	if config.RazorpayTotalCount <= 0 {
		log.Printf("level=warn component=config msg=\"invalid RAZORPAY_TOTAL_COUNT; using default\" value=%d default=%d", config.RazorpayTotalCount, defaultRazorpayTotalCount)
		config.RazorpayTotalCount = defaultRazorpayTotalCount
	}
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRedisRateLimitPrefix
	}
	if config.CreateSubscriptionRateLimitPerMinute < 0 {
		config.CreateSubscriptionRateLimitPerMinute = 0
	}
	config.BillingEventExchange = strings.TrimSpace(config.BillingEventExchange)

	return
}

// ServerConfigured reports whether the identity provider and billing store settings are present.
func (c Config) ServerConfigured() bool {
	return c.SupabaseURL != "" && c.AnonKey != "" && c.ServiceRoleKey != ""
}

// BillingConfigured reports whether the Razorpay credentials and plan are present.
func (c Config) BillingConfigured() bool {
	return c.RazorpayKeyID != "" && c.RazorpayKeySecret != "" && c.RazorpayPlanID != ""
}
