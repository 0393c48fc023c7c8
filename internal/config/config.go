package config

import (
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	HTTPPort   string
	APIBaseURL string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSchema   string

	MpesaBaseURL        string
	MpesaConsumerKey    string
	MpesaConsumerSecret string
	MpesaShortcode      string
	MpesaPasskey        string
	GatewayTimeout      time.Duration

	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
}

func Load() Config {
	return Config{
		HTTPPort:   getenv("HTTP_PORT", "8080"),
		APIBaseURL: getenv("API_BASE_URL", "http://localhost:8080"),

		DBHost:     getenv("DB_HOST", "localhost"),
		DBPort:     getenv("DB_PORT", "5432"),
		DBUser:     getenv("DB_USERNAME", "postgres"),
		DBPassword: getenv("DB_PASSWORD", "postgres"),
		DBName:     getenv("DB_DATABASE", "topshot"),
		DBSchema:   getenv("DB_SCHEMA", "public"),

		MpesaBaseURL:        getenv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		MpesaConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
		MpesaConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
		MpesaShortcode:      os.Getenv("MPESA_SHORTCODE"),
		MpesaPasskey:        os.Getenv("MPESA_PASSKEY"),
		GatewayTimeout:      getduration("MPESA_TIMEOUT", 10*time.Second),

		ReconcileInterval: getduration("RECONCILE_INTERVAL", time.Minute),
		ReconcileAfter:    getduration("RECONCILE_AFTER", 2*time.Minute),
	}
}

// CallbackURL is where the gateway posts settlement notifications.
func (c Config) CallbackURL() string {
	return c.APIBaseURL + "/api/orders/mpesa/callback"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
