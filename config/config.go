package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	ServiceName       string
	Environment       string
	OTELEndpoint      string
	PrometheusEnabled bool
	Port              string
	BaseURL           string
	AllowedOrigins    []string
	TrustedProxies    []string

	DBDriver string
	DBDSN    string

	ProviderTimeout           time.Duration
	TokenExpiryMargin         time.Duration
	CallbackSignatureRequired bool
	VoucherCodeAttempts       int
	VoucherExpirySweep        time.Duration

	Airtel    AirtelConfig
	MTN       MTNConfig
	SMS       SMSConfig
	Omada     OmadaConfig
	RateLimit RateLimitConfig
}

type AirtelConfig struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	Country        string
	Currency       string
	CallbackSecret string
}

type MTNConfig struct {
	BaseURL         string
	APIUser         string
	APIKey          string
	SubscriptionKey string
	TargetEnv       string
	Currency        string
	CallbackSecret  string
}

type SMSConfig struct {
	SenderID       string
	AfricasTalking AfricasTalkingConfig
	Twilio         TwilioConfig
	MessageBird    MessageBirdConfig
}

type AfricasTalkingConfig struct {
	BaseURL  string
	Username string
	APIKey   string
	Priority int
}

type TwilioConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	FromNumber string
	Priority   int
}

type MessageBirdConfig struct {
	BaseURL    string
	AccessKey  string
	Originator string
	Priority   int
}

type OmadaConfig struct {
	URL      string
	Username string
	Password string
	SiteID   string
}

type RateLimitConfig struct {
	MaxRequests      int
	Window           time.Duration
	InitiateRequests int
	InitiateWindow   time.Duration
	Retention        time.Duration
	SweepInterval    time.Duration
}

// Load loads configuration from a .env file (if present) and environment variables
func Load() *Config {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	return &Config{
		ServiceName:       "voucher-service",
		Environment:       v.GetString("APP_ENV"),
		OTELEndpoint:      v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PrometheusEnabled: v.GetBool("PROMETHEUS_ENABLED"),
		Port:              v.GetString("PORT"),
		BaseURL:           strings.TrimRight(v.GetString("BASE_URL"), "/"),
		AllowedOrigins:    splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		TrustedProxies:    splitList(v.GetString("TRUSTED_PROXIES")),

		DBDriver: v.GetString("DB_DRIVER"),
		DBDSN:    v.GetString("DB_DSN"),

		ProviderTimeout:           v.GetDuration("PROVIDER_TIMEOUT"),
		TokenExpiryMargin:         v.GetDuration("TOKEN_EXPIRY_MARGIN"),
		CallbackSignatureRequired: v.GetBool("CALLBACK_SIGNATURE_REQUIRED"),
		VoucherCodeAttempts:       v.GetInt("VOUCHER_CODE_ATTEMPTS"),
		VoucherExpirySweep:        v.GetDuration("VOUCHER_EXPIRY_SWEEP"),

		Airtel: AirtelConfig{
			BaseURL:        v.GetString("AIRTEL_BASE_URL"),
			ClientID:       v.GetString("AIRTEL_API_KEY"),
			ClientSecret:   v.GetString("AIRTEL_API_SECRET"),
			Country:        v.GetString("AIRTEL_COUNTRY"),
			Currency:       v.GetString("AIRTEL_CURRENCY"),
			CallbackSecret: v.GetString("AIRTEL_CALLBACK_SECRET"),
		},
		MTN: MTNConfig{
			BaseURL:         v.GetString("MTN_BASE_URL"),
			APIUser:         v.GetString("MTN_API_KEY"),
			APIKey:          v.GetString("MTN_API_SECRET"),
			SubscriptionKey: v.GetString("MTN_SUBSCRIPTION_KEY"),
			TargetEnv:       v.GetString("MTN_ENVIRONMENT"),
			Currency:        v.GetString("MTN_CURRENCY"),
			CallbackSecret:  v.GetString("MTN_CALLBACK_SECRET"),
		},
		SMS: SMSConfig{
			SenderID: v.GetString("SMS_SENDER_ID"),
			AfricasTalking: AfricasTalkingConfig{
				BaseURL:  v.GetString("AT_BASE_URL"),
				Username: v.GetString("AT_USERNAME"),
				APIKey:   v.GetString("AT_API_KEY"),
				Priority: v.GetInt("AT_PRIORITY"),
			},
			Twilio: TwilioConfig{
				BaseURL:    v.GetString("TWILIO_BASE_URL"),
				AccountSID: v.GetString("TWILIO_ACCOUNT_SID"),
				AuthToken:  v.GetString("TWILIO_AUTH_TOKEN"),
				FromNumber: v.GetString("TWILIO_PHONE_NUMBER"),
				Priority:   v.GetInt("TWILIO_PRIORITY"),
			},
			MessageBird: MessageBirdConfig{
				BaseURL:    v.GetString("MESSAGEBIRD_BASE_URL"),
				AccessKey:  v.GetString("MESSAGEBIRD_ACCESS_KEY"),
				Originator: v.GetString("MESSAGEBIRD_ORIGINATOR"),
				Priority:   v.GetInt("MESSAGEBIRD_PRIORITY"),
			},
		},
		Omada: OmadaConfig{
			URL:      strings.TrimRight(v.GetString("OMADA_CONTROLLER_URL"), "/"),
			Username: v.GetString("OMADA_USERNAME"),
			Password: v.GetString("OMADA_PASSWORD"),
			SiteID:   v.GetString("OMADA_SITE_ID"),
		},
		RateLimit: RateLimitConfig{
			MaxRequests:      v.GetInt("RATE_LIMIT_MAX"),
			Window:           v.GetDuration("RATE_LIMIT_WINDOW"),
			InitiateRequests: v.GetInt("RATE_LIMIT_INITIATE_MAX"),
			InitiateWindow:   v.GetDuration("RATE_LIMIT_INITIATE_WINDOW"),
			Retention:        v.GetDuration("RATE_LIMIT_RETENTION"),
			SweepInterval:    v.GetDuration("RATE_LIMIT_SWEEP_INTERVAL"),
		},
	}
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("PROMETHEUS_ENABLED", true)
	v.SetDefault("PORT", "8080")
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "file:vouchers.db?_pragma=busy_timeout(5000)")

	v.SetDefault("PROVIDER_TIMEOUT", 15*time.Second)
	v.SetDefault("TOKEN_EXPIRY_MARGIN", 60*time.Second)
	v.SetDefault("CALLBACK_SIGNATURE_REQUIRED", true)
	v.SetDefault("VOUCHER_CODE_ATTEMPTS", 5)
	v.SetDefault("VOUCHER_EXPIRY_SWEEP", 5*time.Minute)

	v.SetDefault("AIRTEL_BASE_URL", "https://openapi-sandbox.airtel.africa")
	v.SetDefault("AIRTEL_COUNTRY", "UG")
	v.SetDefault("AIRTEL_CURRENCY", "UGX")

	v.SetDefault("MTN_BASE_URL", "https://sandbox.momodeveloper.mtn.com")
	v.SetDefault("MTN_ENVIRONMENT", "sandbox")
	v.SetDefault("MTN_CURRENCY", "UGX")

	v.SetDefault("SMS_SENDER_ID", "MYQLWIFI")
	v.SetDefault("AT_BASE_URL", "https://api.africastalking.com")
	v.SetDefault("AT_PRIORITY", 1)
	v.SetDefault("TWILIO_BASE_URL", "https://api.twilio.com")
	v.SetDefault("TWILIO_PRIORITY", 2)
	v.SetDefault("MESSAGEBIRD_BASE_URL", "https://rest.messagebird.com")
	v.SetDefault("MESSAGEBIRD_ORIGINATOR", "MYQLWIFI")
	v.SetDefault("MESSAGEBIRD_PRIORITY", 3)

	v.SetDefault("RATE_LIMIT_MAX", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", 15*time.Minute)
	v.SetDefault("RATE_LIMIT_INITIATE_MAX", 10)
	v.SetDefault("RATE_LIMIT_INITIATE_WINDOW", 15*time.Minute)
	v.SetDefault("RATE_LIMIT_RETENTION", time.Hour)
	v.SetDefault("RATE_LIMIT_SWEEP_INTERVAL", 10*time.Minute)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
