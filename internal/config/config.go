package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type AppCfg struct{ Env, Port, BaseURL string }

type DBCfg struct {
	Driver  string // postgres | memory
	DSN     string
	Migrate bool
}

type RedisCfg struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
	LockWait time.Duration
}

type KafkaCfg struct {
	Brokers []string
	Topic   string
}

type SecurityCfg struct {
	AdminToken string
}

// PolicyCfg holds business decisions that are not protocol facts.
type PolicyCfg struct {
	// AllowCancelFulfilled lets a provider cancel a paid transaction whose
	// order was already shipped or delivered.
	AllowCancelFulfilled    bool
	PaymeTransactionTimeout time.Duration
}

type HTTPCfg struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ProviderTimeout time.Duration
}

type PollerCfg struct {
	Enabled  bool
	Interval time.Duration
	Batch    int
	MinAge   time.Duration
}

type LogCfg struct{ Level, Format string }

type ClickCfg struct {
	ServiceID      string
	MerchantID     string
	MerchantUserID string
	SecretKey      string
	APIURL         string
	CheckoutURL    string
	MinorFactor    int64
	Timeout        time.Duration
}

func (c ClickCfg) Configured() bool {
	return c.ServiceID != "" && c.MerchantID != "" && c.SecretKey != ""
}

type PaymeCfg struct {
	MerchantID  string
	Login       string
	Key         string
	CheckoutURL string
	APIURL      string
	MinorFactor int64
	Timeout     time.Duration
}

func (c PaymeCfg) Configured() bool {
	return c.MerchantID != "" && c.Key != ""
}

type UzumCfg struct {
	MerchantID  string
	SecretKey   string
	APIURL      string
	CallbackURL string
	MinorFactor int64
	Timeout     time.Duration
}

func (c UzumCfg) Configured() bool {
	return c.MerchantID != "" && c.SecretKey != "" && c.APIURL != ""
}

type Cfg struct {
	App    AppCfg
	DB     DBCfg
	Redis  RedisCfg
	Kafka  KafkaCfg
	Sec    SecurityCfg
	Policy PolicyCfg
	HTTP   HTTPCfg
	Poller PollerCfg
	Log    LogCfg
	Click  ClickCfg
	Payme  PaymeCfg
	Uzum   UzumCfg
}

func Load() (Cfg, error) {
	// 1) Load .env into process env (if file exists)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg(".env not loaded")
	}

	// 2) Read from env via viper
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Cfg{
		App: AppCfg{
			Env:     v.GetString("APP_ENV"),
			Port:    v.GetString("APP_PORT"),
			BaseURL: v.GetString("APP_BASE_URL"),
		},
		DB: DBCfg{
			Driver:  strings.ToLower(v.GetString("DB_DRIVER")),
			DSN:     v.GetString("DB_DSN"),
			Migrate: v.GetBool("DB_MIGRATE"),
		},
		Redis: RedisCfg{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			LockTTL:  v.GetDuration("REDIS_LOCK_TTL"),
			LockWait: v.GetDuration("REDIS_LOCK_WAIT"),
		},
		Kafka: KafkaCfg{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		Sec: SecurityCfg{
			AdminToken: strings.TrimSpace(v.GetString("ADMIN_TOKEN")),
		},
		Policy: PolicyCfg{
			AllowCancelFulfilled:    v.GetBool("ALLOW_CANCEL_FULFILLED"),
			PaymeTransactionTimeout: v.GetDuration("PAYME_TRANSACTION_TIMEOUT"),
		},
		HTTP: HTTPCfg{
			ReadTimeout:     v.GetDuration("HTTP_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("HTTP_WRITE_TIMEOUT"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},
		Poller: PollerCfg{
			Enabled:  v.GetBool("POLLER_ENABLED"),
			Interval: v.GetDuration("POLLER_INTERVAL"),
			Batch:    v.GetInt("POLLER_BATCH"),
			MinAge:   v.GetDuration("POLLER_MIN_AGE"),
		},
		Log: LogCfg{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Click: ClickCfg{
			ServiceID:      v.GetString("CLICK_SERVICE_ID"),
			MerchantID:     v.GetString("CLICK_MERCHANT_ID"),
			MerchantUserID: v.GetString("CLICK_MERCHANT_USER_ID"),
			SecretKey:      v.GetString("CLICK_SECRET_KEY"),
			APIURL:         v.GetString("CLICK_API_URL"),
			CheckoutURL:    v.GetString("CLICK_CHECKOUT_URL"),
			MinorFactor:    v.GetInt64("CLICK_MINOR_FACTOR"),
		},
		Payme: PaymeCfg{
			MerchantID:  v.GetString("PAYME_MERCHANT_ID"),
			Login:       v.GetString("PAYME_LOGIN"),
			Key:         v.GetString("PAYME_KEY"),
			CheckoutURL: v.GetString("PAYME_CHECKOUT_URL"),
			APIURL:      v.GetString("PAYME_API_URL"),
			MinorFactor: v.GetInt64("PAYME_MINOR_FACTOR"),
		},
		Uzum: UzumCfg{
			MerchantID:  v.GetString("UZUM_MERCHANT_ID"),
			SecretKey:   v.GetString("UZUM_SECRET_KEY"),
			APIURL:      v.GetString("UZUM_API_URL"),
			CallbackURL: v.GetString("UZUM_CALLBACK_URL"),
			MinorFactor: v.GetInt64("UZUM_MINOR_FACTOR"),
		},
	}
	cfg.Click.Timeout = cfg.HTTP.ProviderTimeout
	cfg.Payme.Timeout = cfg.HTTP.ProviderTimeout
	cfg.Uzum.Timeout = cfg.HTTP.ProviderTimeout

	// 3) Fail fast on required settings
	if err := cfg.validate(); err != nil {
		return Cfg{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "sandbox")
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_MIGRATE", true)
	v.SetDefault("REDIS_LOCK_TTL", 30*time.Second)
	v.SetDefault("REDIS_LOCK_WAIT", 10*time.Second)
	v.SetDefault("KAFKA_TOPIC", "payment.status.changed")
	v.SetDefault("ALLOW_CANCEL_FULFILLED", false)
	v.SetDefault("PAYME_TRANSACTION_TIMEOUT", 12*time.Hour)
	v.SetDefault("HTTP_READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("PROVIDER_TIMEOUT", 30*time.Second)
	v.SetDefault("POLLER_ENABLED", true)
	v.SetDefault("POLLER_INTERVAL", time.Minute)
	v.SetDefault("POLLER_BATCH", 50)
	v.SetDefault("POLLER_MIN_AGE", 2*time.Minute)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("CLICK_API_URL", "https://api.click.uz/v2/merchant")
	v.SetDefault("CLICK_CHECKOUT_URL", "https://my.click.uz/services/pay")
	v.SetDefault("CLICK_MINOR_FACTOR", 100)
	v.SetDefault("PAYME_LOGIN", "Paycom")
	v.SetDefault("PAYME_CHECKOUT_URL", "https://checkout.paycom.uz")
	v.SetDefault("PAYME_API_URL", "https://checkout.paycom.uz/api")
	v.SetDefault("PAYME_MINOR_FACTOR", 100)
	v.SetDefault("UZUM_MINOR_FACTOR", 100)
}

func (c Cfg) validate() error {
	switch c.DB.Driver {
	case "postgres":
		if c.DB.DSN == "" {
			return errors.New("DB_DSN is required")
		}
	case "memory":
	default:
		return errors.New("DB_DRIVER must be postgres or memory")
	}
	if c.Policy.PaymeTransactionTimeout <= 0 {
		return errors.New("PAYME_TRANSACTION_TIMEOUT must be positive")
	}
	for name, f := range map[string]int64{
		"CLICK_MINOR_FACTOR": c.Click.MinorFactor,
		"PAYME_MINOR_FACTOR": c.Payme.MinorFactor,
		"UZUM_MINOR_FACTOR":  c.Uzum.MinorFactor,
	} {
		if !powerOfTen(f) {
			return errors.New(name + " must be a power of ten")
		}
	}
	return nil
}

// SetupLogger configures the global zerolog logger.
func SetupLogger(c LogCfg) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if strings.EqualFold(c.Format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func powerOfTen(f int64) bool {
	if f < 1 {
		return false
	}
	for f > 1 {
		if f%10 != 0 {
			return false
		}
		f /= 10
	}
	return true
}
