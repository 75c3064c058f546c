package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

const (
	StoreCRDB   = "crdb"
	StoreMemory = "memory"
)

type Config struct {
	ServiceName  string
	HTTPAddr     string
	StoreDriver  string
	CRDBDSN      string
	MongoURI     string
	RedisAddr    string
	RabbitURL    string
	JWTPublicKey string
	OTLPEndpoint string

	TicketSigningKey string

	MPAccessToken     string
	MPBaseURL         string
	MPNotificationURL string
	Currency          string

	OrderTTL           time.Duration
	MaxTicketsPerOrder int
	SweepInterval      time.Duration
	TxMaxRetries       int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	orderTTL, err := durationEnv("ORDER_TTL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := durationEnv("SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	maxTickets, err := intEnv("MAX_TICKETS_PER_ORDER", 10)
	if err != nil {
		return nil, err
	}
	txRetries, err := intEnv("TX_MAX_RETRIES", 5)
	if err != nil {
		return nil, err
	}

	return &Config{
		ServiceName:        stringEnv("SERVICE_NAME", "ticketing"),
		HTTPAddr:           stringEnv("HTTP_ADDR", ":8080"),
		StoreDriver:        stringEnv("STORE_DRIVER", StoreCRDB),
		CRDBDSN:            os.Getenv("CRDB_DSN"),
		MongoURI:           os.Getenv("MONGO_URI"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RabbitURL:          os.Getenv("RABBIT_URL"),
		JWTPublicKey:       os.Getenv("JWT_PUBLIC_KEY"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TicketSigningKey:   os.Getenv("TICKET_SIGNING_KEY"),
		MPAccessToken:      os.Getenv("MP_ACCESS_TOKEN"),
		MPBaseURL:          stringEnv("MP_BASE_URL", "https://api.mercadopago.com"),
		MPNotificationURL:  os.Getenv("MP_NOTIFICATION_URL"),
		Currency:           stringEnv("CURRENCY", "ARS"),
		OrderTTL:           orderTTL,
		MaxTicketsPerOrder: maxTickets,
		SweepInterval:      sweepInterval,
		TxMaxRetries:       txRetries,
	}, nil
}

// Validate checks the settings every process needs regardless of role.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreCRDB:
		if c.CRDBDSN == "" {
			return errors.New("CRDB_DSN is required for the crdb store")
		}
	case StoreMemory:
	default:
		return errors.Newf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if len(c.TicketSigningKey) < 32 {
		return errors.New("TICKET_SIGNING_KEY must be at least 32 bytes")
	}
	if c.OrderTTL <= 0 {
		return errors.New("ORDER_TTL must be positive")
	}
	if c.MaxTicketsPerOrder < 1 {
		return errors.New("MAX_TICKETS_PER_ORDER must be at least 1")
	}
	return nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return n, nil
}
