package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	Enabled        bool   // wake bus is optional; the ticker alone is correct
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	WakeTopic      string // topic carrying sweep-wake nudges
	WakeChannel    string // consumer channel name
}

type Dispatcher struct {
	SweepInterval   time.Duration // time between scheduled sweeps
	BatchSize       int           // max deliveries attempted per sweep
	MaxAttempts     int           // attempts before dead-lettering
	BackoffBase     time.Duration // first retry delay, doubles per attempt
	BackoffCap      time.Duration // ceiling on the computed delay
	JitterPercent   float64       // +/- jitter applied to the delay (0.0-1.0)
	HTTPTimeout     time.Duration // per-delivery request timeout
	InFlightStale   time.Duration // in_flight older than this is reclaimable
	ResponseBodyCap int           // bytes of receiver response kept for diagnostics
}

type Signing struct {
	SignatureHeader string // HTTP header carrying sha256=<hex>
	TimestampHeader string // HTTP header carrying unix seconds
}

type Auth struct {
	PublicKeyPEM string // RS256 public key for session tokens
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN      int    // requests to fail before succeeding
	Secret          string // secret for signature verification
	LeewaySeconds   int    // allowed timestamp skew in seconds
	ResponseDelayMS int    // simulated response delay
	Port            string // listen port
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

type Config struct {
	AppName      string
	HTTPPort     string // :8084
	DB           DB
	NSQ          NSQ
	Dispatcher   Dispatcher
	Signing      Signing
	Auth         Auth
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "azera-dispatch"),
		HTTPPort: getenv("HTTP_PORT", ":8084"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "azera"),
		},
		NSQ: NSQ{
			Enabled:        getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			WakeTopic:      getenv("NSQ_WAKE_TOPIC", "dispatch_wake"),
			WakeChannel:    getenv("NSQ_WAKE_CHANNEL", "dispatchers"),
		},
		Dispatcher: Dispatcher{
			SweepInterval:   getenvDuration("SWEEP_INTERVAL", 15*time.Second),
			BatchSize:       getenvInt("SWEEP_BATCH_SIZE", 100),
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 5),
			BackoffBase:     getenvDuration("BACKOFF_BASE", 30*time.Second),
			BackoffCap:      getenvDuration("BACKOFF_CAP", time.Hour),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			HTTPTimeout:     getenvDuration("DELIVERY_HTTP_TIMEOUT", 10*time.Second),
			InFlightStale:   getenvDuration("IN_FLIGHT_STALE_AFTER", 5*time.Minute),
			ResponseBodyCap: getenvInt("RESPONSE_BODY_CAP", 4096),
		},
		Signing: Signing{
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Azera-Signature"),
			TimestampHeader: getenv("WEBHOOK_TIMESTAMP_HEADER", "X-Azera-Timestamp"),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", "azera-crm"),
			Audience:     getenv("JWT_AUDIENCE", "azera-dispatch"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			Secret:          getenv("RECEIVER_SECRET", ""),
			LeewaySeconds:   getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
