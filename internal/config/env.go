package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"basis_engine/internal/core"
)

// Env is the engine's process environment, read once at startup.
type Env struct {
	ExecutionMode core.ExecutionMode
	DataMode      string // csv, api, db
	DataDir       string
	ResultsDir    string
	DataStartDate time.Time
	DataEndDate   time.Time
	Credentials   map[string]VenueCredentials

	// Alert channels, live mode only. Empty values disable the channel.
	AlertSlackWebhook     string
	AlertTelegramBotToken string
	AlertTelegramChatID   string
}

// VenueCredentials holds one venue's API credentials (live only).
type VenueCredentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

const envPrefix = "BASIS_"

// LoadEnv reads and validates the BASIS_* environment.
func LoadEnv() (*Env, error) {
	mode, err := core.ParseExecutionMode(getenvDefault("BASIS_EXECUTION_MODE", "backtest"))
	if err != nil {
		return nil, fmt.Errorf("BASIS_EXECUTION_MODE: %w", err)
	}

	dataMode := getenvDefault("BASIS_DATA_MODE", "csv")
	switch dataMode {
	case "csv", "api", "db":
	default:
		return nil, fmt.Errorf("BASIS_DATA_MODE: invalid value %q", dataMode)
	}

	env := &Env{
		ExecutionMode: mode,
		DataMode:      dataMode,
		DataDir:       getenvDefault("BASIS_DATA_DIR", "./data"),
		ResultsDir:    getenvDefault("BASIS_RESULTS_DIR", "./results"),
		Credentials:   parseCredentials(os.Environ()),

		AlertSlackWebhook:     os.Getenv("BASIS_ALERT_SLACK_WEBHOOK"),
		AlertTelegramBotToken: os.Getenv("BASIS_ALERT_TELEGRAM_BOT_TOKEN"),
		AlertTelegramChatID:   os.Getenv("BASIS_ALERT_TELEGRAM_CHAT_ID"),
	}

	if s := os.Getenv("BASIS_DATA_START_DATE"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("BASIS_DATA_START_DATE: %w", err)
		}
		env.DataStartDate = t
	}
	if s := os.Getenv("BASIS_DATA_END_DATE"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("BASIS_DATA_END_DATE: %w", err)
		}
		env.DataEndDate = t
	}
	if !env.DataStartDate.IsZero() && !env.DataEndDate.IsZero() && env.DataEndDate.Before(env.DataStartDate) {
		return nil, fmt.Errorf("BASIS_DATA_END_DATE precedes BASIS_DATA_START_DATE")
	}

	return env, nil
}

// parseCredentials extracts venue credentials keyed as
// BASIS_{ENV}__{VENUE}__{FIELD}.
func parseCredentials(environ []string) map[string]VenueCredentials {
	creds := make(map[string]VenueCredentials)
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || !strings.HasPrefix(kv[:eq], envPrefix) {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		parts := strings.Split(key, "__")
		if len(parts) != 3 {
			continue
		}
		venue := strings.ToLower(parts[1])
		c := creds[venue]
		switch strings.ToUpper(parts[2]) {
		case "API_KEY":
			c.APIKey = value
		case "SECRET_KEY":
			c.SecretKey = value
		case "PASSPHRASE":
			c.Passphrase = value
		default:
			continue
		}
		creds[venue] = c
	}
	return creds
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
