package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is all runtime configuration, loaded once at startup. The pipeline
// toggles (RestartIncomplete, SkipValidation, SkipModeration, Chattiness)
// are explicit here instead of ambient flags scattered over the code.
type Config struct {
	DatabaseURL string

	IMAPAddr      string
	SMTPAddr      string
	EmailAddress  string
	EmailPassword string
	// BotAddresses are every address the bot has ever sent from; used to
	// classify stored emails into user/assistant roles.
	BotAddresses []string

	OpenRouterAPIKey string
	OpenAIAPIKey     string
	Model            string
	LLMTimeout       time.Duration

	// RestartIncomplete lets a pass proceed despite incomplete process
	// records left by a crashed run.
	RestartIncomplete bool
	// SkipValidation and SkipModeration bypass the respective inbound
	// checks; meant for test mailboxes.
	SkipValidation bool
	SkipModeration bool
	// Chattiness is the probability-override threshold applied on top of
	// oracle verdicts: a probability above 1-Chattiness forces a response.
	// Zero disables the override.
	Chattiness float64

	// Reminder-policy thresholds.
	ReminderHour int
	LateWait     time.Duration
	SecondWait   time.Duration
	MaxDelay     time.Duration
}

// Load reads configuration from the environment and an optional .env file.
func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	address := getEnv("EMAIL_ADDRESS", "")
	botAddresses := []string{address}
	if extra := os.Getenv("BOT_ADDRESSES"); extra != "" {
		botAddresses = nil
		for _, addr := range strings.Split(extra, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				botAddresses = append(botAddresses, addr)
			}
		}
	}

	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", "host=localhost user=acp dbname=acp port=5432 sslmode=disable"),

		IMAPAddr:      getEnv("IMAP_ADDR", "imap.zone.eu:993"),
		SMTPAddr:      getEnv("SMTP_ADDR", "smtp.zone.eu:587"),
		EmailAddress:  address,
		EmailPassword: getEnv("EMAIL_PASSWORD", ""),
		BotAddresses:  botAddresses,

		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		Model:            getEnv("LLM_MODEL", "mistralai/mistral-small-24b-instruct-2501:free"),
		LLMTimeout:       getDuration("LLM_TIMEOUT", 5*time.Second),

		RestartIncomplete: getBool("RESTART_INCOMPLETE", false),
		SkipValidation:    getBool("SKIP_VALIDATION", false),
		SkipModeration:    getBool("SKIP_MODERATION", false),
		Chattiness:        getFloat("CHATTINESS", 0),

		ReminderHour: getInt("REMINDER_HOUR", 9),
		LateWait:     getDuration("LATE_REMINDER_WAIT", 1*time.Hour),
		SecondWait:   getDuration("SECOND_REMINDER_WAIT", 3*time.Hour),
		MaxDelay:     getDuration("MAX_RESPONSE_DELAY", 6*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
