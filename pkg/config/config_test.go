package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 5*time.Second, cfg.LLMTimeout)
	assert.False(t, cfg.RestartIncomplete)
	assert.False(t, cfg.SkipValidation)
	assert.Zero(t, cfg.Chattiness)
	assert.Equal(t, 9, cfg.ReminderHour)
	assert.Equal(t, time.Hour, cfg.LateWait)
	assert.Equal(t, 3*time.Hour, cfg.SecondWait)
	assert.Equal(t, 6*time.Hour, cfg.MaxDelay)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("EMAIL_ADDRESS", "bot@acp.example.com")
	t.Setenv("RESTART_INCOMPLETE", "true")
	t.Setenv("CHATTINESS", "0.3")
	t.Setenv("LLM_TIMEOUT", "10s")
	t.Setenv("REMINDER_HOUR", "8")

	cfg := Load()
	assert.Equal(t, "bot@acp.example.com", cfg.EmailAddress)
	assert.Equal(t, []string{"bot@acp.example.com"}, cfg.BotAddresses,
		"own address is the default bot address list")
	assert.True(t, cfg.RestartIncomplete)
	assert.InDelta(t, 0.3, cfg.Chattiness, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 8, cfg.ReminderHour)
}

func TestLoadBotAddressList(t *testing.T) {
	t.Setenv("EMAIL_ADDRESS", "bot@acp.example.com")
	t.Setenv("BOT_ADDRESSES", "bot@acp.example.com, old-bot@acp.example.com ,")

	cfg := Load()
	assert.Equal(t, []string{"bot@acp.example.com", "old-bot@acp.example.com"}, cfg.BotAddresses)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RESTART_INCOMPLETE", "yes please")
	t.Setenv("CHATTINESS", "lots")
	t.Setenv("LLM_TIMEOUT", "soon")

	cfg := Load()
	assert.False(t, cfg.RestartIncomplete)
	assert.Zero(t, cfg.Chattiness)
	assert.Equal(t, 5*time.Second, cfg.LLMTimeout)
}
