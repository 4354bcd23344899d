package main

import (
	"context"
	"log"
	"os"

	"acp-backend/internal/bot"
	"acp-backend/internal/conversation/repository"
	"acp-backend/internal/scheduling"
	"acp-backend/pkg/config"
	"acp-backend/pkg/database"
	"acp-backend/pkg/llm"
	"acp-backend/pkg/mail"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Initialize conversation store (dependency injection)
	store := repository.NewGormConversationStore(db, cfg.BotAddresses)

	// Initialize mail transport
	mailService := mail.NewService(cfg.IMAPAddr, cfg.SMTPAddr, cfg.EmailAddress, cfg.EmailPassword)

	// Initialize LLM collaborators; OpenRouter covers validation, the
	// scheduling oracle and reply generation, OpenAI covers moderation.
	router := llm.NewOpenRouterClient(cfg.OpenRouterAPIKey, cfg.Model, cfg.LLMTimeout)
	moderator := llm.NewOpenAIModerator(cfg.OpenAIAPIKey, cfg.LLMTimeout)

	// Initialize the reminder policy chain with configured thresholds
	processor := scheduling.NewProcessor(
		scheduling.BestPolicy{},
		scheduling.WaitForSchedulePolicy{MaxDelay: cfg.MaxDelay},
		scheduling.EarlyReminderPolicy{Hour: cfg.ReminderHour},
		scheduling.LateReminderPolicy{WaitingTime: cfg.LateWait},
		scheduling.SecondReminderPolicy{WaitingTime: cfg.SecondWait},
		scheduling.AskAgentPolicy{},
		scheduling.DefaultPolicy{},
	)

	pipeline := bot.New(store, mailService, router, router, router, moderator, processor, bot.Config{
		BotAddresses:      cfg.BotAddresses,
		RestartIncomplete: cfg.RestartIncomplete,
		SkipValidation:    cfg.SkipValidation,
		SkipModeration:    cfg.SkipModeration,
		Chattiness:        cfg.Chattiness,
	})

	// One pass per invocation; running passes on a cadence is the job of
	// cron or an equivalent external trigger.
	if err := pipeline.Run(context.Background()); err != nil {
		log.Printf("[Main] Pass finished with errors: %v", err)
		os.Exit(1)
	}
	log.Printf("[Main] Pass completed cleanly")
}
