// Package bot is the three-phase pipeline orchestrator: analyze new
// conversations, generate replies where one is due, then evaluate reminder
// schedules. One Run is one pass; all state lives in the conversation store,
// so a pass can be killed at any point and a later pass picks up the work.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"acp-backend/internal/conversation/domain"
	"acp-backend/internal/conversation/repository"
	"acp-backend/internal/scheduling"
	"acp-backend/pkg/llm"
	"acp-backend/pkg/mail"
)

// Config is the explicit pipeline configuration; there is no ambient state.
type Config struct {
	// BotAddresses are the bot's own sending addresses, used to spot
	// self-addressed mail.
	BotAddresses []string
	// RestartIncomplete lets a pass proceed despite incomplete process
	// records left behind by a crashed run.
	RestartIncomplete bool
	// SkipValidation and SkipModeration bypass the inbound checks; meant
	// for test mailboxes.
	SkipValidation bool
	SkipModeration bool
	// Chattiness forces a response whenever the oracle's probability
	// exceeds 1-Chattiness, regardless of its boolean verdict. Zero
	// disables the override.
	Chattiness float64
}

// Bot wires the conversation store, the mail transport and the LLM
// collaborators into the pipeline.
type Bot struct {
	store     repository.ConversationStore
	transport mail.Transport
	oracle    llm.Oracle
	generator llm.Generator
	validator llm.Validator
	moderator llm.Moderator
	processor *scheduling.Processor
	cfg       Config

	// running holds conversations touched by phases 1-2 of the current
	// pass; the reminder phase must never re-evaluate them.
	running map[string]bool

	now func() time.Time
}

// New creates a Bot. A nil processor gets the canonical policy chain.
func New(
	store repository.ConversationStore,
	transport mail.Transport,
	oracle llm.Oracle,
	generator llm.Generator,
	validator llm.Validator,
	moderator llm.Moderator,
	processor *scheduling.Processor,
	cfg Config,
) *Bot {
	if processor == nil {
		processor = scheduling.NewProcessor()
	}
	return &Bot{
		store:     store,
		transport: transport,
		oracle:    oracle,
		generator: generator,
		validator: validator,
		moderator: moderator,
		processor: processor,
		cfg:       cfg,
		running:   make(map[string]bool),
		now:       time.Now,
	}
}

func (b *Bot) isBotAddress(addr string) bool {
	for _, bot := range b.cfg.BotAddresses {
		if addr == bot {
			return true
		}
	}
	return false
}

// Run executes one full pipeline pass. The returned error means the pass
// left unrecovered work behind; a later pass will retry it.
func (b *Bot) Run(ctx context.Context) error {
	// Step 0: never start a pass on top of undelivered replies or, unless
	// configured otherwise, on top of a crashed pass's open processes.
	if err := b.DispatchPreparedReplies(); err != nil {
		return fmt.Errorf("dispatch prepared replies: %w", err)
	}
	completed, err := b.store.AllProcessesCompleted()
	if err != nil {
		return fmt.Errorf("check processes: %w", err)
	}
	if !completed {
		if !b.cfg.RestartIncomplete {
			return errors.New("not all processes completed")
		}
		log.Printf("[Bot] Not all processes completed, continuing anyway (restart enabled)")
	}

	ingestErr := b.ProcessNewEmails(ctx)
	if ingestErr != nil {
		// Stored conversations are still worth a pass even when the inbox
		// is unreachable.
		log.Printf("[Bot] Ingestion failed: %v", ingestErr)
	}

	if err := b.AnalyzeConversations(ctx); err != nil {
		return fmt.Errorf("analyze conversations: %w", err)
	}
	if err := b.ManageRunningConversations(ctx); err != nil {
		log.Printf("[Bot] Reply generation incomplete, skipping reminders this pass")
		return fmt.Errorf("manage running conversations: %w", err)
	}
	if err := b.ManageReminders(ctx); err != nil {
		return fmt.Errorf("manage reminders: %w", err)
	}
	return ingestErr
}

// threadMessages projects a thread for the LLM collaborators.
func threadMessages(t *domain.Thread) []llm.Message {
	msgs := make([]llm.Message, 0, len(t.Emails))
	for _, email := range t.Emails {
		msgs = append(msgs, llm.Message{
			Role: string(email.Role),
			Date: email.Date,
			Body: email.Body,
		})
	}
	return msgs
}

// awarenessFor is the sorting timestamp for a new reply: one second past the
// last email the model saw, so the reply sorts immediately after it.
func awarenessFor(t *domain.Thread) *time.Time {
	last := t.LastEmail()
	if last == nil {
		return nil
	}
	ts := last.SortingTimestamp.Add(time.Second)
	return &ts
}

// chattinessOverride applies the optional probability override on top of an
// oracle verdict.
func (b *Bot) chattinessOverride(decision *llm.ScheduleDecision) bool {
	if b.cfg.Chattiness > 0 && decision.Probability > 1-b.cfg.Chattiness {
		log.Printf("[Bot] Chattiness override: probability %.2f exceeds %.2f",
			decision.Probability, 1-b.cfg.Chattiness)
		return true
	}
	return decision.ResponseIsDue
}

// AnalyzeConversations is phase 1: decide, for every conversation with
// unanalyzed email, whether a reply is needed and whether a check-in got
// scheduled. A tracking conflict aborts the pass outright; it means another
// run is active on the same data.
func (b *Bot) AnalyzeConversations(ctx context.Context) error {
	threads, err := b.store.GetUnanalyzedConversations(true)
	if err != nil {
		return fmt.Errorf("fetch unanalyzed conversations: %w", err)
	}
	log.Printf("[Bot] Analyzing %d conversations", len(threads))

	var anyErrors bool
	for i := range threads {
		thread := &threads[i]
		b.running[thread.ConversationID] = true

		replyNeeded, newSchedule := b.decideReply(ctx, thread)
		if err := b.store.UpdateAfterAnalysis(thread.ConversationID, newSchedule, replyNeeded); err != nil {
			anyErrors = true
		}
	}
	if anyErrors {
		return errors.New("failed to record analysis for some conversations")
	}
	return nil
}

// decideReply resolves the reply-needed question for one thread, using the
// deterministic fast paths before ever consulting the oracle.
func (b *Bot) decideReply(ctx context.Context, thread *domain.Thread) (bool, *time.Time) {
	last := thread.LastEmail()
	if last == nil {
		log.Printf("[Bot] Conversation %s has no emails, nothing to reply to", thread.ConversationID)
		return false, nil
	}
	// Never talk to ourselves.
	if last.Role == domain.RoleAssistant {
		return false, nil
	}
	// A brand-new conversation always deserves a reply; no oracle needed.
	if len(thread.Emails) == 1 && last.Role == domain.RoleUser {
		return true, nil
	}

	decision, err := b.oracle.ScheduleResponse(ctx, threadMessages(thread), b.now())
	if err != nil {
		// Fail open toward responsiveness: a dropped user is worse than an
		// extra reply.
		log.Printf("[Bot] Oracle failed for conversation %s, assuming reply needed: %v",
			thread.ConversationID, err)
		return true, nil
	}
	return b.chattinessOverride(decision), decision.ScheduledFor
}

// ManageRunningConversations is phase 2: generate and store a reply for
// every conversation flagged reply_needed. A generation failure leaves that
// conversation untouched for the next pass; any failure here makes the
// caller skip the reminder phase, so a reminder can never race an
// outstanding reply.
func (b *Bot) ManageRunningConversations(ctx context.Context) error {
	threads, err := b.store.GetConversationsNeedingReply()
	if err != nil {
		return fmt.Errorf("fetch conversations needing reply: %w", err)
	}
	log.Printf("[Bot] Generating replies for %d conversations", len(threads))

	var anyErrors bool
	for i := range threads {
		thread := &threads[i]
		b.running[thread.ConversationID] = true

		reply, err := b.generator.GenerateReply(ctx, threadMessages(thread), thread.UserName)
		if err != nil || reply == "" {
			log.Printf("[Bot] Reply generation failed for conversation %s, will retry next pass: %v",
				thread.ConversationID, err)
			anyErrors = true
			continue
		}
		if err := b.store.UpdateAfterReply(thread.ConversationID, reply, awarenessFor(thread)); err != nil {
			anyErrors = true
		}
	}
	if anyErrors {
		return errors.New("failed to generate or save replies for some conversations")
	}
	return nil
}

// ManageReminders is phase 3: run every due schedule through the policy
// chain and write the outcome back. Conversations touched earlier in this
// pass are skipped since they just got a direct reply, but their tracking
// records are still closed.
func (b *Bot) ManageReminders(ctx context.Context) error {
	now := b.now()
	scheduled, err := b.store.GetScheduledConversations(now, true)
	if err != nil {
		return fmt.Errorf("fetch scheduled conversations: %w", err)
	}
	log.Printf("[Bot] Processing %d due schedules", len(scheduled))

	var anyErrors bool
	for i := range scheduled {
		st := &scheduled[i]
		if b.running[st.ConversationID] {
			log.Printf("[Bot] Conversation %s already handled this pass, skipping reminder", st.ConversationID)
			// The fetch opened a tracking record; a skip still closes it.
			if err := b.store.UpdateSchedule(st.ConversationID, repository.ScheduleUpdate{}); err != nil {
				anyErrors = true
			}
			continue
		}
		if err := b.processReminder(ctx, st, now); err != nil {
			anyErrors = true
		}
	}
	if anyErrors {
		return errors.New("failed to process some schedules")
	}
	return nil
}

// processReminder evaluates one due schedule and persists the outcome,
// closing the tracking record no matter what was decided.
func (b *Bot) processReminder(ctx context.Context, st *domain.ScheduledThread, now time.Time) error {
	verdict, policyName := b.processor.ProcessSchedule(scheduling.Input{
		ConversationID: st.ConversationID,
		DueAt:          st.DueAt,
		Emails:         st.Emails,
		Now:            now,
		RemindersSent:  st.NumReminders,
		LastPolicy:     st.LastPolicy,
	})

	respond := false
	var newSchedule *time.Time
	switch verdict {
	case scheduling.VerdictRespond:
		respond = true
	case scheduling.VerdictWait:
		respond = false
	case scheduling.VerdictAskOracle:
		decision, err := b.oracle.ScheduleResponse(ctx, threadMessages(&st.Thread), now)
		if err != nil {
			// Fail closed here: a missed reminder is recoverable next pass,
			// an unwanted one is not.
			log.Printf("[Bot] Oracle failed for conversation %s, no reminder this pass: %v",
				st.ConversationID, err)
		} else {
			respond = b.chattinessOverride(decision)
			newSchedule = decision.ScheduledFor
		}
	}

	update := repository.ScheduleUpdate{
		Timestamp:  newSchedule,
		LastPolicy: policyName,
	}
	if respond {
		reply, err := b.generator.GenerateReply(ctx, threadMessages(&st.Thread), st.UserName)
		if err != nil || reply == "" {
			log.Printf("[Bot] Reminder generation failed for conversation %s, will retry next pass: %v",
				st.ConversationID, err)
			// Close the record without consuming the schedule; it stays due.
			if err := b.store.UpdateSchedule(st.ConversationID, repository.ScheduleUpdate{}); err != nil {
				return err
			}
			return errors.New("reminder generation failed")
		}
		reminders := st.NumReminders + 1
		update.ReplyBody = reply
		update.Awareness = awarenessFor(&st.Thread)
		update.NumReminders = &reminders
	}
	return b.store.UpdateSchedule(st.ConversationID, update)
}
