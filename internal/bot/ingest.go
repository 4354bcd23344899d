package bot

import (
	"context"
	"fmt"
	"log"
)

// ProcessNewEmails polls the inbox and stores every new, valid email.
// Already-stored messages are skipped by Message-ID, so fetching the whole
// inbox on every pass is idempotent. Emails that fail a check with "error"
// are neither stored nor answered; the next pass sees them again.
func (b *Bot) ProcessNewEmails(ctx context.Context) error {
	inbound, err := b.transport.CheckInbox()
	if err != nil {
		return fmt.Errorf("check inbox: %w", err)
	}

	var anyErrors bool
	for _, in := range inbound {
		exists, err := b.store.EmailExists(in.MessageID)
		if err != nil {
			log.Printf("[Bot] Dedupe check failed for %s: %v", in.MessageID, err)
			anyErrors = true
			continue
		}
		if exists {
			continue
		}

		// Mail-loop guard: mail from one of our own addresses is always
		// dropped, whatever it claims to be.
		if b.isBotAddress(in.FromEmail) {
			log.Printf("[Bot] Anomaly: self-addressed email %s (from=%s to=%s), dropping",
				in.MessageID, in.FromEmail, in.ToEmail)
			continue
		}

		if !b.cfg.SkipValidation {
			verdict, detail := b.validator.ValidateEmail(ctx, in.FromEmail, in.Subject, in.Body)
			switch verdict {
			case "block":
				// Spam senders get silence, not a bounce.
				log.Printf("[Bot] Blocked email %s from %s", in.MessageID, in.FromEmail)
				continue
			case "error":
				log.Printf("[Bot] Validation failed for %s, leaving for next pass: %s", in.MessageID, detail)
				continue
			}
		}

		quarantined := false
		if !b.cfg.SkipModeration {
			ok, reason, err := b.moderator.ModerateEmail(ctx, in.Body)
			if err != nil {
				log.Printf("[Bot] Moderation failed for %s, leaving for next pass: %v", in.MessageID, err)
				continue
			}
			if !ok {
				// Flagged content is recorded but kept out of the pipeline;
				// the sender is told why.
				log.Printf("[Bot] Email %s flagged by moderation: %s", in.MessageID, reason)
				quarantined = true
				if _, err := b.transport.SendEmail(
					in.FromEmail,
					"Inappropriate Content Detected",
					"Your email was flagged as inappropriate: "+reason,
				); err != nil {
					log.Printf("[Bot] Failed to notify %s about flagged content: %v", in.FromEmail, err)
				}
			}
		}

		if err := b.store.SaveInbound(in, quarantined); err != nil {
			log.Printf("[Bot] Failed to save email %s: %v", in.MessageID, err)
			anyErrors = true
			continue
		}
		log.Printf("[Bot] Saved new email %s from %s", in.MessageID, in.FromEmail)
	}

	if anyErrors {
		return fmt.Errorf("failed to store some inbound emails")
	}
	return nil
}
