package repository

import (
	"fmt"
	"log"
	"time"

	"acp-backend/internal/conversation/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormConversationStore implements ConversationStore using GORM.
type gormConversationStore struct {
	db        *gorm.DB
	botEmails []string
}

// NewGormConversationStore creates a GORM-based ConversationStore. The bot
// addresses are used to classify stored emails into user/assistant roles
// when threads are assembled.
func NewGormConversationStore(db *gorm.DB, botEmails []string) ConversationStore {
	db.AutoMigrate(
		&domain.User{},
		&domain.Email{},
		&domain.Conversation{},
		&domain.Schedule{},
		&domain.ProcessRecord{},
		&domain.PreparedReply{},
	)
	return &gormConversationStore{db: db, botEmails: botEmails}
}

func (s *gormConversationStore) isBotAddress(addr string) bool {
	for _, bot := range s.botEmails {
		if addr == bot {
			return true
		}
	}
	return false
}

// roleFor classifies an email by its addresses relative to the bot.
func (s *gormConversationStore) roleFor(email *domain.Email) domain.Role {
	switch {
	case s.isBotAddress(email.FromEmail):
		return domain.RoleAssistant
	case s.isBotAddress(email.ToEmail):
		return domain.RoleUser
	default:
		log.Printf("[Store] Email %s has no bot address (from=%s to=%s)", email.ID, email.FromEmail, email.ToEmail)
		return domain.RoleUnknown
	}
}

func (s *gormConversationStore) EmailExists(messageID string) (bool, error) {
	var count int64
	err := s.db.Model(&domain.Email{}).Where("message_id = ?", messageID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *gormConversationStore) SaveInbound(in domain.InboundEmail, quarantined bool) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var user domain.User
		err := tx.Where("email = ?", in.FromEmail).First(&user).Error
		if err == gorm.ErrRecordNotFound {
			user = domain.User{
				ID:        uuid.New().String(),
				Email:     in.FromEmail,
				Name:      in.FromName,
				CreatedAt: time.Now(),
			}
			if err := tx.Create(&user).Error; err != nil {
				return fmt.Errorf("create user %s: %w", in.FromEmail, err)
			}
			log.Printf("[Store] New user %s (%s)", user.Email, user.ID)
		} else if err != nil {
			return fmt.Errorf("find user %s: %w", in.FromEmail, err)
		}

		var conv domain.Conversation
		err = tx.Where("user_id = ? AND subject = ?", user.ID, in.Subject).First(&conv).Error
		if err == gorm.ErrRecordNotFound {
			conv = domain.Conversation{
				ID:        uuid.New().String(),
				UserID:    user.ID,
				Subject:   in.Subject,
				CreatedAt: time.Now(),
			}
			if err := tx.Create(&conv).Error; err != nil {
				return fmt.Errorf("create conversation %q: %w", in.Subject, err)
			}
			log.Printf("[Store] New conversation %q for user %s", conv.Subject, user.Email)
		} else if err != nil {
			return fmt.Errorf("find conversation %q: %w", in.Subject, err)
		}

		// The database normalizes timestamps, so the Date header's UTC
		// offset has to be carried in its own column.
		_, tzOffset := in.SentAt.Zone()
		email := domain.Email{
			ID:               uuid.New().String(),
			MessageID:        in.MessageID,
			ConversationID:   conv.ID,
			FromEmail:        in.FromEmail,
			ToEmail:          in.ToEmail,
			Subject:          in.Subject,
			Body:             in.Body,
			SentAt:           in.SentAt,
			TzOffsetSeconds:  tzOffset,
			SortingTimestamp: in.SentAt,
			Analyzed:         quarantined,
			Processed:        quarantined,
			CreatedAt:        time.Now(),
		}
		if err := tx.Create(&email).Error; err != nil {
			return fmt.Errorf("create email %s: %w", in.MessageID, err)
		}
		return nil
	})
}

func (s *gormConversationStore) AllProcessesCompleted() (bool, error) {
	var open []domain.ProcessRecord
	err := s.db.Where("status != ? OR completed_at IS NULL", domain.ProcessCompleted).Find(&open).Error
	if err != nil {
		return false, err
	}
	if len(open) == 0 {
		return true, nil
	}
	log.Printf("[Store] Found %d incomplete processes:", len(open))
	for _, p := range open {
		log.Printf("[Store]   process=%s conversation=%s status=%s source=%s started=%s",
			p.ID, p.ConversationID, p.Status, p.Source, p.StartedAt.Format(time.RFC3339))
	}
	return false, nil
}

func (s *gormConversationStore) PendingReplies() ([]OutboxItem, error) {
	var replies []domain.PreparedReply
	if err := s.db.Order("created_at").Find(&replies).Error; err != nil {
		return nil, err
	}
	items := make([]OutboxItem, 0, len(replies))
	for _, reply := range replies {
		var conv domain.Conversation
		if err := s.db.Where("id = ?", reply.ConversationID).First(&conv).Error; err != nil {
			return nil, fmt.Errorf("reply %s: find conversation %s: %w", reply.ID, reply.ConversationID, err)
		}
		var user domain.User
		if err := s.db.Where("id = ?", conv.UserID).First(&user).Error; err != nil {
			return nil, fmt.Errorf("reply %s: find user %s: %w", reply.ID, conv.UserID, err)
		}
		items = append(items, OutboxItem{Reply: reply, Recipient: user.Email})
	}
	return items, nil
}

func (s *gormConversationStore) MarkReplyDispatched(reply domain.PreparedReply, sentMessageID string) error {
	if len(s.botEmails) == 0 {
		return fmt.Errorf("no bot address configured")
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var conv domain.Conversation
		if err := tx.Where("id = ?", reply.ConversationID).First(&conv).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("conversation %s: %w", reply.ConversationID, ErrConversationNotFound)
			}
			return err
		}
		var user domain.User
		if err := tx.Where("id = ?", conv.UserID).First(&user).Error; err != nil {
			return fmt.Errorf("find user %s: %w", conv.UserID, err)
		}

		now := time.Now()
		_, tzOffset := now.Zone()
		email := domain.Email{
			ID:              uuid.New().String(),
			MessageID:       sentMessageID,
			ConversationID:  conv.ID,
			FromEmail:       s.botEmails[0],
			ToEmail:         user.Email,
			Subject:         reply.Subject,
			Body:            reply.Body,
			SentAt:          now,
			TzOffsetSeconds: tzOffset,
			// The awareness timestamp slots the reply right after the last
			// email the model saw, regardless of actual send latency.
			SortingTimestamp: reply.AwarenessTimestamp,
			CreatedAt:        time.Now(),
		}
		if err := tx.Create(&email).Error; err != nil {
			return fmt.Errorf("record sent reply for conversation %s: %w", conv.ID, err)
		}
		if err := tx.Delete(&domain.PreparedReply{}, "id = ?", reply.ID).Error; err != nil {
			return fmt.Errorf("delete prepared reply %s: %w", reply.ID, err)
		}
		return nil
	})
}

func (s *gormConversationStore) GetUnanalyzedConversations(track bool) ([]domain.Thread, error) {
	var threads []domain.Thread
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var convIDs []string
		err := tx.Model(&domain.Email{}).
			Where("analyzed = ?", false).
			Distinct().
			Pluck("conversation_id", &convIDs).Error
		if err != nil {
			return err
		}
		if len(convIDs) == 0 {
			return nil
		}

		threads, err = s.loadThreads(tx, convIDs)
		if err != nil {
			return err
		}

		if track {
			if err := s.startTracking(tx, convIDs, domain.SourceAnalysis); err != nil {
				log.Printf("[Store] GetUnanalyzedConversations: %v", err)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return threads, nil
}

func (s *gormConversationStore) GetConversationsNeedingReply() ([]domain.Thread, error) {
	var convIDs []string
	err := s.db.Model(&domain.Conversation{}).
		Where("reply_needed = ?", true).
		Pluck("id", &convIDs).Error
	if err != nil {
		return nil, err
	}
	if len(convIDs) == 0 {
		return nil, nil
	}
	return s.loadThreads(s.db, convIDs)
}

func (s *gormConversationStore) GetScheduledConversations(now time.Time, track bool) ([]domain.ScheduledThread, error) {
	var scheduled []domain.ScheduledThread
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var due []domain.Schedule
		if err := tx.Where("timestamp < ?", now).Order("timestamp").Find(&due).Error; err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		// One schedule per conversation is the invariant; report violations
		// instead of silently collapsing them.
		byConv := make(map[string]domain.Schedule)
		var convIDs []string
		for _, sched := range due {
			if prev, ok := byConv[sched.ConversationID]; ok {
				log.Printf("[Store] Conversation %s has more than one schedule: %s (%s) and %s (%s)",
					sched.ConversationID, prev.ID, prev.Timestamp.Format(time.RFC3339),
					sched.ID, sched.Timestamp.Format(time.RFC3339))
				continue
			}
			byConv[sched.ConversationID] = sched
			convIDs = append(convIDs, sched.ConversationID)
		}

		threads, err := s.loadThreads(tx, convIDs)
		if err != nil {
			return err
		}
		for _, thread := range threads {
			sched := byConv[thread.ConversationID]
			scheduled = append(scheduled, domain.ScheduledThread{
				Thread:       thread,
				DueAt:        sched.Timestamp,
				NumReminders: sched.NumReminders,
				LastPolicy:   sched.LastPolicy,
			})
		}

		if track {
			if err := s.startTracking(tx, convIDs, domain.SourceReminders); err != nil {
				log.Printf("[Store] GetScheduledConversations: %v", err)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scheduled, nil
}

func (s *gormConversationStore) UpdateAfterAnalysis(conversationID string, newSchedule *time.Time, replyNeeded bool) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if newSchedule != nil {
			if err := s.upsertSchedule(tx, conversationID, ScheduleUpdate{Timestamp: newSchedule}); err != nil {
				return fmt.Errorf("schedule: %w", err)
			}
		}
		if err := s.markEmailsAnalyzed(tx, conversationID); err != nil {
			return fmt.Errorf("analyzed flags: %w", err)
		}
		if err := s.setReplyNeeded(tx, conversationID, replyNeeded); err != nil {
			return fmt.Errorf("reply_needed: %w", err)
		}
		if replyNeeded {
			// Waiting to be processed by the reply phase; emails stay
			// unprocessed.
			if err := s.setProcessStatus(tx, conversationID, domain.ProcessAnalyzed); err != nil {
				return fmt.Errorf("process status: %w", err)
			}
			return nil
		}
		if err := s.setProcessStatus(tx, conversationID, domain.ProcessCompleted); err != nil {
			return fmt.Errorf("process status: %w", err)
		}
		if err := s.markEmailsProcessed(tx, conversationID); err != nil {
			return fmt.Errorf("processed flags: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Printf("[Store] UpdateAfterAnalysis conversation %s failed, rolled back: %v", conversationID, err)
	}
	return err
}

func (s *gormConversationStore) UpdateAfterReply(conversationID string, body string, awareness *time.Time) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.savePreparedReply(tx, conversationID, body, awareness); err != nil {
			return fmt.Errorf("prepared reply: %w", err)
		}
		if err := s.setReplyNeeded(tx, conversationID, false); err != nil {
			return fmt.Errorf("reply_needed: %w", err)
		}
		if err := s.markEmailsProcessed(tx, conversationID); err != nil {
			return fmt.Errorf("processed flags: %w", err)
		}
		if err := s.setProcessStatus(tx, conversationID, domain.ProcessCompleted); err != nil {
			return fmt.Errorf("process status: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Printf("[Store] UpdateAfterReply conversation %s failed, rolled back: %v", conversationID, err)
	}
	return err
}

func (s *gormConversationStore) UpdateSchedule(conversationID string, update ScheduleUpdate) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if update.ReplyBody != "" {
			if err := s.savePreparedReply(tx, conversationID, update.ReplyBody, update.Awareness); err != nil {
				return fmt.Errorf("prepared reply: %w", err)
			}
		}
		if update.Timestamp != nil || update.NumReminders != nil || update.LastPolicy != "" {
			if err := s.upsertSchedule(tx, conversationID, update); err != nil {
				return fmt.Errorf("schedule: %w", err)
			}
		}
		// Even a no-op decision closes the tracking record; that phase
		// iteration is over for this conversation.
		if err := s.setProcessStatus(tx, conversationID, domain.ProcessCompleted); err != nil {
			return fmt.Errorf("process status: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Printf("[Store] UpdateSchedule conversation %s failed, rolled back: %v", conversationID, err)
	}
	return err
}

// ===================================================================
// Internal helpers. All run inside the caller's transaction.

// loadThreads assembles threads for the given conversations, emails ordered
// by sorting timestamp.
func (s *gormConversationStore) loadThreads(tx *gorm.DB, convIDs []string) ([]domain.Thread, error) {
	if len(convIDs) == 0 {
		return nil, nil
	}

	var convs []domain.Conversation
	if err := tx.Where("id IN ?", convIDs).Find(&convs).Error; err != nil {
		return nil, err
	}

	userIDs := make([]string, 0, len(convs))
	for _, conv := range convs {
		userIDs = append(userIDs, conv.UserID)
	}
	var users []domain.User
	if err := tx.Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, err
	}
	usersByID := make(map[string]domain.User, len(users))
	for _, u := range users {
		usersByID[u.ID] = u
	}

	var emails []domain.Email
	err := tx.Where("conversation_id IN ?", convIDs).
		Order("sorting_timestamp").
		Find(&emails).Error
	if err != nil {
		return nil, err
	}
	emailsByConv := make(map[string][]domain.ThreadEmail)
	for i := range emails {
		e := &emails[i]
		// Rebuild the sender's zone from the stored offset; the scheduler
		// derives the user's local time from it.
		emailsByConv[e.ConversationID] = append(emailsByConv[e.ConversationID], domain.ThreadEmail{
			ID:               e.ID,
			Date:             e.SentAt.In(time.FixedZone("", e.TzOffsetSeconds)),
			Role:             s.roleFor(e),
			Body:             e.Body,
			SortingTimestamp: e.SortingTimestamp,
		})
	}

	threads := make([]domain.Thread, 0, len(convs))
	for _, conv := range convs {
		user := usersByID[conv.UserID]
		threads = append(threads, domain.Thread{
			ConversationID: conv.ID,
			UserID:         conv.UserID,
			UserName:       user.Name,
			UserEmail:      user.Email,
			Subject:        conv.Subject,
			Emails:         emailsByConv[conv.ID],
		})
	}
	return threads, nil
}

// startTracking opens a not_started process record for every conversation,
// but only if none of them has an active record. On conflict nothing is
// written and every conflicting record is logged.
func (s *gormConversationStore) startTracking(tx *gorm.DB, convIDs []string, source domain.ProcessSource) error {
	var active []domain.ProcessRecord
	err := tx.Where("conversation_id IN ?", convIDs).
		Where("status != ? OR completed_at IS NULL", domain.ProcessCompleted).
		Find(&active).Error
	if err != nil {
		return err
	}
	if len(active) > 0 {
		log.Printf("[Store] Some (or all) conversations have active processes:")
		for _, p := range active {
			completed := "-"
			if p.CompletedAt != nil {
				completed = p.CompletedAt.Format(time.RFC3339)
			}
			log.Printf("[Store]   process=%s conversation=%s status=%s source=%s started=%s completed=%s",
				p.ID, p.ConversationID, p.Status, p.Source, p.StartedAt.Format(time.RFC3339), completed)
		}
		return ErrProcessConflict
	}

	for _, convID := range convIDs {
		record := domain.ProcessRecord{
			ID:             uuid.New().String(),
			ConversationID: convID,
			Status:         domain.ProcessNotStarted,
			Source:         source,
			StartedAt:      time.Now(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("start tracking conversation %s: %w", convID, err)
		}
	}
	return nil
}

// setProcessStatus advances the single open process record of a
// conversation. Any count other than exactly one open record aborts.
func (s *gormConversationStore) setProcessStatus(tx *gorm.DB, conversationID string, status domain.ProcessStatus) error {
	var open []domain.ProcessRecord
	err := tx.Where("conversation_id = ?", conversationID).
		Where("status != ? OR completed_at IS NULL", domain.ProcessCompleted).
		Find(&open).Error
	if err != nil {
		return err
	}
	switch len(open) {
	case 1:
		updates := map[string]interface{}{"status": status}
		if status == domain.ProcessCompleted {
			updates["completed_at"] = time.Now()
		}
		return tx.Model(&domain.ProcessRecord{}).Where("id = ?", open[0].ID).Updates(updates).Error
	case 0:
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNoActiveProcess)
	default:
		for _, p := range open {
			log.Printf("[Store]   process=%s conversation=%s status=%s source=%s started=%s",
				p.ID, p.ConversationID, p.Status, p.Source, p.StartedAt.Format(time.RFC3339))
		}
		return fmt.Errorf("conversation %s: %w", conversationID, ErrMultipleProcesses)
	}
}

// upsertSchedule updates the conversation's schedule row, creating it when
// missing. More than one existing row aborts.
func (s *gormConversationStore) upsertSchedule(tx *gorm.DB, conversationID string, update ScheduleUpdate) error {
	var existing []domain.Schedule
	if err := tx.Where("conversation_id = ?", conversationID).Find(&existing).Error; err != nil {
		return err
	}
	switch len(existing) {
	case 0:
		// A schedule row with a zero timestamp would read as perpetually
		// due; creation needs one.
		if update.Timestamp == nil {
			return fmt.Errorf("conversation %s: schedule creation without a timestamp", conversationID)
		}
		sched := domain.Schedule{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Timestamp:      *update.Timestamp,
			CreatedAt:      time.Now(),
		}
		if update.NumReminders != nil {
			sched.NumReminders = *update.NumReminders
		}
		sched.LastPolicy = update.LastPolicy
		return tx.Create(&sched).Error
	case 1:
		updates := map[string]interface{}{"updated_at": time.Now()}
		if update.Timestamp != nil {
			updates["timestamp"] = *update.Timestamp
		}
		if update.NumReminders != nil {
			updates["num_reminders"] = *update.NumReminders
		}
		if update.LastPolicy != "" {
			updates["last_policy"] = update.LastPolicy
		}
		return tx.Model(&domain.Schedule{}).Where("id = ?", existing[0].ID).Updates(updates).Error
	default:
		for _, sched := range existing {
			log.Printf("[Store]   schedule=%s conversation=%s timestamp=%s",
				sched.ID, sched.ConversationID, sched.Timestamp.Format(time.RFC3339))
		}
		return fmt.Errorf("conversation %s: %w", conversationID, ErrMultipleSchedules)
	}
}

func (s *gormConversationStore) setReplyNeeded(tx *gorm.DB, conversationID string, replyNeeded bool) error {
	res := tx.Model(&domain.Conversation{}).
		Where("id = ?", conversationID).
		Update("reply_needed", replyNeeded)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrConversationNotFound)
	}
	return nil
}

func (s *gormConversationStore) savePreparedReply(tx *gorm.DB, conversationID string, body string, awareness *time.Time) error {
	var conv domain.Conversation
	if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("conversation %s: %w", conversationID, ErrConversationNotFound)
		}
		return err
	}
	ts := time.Now()
	if awareness != nil {
		ts = *awareness
	}
	reply := domain.PreparedReply{
		ID:                 uuid.New().String(),
		ConversationID:     conversationID,
		Subject:            conv.Subject,
		Body:               body,
		CreatedAt:          time.Now(),
		AwarenessTimestamp: ts,
	}
	return tx.Create(&reply).Error
}

func (s *gormConversationStore) markEmailsAnalyzed(tx *gorm.DB, conversationID string) error {
	res := tx.Model(&domain.Email{}).
		Where("conversation_id = ? AND analyzed = ?", conversationID, false).
		Update("analyzed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("conversation %s has no unanalyzed emails", conversationID)
	}
	return nil
}

func (s *gormConversationStore) markEmailsProcessed(tx *gorm.DB, conversationID string) error {
	res := tx.Model(&domain.Email{}).
		Where("conversation_id = ? AND processed = ?", conversationID, false).
		Update("processed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("conversation %s has no unprocessed emails", conversationID)
	}
	return nil
}
