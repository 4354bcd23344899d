package repository

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"acp-backend/internal/conversation/domain"
)

const (
	botAddr  = "bot@example.com"
	userAddr = "alice@example.com"
)

func testStore(t *testing.T) (ConversationStore, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewGormConversationStore(db, []string{botAddr}), db
}

var msgSeq int

func inbound(subject, body string, sentAt time.Time) domain.InboundEmail {
	msgSeq++
	return domain.InboundEmail{
		MessageID: fmt.Sprintf("<msg-%d@example.com>", msgSeq),
		FromEmail: userAddr,
		FromName:  "Alice",
		ToEmail:   botAddr,
		Subject:   subject,
		Body:      body,
		SentAt:    sentAt,
	}
}

// analyzedWithSchedule drives one conversation through ingestion and
// analysis, leaving it with a schedule and no open process. Returns the
// conversation ID.
func analyzedWithSchedule(t *testing.T, store ConversationStore, due time.Time) string {
	t.Helper()
	require.NoError(t, store.SaveInbound(inbound("Morning runs", "I'll run before work tomorrow.", time.Now().Add(-time.Hour)), false))
	threads, err := store.GetUnanalyzedConversations(true)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.NoError(t, store.UpdateAfterAnalysis(threads[0].ConversationID, &due, false))
	return threads[0].ConversationID
}

func TestSaveInbound(t *testing.T) {
	store, db := testStore(t)
	sentAt := time.Now().Add(-time.Hour)

	first := inbound("Morning runs", "I'll run tomorrow.", sentAt)
	require.NoError(t, store.SaveInbound(first, false))
	require.NoError(t, store.SaveInbound(inbound("Morning runs", "Done, 5k!", sentAt.Add(time.Minute)), false))
	require.NoError(t, store.SaveInbound(inbound("Reading goal", "Two chapters a week.", sentAt.Add(2*time.Minute)), false))

	var users, convs, emails int64
	db.Model(&domain.User{}).Count(&users)
	db.Model(&domain.Conversation{}).Count(&convs)
	db.Model(&domain.Email{}).Count(&emails)
	assert.EqualValues(t, 1, users, "same sender maps to one user")
	assert.EqualValues(t, 2, convs, "one conversation per subject")
	assert.EqualValues(t, 3, emails)

	exists, err := store.EmailExists(first.MessageID)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = store.EmailExists("<unknown@example.com>")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSaveInboundQuarantined(t *testing.T) {
	store, db := testStore(t)
	require.NoError(t, store.SaveInbound(inbound("Morning runs", "flagged content", time.Now()), true))

	var email domain.Email
	require.NoError(t, db.First(&email).Error)
	assert.True(t, email.Analyzed)
	assert.True(t, email.Processed)

	// Quarantined email never reaches the pipeline.
	threads, err := store.GetUnanalyzedConversations(false)
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestThreadEmailTimezoneFromStoredOffset(t *testing.T) {
	store, db := testStore(t)
	sentAt := time.Date(2026, 3, 10, 8, 0, 0, 0, time.FixedZone("", 5*3600))
	in := inbound("Morning runs", "Done, 5k before breakfast!", sentAt)
	require.NoError(t, store.SaveInbound(in, false))

	threads, err := store.GetUnanalyzedConversations(false)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Len(t, threads[0].Emails, 1)
	date := threads[0].Emails[0].Date
	assert.True(t, date.Equal(sentAt))
	_, offset := date.Zone()
	assert.Equal(t, 5*3600, offset, "the sender's UTC offset survives the store")

	// The zone must come from the stored offset column, not from whatever
	// zone the driver happens to return timestamps in.
	require.NoError(t, db.Model(&domain.Email{}).
		Where("message_id = ?", in.MessageID).
		Update("tz_offset_seconds", -8*3600).Error)
	threads, err = store.GetUnanalyzedConversations(false)
	require.NoError(t, err)
	_, offset = threads[0].Emails[0].Date.Zone()
	assert.Equal(t, -8*3600, offset)
}

func TestGetUnanalyzedConversationsTracking(t *testing.T) {
	store, db := testStore(t)
	require.NoError(t, store.SaveInbound(inbound("Morning runs", "I'll run tomorrow.", time.Now()), false))

	threads, err := store.GetUnanalyzedConversations(true)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Len(t, threads[0].Emails, 1)
	assert.Equal(t, domain.RoleUser, threads[0].Emails[0].Role)
	assert.Equal(t, userAddr, threads[0].UserEmail)

	var records []domain.ProcessRecord
	require.NoError(t, db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ProcessNotStarted, records[0].Status)
	assert.Equal(t, domain.SourceAnalysis, records[0].Source)

	// A second tracked fetch hits the advisory lock and writes nothing.
	_, err = store.GetUnanalyzedConversations(true)
	assert.ErrorIs(t, err, ErrProcessConflict)
	var count int64
	db.Model(&domain.ProcessRecord{}).Count(&count)
	assert.EqualValues(t, 1, count, "conflicting fetch must not add records")

	completed, err := store.AllProcessesCompleted()
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestUpdateAfterAnalysisReplyNeeded(t *testing.T) {
	store, db := testStore(t)
	require.NoError(t, store.SaveInbound(inbound("Morning runs", "I'll run tomorrow.", time.Now()), false))
	threads, err := store.GetUnanalyzedConversations(true)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	convID := threads[0].ConversationID

	due := time.Now().Add(24 * time.Hour).Round(time.Second)
	require.NoError(t, store.UpdateAfterAnalysis(convID, &due, true))

	var conv domain.Conversation
	require.NoError(t, db.First(&conv, "id = ?", convID).Error)
	assert.True(t, conv.ReplyNeeded)

	var email domain.Email
	require.NoError(t, db.First(&email).Error)
	assert.True(t, email.Analyzed)
	assert.False(t, email.Processed, "emails stay unprocessed until the reply is written")

	var sched domain.Schedule
	require.NoError(t, db.First(&sched, "conversation_id = ?", convID).Error)
	assert.WithinDuration(t, due, sched.Timestamp, time.Second)

	var record domain.ProcessRecord
	require.NoError(t, db.First(&record).Error)
	assert.Equal(t, domain.ProcessAnalyzed, record.Status)
	assert.True(t, record.Open(), "the reply phase still owns this conversation")
}

func TestUpdateAfterAnalysisNoReply(t *testing.T) {
	store, db := testStore(t)
	require.NoError(t, store.SaveInbound(inbound("Morning runs", "Just checking in.", time.Now()), false))
	threads, err := store.GetUnanalyzedConversations(true)
	require.NoError(t, err)
	convID := threads[0].ConversationID

	require.NoError(t, store.UpdateAfterAnalysis(convID, nil, false))

	var conv domain.Conversation
	require.NoError(t, db.First(&conv, "id = ?", convID).Error)
	assert.False(t, conv.ReplyNeeded)

	var email domain.Email
	require.NoError(t, db.First(&email).Error)
	assert.True(t, email.Analyzed)
	assert.True(t, email.Processed)

	var schedCount int64
	db.Model(&domain.Schedule{}).Count(&schedCount)
	assert.EqualValues(t, 0, schedCount)

	var record domain.ProcessRecord
	require.NoError(t, db.First(&record).Error)
	assert.Equal(t, domain.ProcessCompleted, record.Status)
	require.NotNil(t, record.CompletedAt)

	completed, err := store.AllProcessesCompleted()
	require.NoError(t, err)
	assert.True(t, completed)
}

func TestUpdateAfterReply(t *testing.T) {
	store, db := testStore(t)
	require.NoError(t, store.SaveInbound(inbound("Morning runs", "I'll run tomorrow.", time.Now()), false))
	threads, err := store.GetUnanalyzedConversations(true)
	require.NoError(t, err)
	convID := threads[0].ConversationID
	require.NoError(t, store.UpdateAfterAnalysis(convID, nil, true))

	needing, err := store.GetConversationsNeedingReply()
	require.NoError(t, err)
	require.Len(t, needing, 1)
	assert.Equal(t, convID, needing[0].ConversationID)

	awareness := time.Now().Round(time.Second)
	require.NoError(t, store.UpdateAfterReply(convID, "Great plan, go for it!", &awareness))

	var reply domain.PreparedReply
	require.NoError(t, db.First(&reply).Error)
	assert.Equal(t, "Morning runs", reply.Subject, "reply subject comes from the conversation")
	assert.Equal(t, "Great plan, go for it!", reply.Body)
	assert.WithinDuration(t, awareness, reply.AwarenessTimestamp, time.Second)

	var conv domain.Conversation
	require.NoError(t, db.First(&conv, "id = ?", convID).Error)
	assert.False(t, conv.ReplyNeeded)

	// The cycle is over: nothing unanalyzed, nothing open.
	unanalyzed, err := store.GetUnanalyzedConversations(false)
	require.NoError(t, err)
	assert.Empty(t, unanalyzed)
	completed, err := store.AllProcessesCompleted()
	require.NoError(t, err)
	assert.True(t, completed)
}

func TestPendingRepliesAndDispatch(t *testing.T) {
	store, db := testStore(t)
	require.NoError(t, store.SaveInbound(inbound("Morning runs", "I'll run tomorrow.", time.Now()), false))
	threads, err := store.GetUnanalyzedConversations(true)
	require.NoError(t, err)
	convID := threads[0].ConversationID
	require.NoError(t, store.UpdateAfterAnalysis(convID, nil, true))
	awareness := time.Now().Round(time.Second)
	require.NoError(t, store.UpdateAfterReply(convID, "Great plan!", &awareness))

	items, err := store.PendingReplies()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, userAddr, items[0].Recipient)

	require.NoError(t, store.MarkReplyDispatched(items[0].Reply, "<sent-1@example.com>"))

	items, err = store.PendingReplies()
	require.NoError(t, err)
	assert.Empty(t, items, "dispatched reply leaves the outbox")

	var sent domain.Email
	require.NoError(t, db.First(&sent, "message_id = ?", "<sent-1@example.com>").Error)
	assert.Equal(t, botAddr, sent.FromEmail)
	assert.Equal(t, userAddr, sent.ToEmail)
	assert.WithinDuration(t, awareness, sent.SortingTimestamp, time.Second)
	assert.False(t, sent.Analyzed, "the sent reply is new thread material for the next pass")

	// The conversation reappears unanalyzed with the reply as its last
	// message, classified as the assistant's.
	unanalyzed, err := store.GetUnanalyzedConversations(false)
	require.NoError(t, err)
	require.Len(t, unanalyzed, 1)
	last := unanalyzed[0].LastEmail()
	require.NotNil(t, last)
	assert.Equal(t, domain.RoleAssistant, last.Role)
}

func TestGetScheduledConversations(t *testing.T) {
	store, db := testStore(t)
	due := time.Now().Add(-2 * time.Hour).Round(time.Second)
	convID := analyzedWithSchedule(t, store, due)

	t.Run("future schedules are not due", func(t *testing.T) {
		scheduled, err := store.GetScheduledConversations(due.Add(-time.Hour), false)
		require.NoError(t, err)
		assert.Empty(t, scheduled)
	})

	scheduled, err := store.GetScheduledConversations(time.Now(), true)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, convID, scheduled[0].ConversationID)
	assert.WithinDuration(t, due, scheduled[0].DueAt, time.Second)
	assert.Equal(t, 0, scheduled[0].NumReminders)

	var records []domain.ProcessRecord
	require.NoError(t, db.Where("source = ?", domain.SourceReminders).Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ProcessNotStarted, records[0].Status)

	// A no-op outcome still closes the record and leaves the schedule due.
	require.NoError(t, store.UpdateSchedule(convID, ScheduleUpdate{}))
	completed, err := store.AllProcessesCompleted()
	require.NoError(t, err)
	assert.True(t, completed)

	var sched domain.Schedule
	require.NoError(t, db.First(&sched, "conversation_id = ?", convID).Error)
	assert.WithinDuration(t, due, sched.Timestamp, time.Second)
	assert.Equal(t, 0, sched.NumReminders)
}

func TestUpdateScheduleWritesReminder(t *testing.T) {
	store, db := testStore(t)
	due := time.Now().Add(-2 * time.Hour)
	convID := analyzedWithSchedule(t, store, due)
	_, err := store.GetScheduledConversations(time.Now(), true)
	require.NoError(t, err)

	reminders := 1
	awareness := time.Now().Round(time.Second)
	require.NoError(t, store.UpdateSchedule(convID, ScheduleUpdate{
		ReplyBody:    "How did the run go?",
		Awareness:    &awareness,
		NumReminders: &reminders,
		LastPolicy:   "LateReminderPolicy",
	}))

	var reply domain.PreparedReply
	require.NoError(t, db.First(&reply).Error)
	assert.Equal(t, "How did the run go?", reply.Body)
	assert.Equal(t, "Morning runs", reply.Subject)

	var sched domain.Schedule
	require.NoError(t, db.First(&sched, "conversation_id = ?", convID).Error)
	assert.Equal(t, 1, sched.NumReminders)
	assert.Equal(t, "LateReminderPolicy", sched.LastPolicy)

	completed, err := store.AllProcessesCompleted()
	require.NoError(t, err)
	assert.True(t, completed)
}

func TestUpdateScheduleCannotCreateWithoutTimestamp(t *testing.T) {
	store, db := testStore(t)
	require.NoError(t, store.SaveInbound(inbound("Morning runs", "I'll run tomorrow.", time.Now()), false))
	threads, err := store.GetUnanalyzedConversations(true)
	require.NoError(t, err)
	convID := threads[0].ConversationID

	// No schedule row exists yet; a writeback without a timestamp must not
	// create one that would read as perpetually due.
	err = store.UpdateSchedule(convID, ScheduleUpdate{LastPolicy: "DefaultPolicy"})
	require.Error(t, err)

	var schedCount int64
	db.Model(&domain.Schedule{}).Count(&schedCount)
	assert.EqualValues(t, 0, schedCount)

	// Rolled back whole, so the process record is still open.
	completed, err := store.AllProcessesCompleted()
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestUpdateAfterAnalysisWithoutActiveProcessRollsBack(t *testing.T) {
	store, db := testStore(t)
	require.NoError(t, store.SaveInbound(inbound("Morning runs", "I'll run tomorrow.", time.Now()), false))
	threads, err := store.GetUnanalyzedConversations(false)
	require.NoError(t, err)
	convID := threads[0].ConversationID

	due := time.Now().Add(24 * time.Hour)
	err = store.UpdateAfterAnalysis(convID, &due, true)
	assert.ErrorIs(t, err, ErrNoActiveProcess)

	// The earlier writes of the same transaction must be gone.
	var schedCount int64
	db.Model(&domain.Schedule{}).Count(&schedCount)
	assert.EqualValues(t, 0, schedCount)
	var email domain.Email
	require.NoError(t, db.First(&email).Error)
	assert.False(t, email.Analyzed)
	var conv domain.Conversation
	require.NoError(t, db.First(&conv, "id = ?", convID).Error)
	assert.False(t, conv.ReplyNeeded)
}

func TestUpdateAfterAnalysisMultipleSchedules(t *testing.T) {
	store, db := testStore(t)
	require.NoError(t, store.SaveInbound(inbound("Morning runs", "I'll run tomorrow.", time.Now()), false))
	threads, err := store.GetUnanalyzedConversations(true)
	require.NoError(t, err)
	convID := threads[0].ConversationID

	for i := 0; i < 2; i++ {
		require.NoError(t, db.Create(&domain.Schedule{
			ID:             fmt.Sprintf("sched-%d", i),
			ConversationID: convID,
			Timestamp:      time.Now(),
		}).Error)
	}

	due := time.Now().Add(24 * time.Hour)
	err = store.UpdateAfterAnalysis(convID, &due, false)
	assert.ErrorIs(t, err, ErrMultipleSchedules)
}
