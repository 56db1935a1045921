package prodibot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestProcessDueReminders_DeliversByDM(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	r := addTestReminder(t, bot, testUserID, "water the plants", testNow.Add(-time.Minute), "")
	future := addTestReminder(t, bot, testOtherUserID, "not yet", testNow.Add(time.Minute), "")

	bot.processDueReminders(ctx)

	expected := fmt.Sprintf(reminderTemplate, "<@"+testUserID+">", "water the plants")
	assert.Equal(t, []string{expected}, session.messages(dmChannelID(testUserID)))
	assert.Empty(t, session.messages(dmChannelID(testOtherUserID)))
	assert.Empty(t, session.messages(testChannelID))

	delivered := getReminder(t, bot, r.ID)
	assert.Equal(t, ReminderStatusSent, delivered.Status)
	require.NotNil(t, delivered.DeliveredAt)
	assert.Equal(t, testNow.UnixMilli(), *delivered.DeliveredAt)
	assert.Equal(t, ReminderStatusPending, getReminder(t, bot, future.ID).Status)

	f := getFollowUp(t, bot, testUserID)
	require.NotNil(t, f)
	timing := bot.RuntimeConfig().Timing()
	assert.Equal(t, FollowUpWaitingForReply, f.Status)
	assert.Equal(t, r.ID, f.ReminderID)
	assert.Equal(t, "water the plants", f.Task)
	assert.Equal(t, testNow.Add(timing.NudgeInterval), f.NextActionTime())
	assert.Equal(t, testNow.Add(timing.DespawnAfter), f.DespawnTime())
	require.Len(t, f.Messages, 1)
	assert.Equal(t, expected, f.Messages[0].Content)

	// already delivered, nothing more to do
	bot.processDueReminders(ctx)
	assert.Len(t, session.messages(dmChannelID(testUserID)), 1)
}

func TestProcessDueReminders_ChannelFallback(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	session.forbid(testUserID)
	r := addTestReminder(t, bot, testUserID, "call the bank", testNow, "")

	bot.processDueReminders(ctx)

	assert.Empty(t, session.messages(dmChannelID(testUserID)))
	expected := fmt.Sprintf(reminderFallbackTemplate, "<@"+testUserID+">", "call the bank")
	assert.Equal(t, expected, session.lastMessage(testChannelID))
	assert.Equal(t, ReminderStatusSent, getReminder(t, bot, r.ID).Status)

	f := getFollowUp(t, bot, testUserID)
	require.NotNil(t, f)
	assert.Equal(t, expected, f.Messages[0].Content)
}

func TestProcessDueReminders_RetriesThenFails(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	session.forbid(testUserID)
	session.failChannel(testChannelID)
	r := addTestReminder(t, bot, testUserID, "unreachable", testNow, "WEEKLY:0:09:00")

	maxAttempts := bot.RuntimeConfig().MaxDeliveryAttempts
	require.Greater(t, maxAttempts, 1)

	bot.processDueReminders(ctx)
	r = getReminder(t, bot, r.ID)
	assert.Equal(t, ReminderStatusPending, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.Contains(t, r.LastError, "channel fallback failed")
	assert.Nil(t, getFollowUp(t, bot, testUserID))

	for range maxAttempts - 1 {
		bot.processDueReminders(ctx)
	}
	r = getReminder(t, bot, r.ID)
	assert.Equal(t, ReminderStatusFailed, r.Status)
	assert.Equal(t, OutcomeUndeliverable, r.Outcome)
	assert.Equal(t, maxAttempts, r.Attempts)

	// the routine continues with its next occurrence
	pending, err := bot.reminders.ListUserReminders(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, time.Date(2024, 9, 9, 9, 0, 0, 0, time.UTC), pending[0].RemindTime())
}

func TestProcessDueReminders_FollowUpCreateFails(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	var failCreate atomic.Bool
	failCreate.Store(true)
	require.NoError(
		t,
		bot.db.Callback().Create().Before("gorm:create").Register(
			"fail_follow_up_create",
			func(tx *gorm.DB) {
				if failCreate.Load() && tx.Statement.Table == "follow_ups" {
					_ = tx.AddError(errors.New("disk full"))
				}
			},
		),
	)

	r := addTestReminder(t, bot, testUserID, "stretch", testNow, "")

	bot.processDueReminders(ctx)
	assert.Len(t, session.messages(dmChannelID(testUserID)), 1)
	assert.Nil(t, getFollowUp(t, bot, testUserID))

	r = getReminder(t, bot, r.ID)
	assert.Equal(t, ReminderStatusPending, r.Status)
	assert.Nil(t, r.DeliveredAt)
	assert.Equal(t, 1, r.Attempts)
	assert.Contains(t, r.LastError, "disk full")

	failCreate.Store(false)
	bot.processDueReminders(ctx)
	r = getReminder(t, bot, r.ID)
	assert.Equal(t, ReminderStatusSent, r.Status)
	require.NotNil(t, getFollowUp(t, bot, testUserID))
}

func TestProcessDueReminders_NoChannelFallback(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	session.forbid(testUserID)
	r, err := bot.reminders.AddReminder(
		ctx, NewReminder{
			UserID:    testUserID,
			CreatedBy: "api:admin",
			Task:      "from the api",
			RemindAt:  testNow,
		},
	)
	require.NoError(t, err)

	bot.processDueReminders(ctx)
	r = getReminder(t, bot, r.ID)
	assert.Equal(t, ReminderStatusPending, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.Contains(t, r.LastError, ErrDMForbidden.Error())
}

func TestProcessDueReminders_Duplicate(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	active, _ := startFollowUp(t, bot, testUserID, "first task")
	dup := addTestReminder(t, bot, testUserID, "second task", testNow, "")
	routine := addTestReminder(t, bot, testUserID, "routine task", testNow, "WEEKLY:2:08:00")

	bot.processDueReminders(ctx)

	assert.Empty(t, session.messages(dmChannelID(testUserID)))
	for _, id := range []string{dup.ID, routine.ID} {
		r := getReminder(t, bot, id)
		assert.Equal(t, ReminderStatusSkipped, r.Status)
		assert.Equal(t, OutcomeDuplicate, r.Outcome)
	}

	f := getFollowUp(t, bot, testUserID)
	require.NotNil(t, f)
	assert.Equal(t, active.ID, f.ReminderID)

	// skipped routines still get their next occurrence
	pending, err := bot.reminders.ListUserReminders(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "routine task", pending[0].Task)
	assert.Equal(t, time.Date(2024, 9, 4, 8, 0, 0, 0, time.UTC), pending[0].RemindTime())
}

func TestProcessDueReminders_Recurring(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	r := addTestReminder(t, bot, testUserID, "stretch", testNow.Add(-time.Minute), "WEEKLY:0,2,4:09:00")
	bot.processDueReminders(ctx)

	assert.Len(t, session.messages(dmChannelID(testUserID)), 1)
	assert.Equal(t, ReminderStatusSent, getReminder(t, bot, r.ID).Status)

	pending, err := bot.reminders.ListUserReminders(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	next := pending[0]
	assert.NotEqual(t, r.ID, next.ID)
	assert.True(t, next.IsRecurring)
	assert.Equal(t, r.RecurrenceRule, next.RecurrenceRule)
	assert.Equal(t, r.ChannelID, next.ChannelID)
	assert.Equal(t, time.Date(2024, 9, 4, 9, 0, 0, 0, time.UTC), next.RemindTime())
}

func TestProcessDueReminders_Paused(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	r := addTestReminder(t, bot, testUserID, "wait", testNow, "")
	require.True(t, bot.Pause(ctx))
	assert.False(t, bot.Pause(ctx))

	bot.processDueReminders(ctx)
	assert.Empty(t, session.messages(dmChannelID(testUserID)))
	assert.Equal(t, ReminderStatusPending, getReminder(t, bot, r.ID).Status)

	require.True(t, bot.Resume(ctx))
	assert.False(t, bot.Resume(ctx))
	bot.processDueReminders(ctx)
	assert.Len(t, session.messages(dmChannelID(testUserID)), 1)
}

func TestProcessFollowUps_Nudge(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()
	timing := bot.RuntimeConfig().Timing()

	startFollowUp(t, bot, testUserID, "laundry")

	setClock(bot, testNow.Add(timing.NudgeInterval-time.Minute))
	bot.processFollowUps(ctx)
	assert.Empty(t, session.messages(dmChannelID(testUserID)))

	now := testNow.Add(timing.NudgeInterval)
	setClock(bot, now)
	bot.processFollowUps(ctx)

	msgs := session.messages(dmChannelID(testUserID))
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "Hey! Just checking in on that task: **laundry**"), msgs[0])
	assert.True(t, strings.HasSuffix(msgs[0], "Did you get that done?"))

	f := getFollowUp(t, bot, testUserID)
	require.NotNil(t, f)
	assert.Equal(t, FollowUpWaitingForReply, f.Status)
	assert.Equal(t, now.Add(timing.NudgeInterval), f.NextActionTime())
	assert.Equal(t, testNow.Add(timing.DespawnAfter), f.DespawnTime())
	require.Len(t, f.Messages, 2)
	assert.Equal(t, msgs[0], f.Messages[1].Content)
}

func TestProcessFollowUps_SnoozedNudge(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()
	timing := bot.RuntimeConfig().Timing()

	_, f := startFollowUp(t, bot, testUserID, "laundry")
	f.Status = FollowUpWaitingToRemind
	f.NextActionAt = testNow.Add(20 * time.Minute).UnixMilli()
	require.NoError(t, bot.followUps.SaveFollowUp(ctx, f))

	now := testNow.Add(20 * time.Minute)
	setClock(bot, now)
	bot.processFollowUps(ctx)

	msg := session.lastMessage(dmChannelID(testUserID))
	assert.True(t, strings.HasPrefix(msg, "Hey! Just checking back in on that task: **laundry**"), msg)

	f = getFollowUp(t, bot, testUserID)
	require.NotNil(t, f)
	assert.Equal(t, FollowUpWaitingForReply, f.Status)
	assert.Equal(t, now.Add(timing.NudgeInterval), f.NextActionTime())
	assert.Equal(t, now.Add(timing.DespawnAfter), f.DespawnTime())
}

func TestProcessFollowUps_Despawn(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()
	timing := bot.RuntimeConfig().Timing()

	r, _ := startFollowUp(t, bot, testUserID, "laundry")
	setClock(bot, testNow.Add(timing.DespawnAfter))
	bot.processFollowUps(ctx)

	assert.Equal(
		t,
		fmt.Sprintf(despawnTemplate, "laundry"),
		session.lastMessage(dmChannelID(testUserID)),
	)
	assert.Nil(t, getFollowUp(t, bot, testUserID))
	assert.Equal(t, OutcomeDespawned, getReminder(t, bot, r.ID).Outcome)
}

func TestProcessFollowUps_DespawnForbidden(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()
	timing := bot.RuntimeConfig().Timing()

	r, _ := startFollowUp(t, bot, testUserID, "laundry")
	session.forbid(testUserID)
	setClock(bot, testNow.Add(timing.DespawnAfter))
	bot.processFollowUps(ctx)

	assert.Nil(t, getFollowUp(t, bot, testUserID))
	assert.Equal(t, OutcomeDespawned, getReminder(t, bot, r.ID).Outcome)
}

func TestProcessFollowUps_Undeliverable(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()
	timing := bot.RuntimeConfig().Timing()

	r, _ := startFollowUp(t, bot, testUserID, "laundry")
	session.forbid(testUserID)
	setClock(bot, testNow.Add(timing.NudgeInterval))
	bot.processFollowUps(ctx)

	assert.Empty(t, session.messages(dmChannelID(testUserID)))
	assert.Nil(t, getFollowUp(t, bot, testUserID))
	assert.Equal(t, OutcomeUndeliverable, getReminder(t, bot, r.ID).Outcome)
}

func TestProcessFollowUps_Paused(t *testing.T) {
	t.Parallel()
	bot, session, _ := newTestBot(t)
	ctx := context.Background()
	timing := bot.RuntimeConfig().Timing()

	startFollowUp(t, bot, testUserID, "laundry")
	require.True(t, bot.Pause(ctx))
	setClock(bot, testNow.Add(timing.DespawnAfter))
	bot.processFollowUps(ctx)

	assert.Empty(t, session.messages(dmChannelID(testUserID)))
	assert.NotNil(t, getFollowUp(t, bot, testUserID))
}

func TestStartScheduler(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := bot.startScheduler(ctx)
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2)
	<-c.Stop().Done()
}
