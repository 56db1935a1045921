package prodibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/lmittmann/tint"
	rcron "github.com/robfig/cron/v3"
	openai "github.com/sashabaranov/go-openai"
)

const (
	reminderTemplate         = "Hey %s, this is your reminder to: **%s**\n\nDid you get that done?"
	reminderFallbackTemplate = "Hey %s, I tried to DM you this reminder but your DMs are off!\n\n" +
		"**Task:** %s\n\nDid you get that done?"
	nudgeSnoozedTemplate = "Hey! Just checking back in on that task: **%s**\n\n%s\n\nDid you get that done?"
	nudgeTemplate        = "Hey! Just checking in on that task: **%s**\n\n%s\n\nDid you get that done?"
	despawnTemplate      = "Hey, I haven't heard back from you about: **%s**.\n\n" +
		"I'm going to close this reminder for now. You can always set a new one if you still need to do it!"
)

var nudgePhrases = []string{
	"Just a friendly nudge!",
	"How's that task coming along?",
	"Just checking in on this again.",
	"Hope you haven't forgotten about this!",
}

func randomNudgePhrase() string {
	return nudgePhrases[rand.IntN(len(nudgePhrases))]
}

// cronLogger adapts slog to the cron.Logger interface. Per-run messages
// are logged at debug.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error(msg, append(keysAndValues, tint.Err(err))...)
}

// startScheduler schedules the reminder and follow-up sweeps, and
// starts running them. Both sweeps skip a run if the previous one is
// still going.
func (p *Prodibot) startScheduler(ctx context.Context) (*rcron.Cron, error) {
	cfg := p.config.Scheduler
	logger := cronLogger{logger: p.logger.With(loggerNameKey, "scheduler")}

	c := rcron.New(
		rcron.WithLocation(p.timeParser.Location()),
		rcron.WithLogger(logger),
		rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(
		fmt.Sprintf("@every %s", cfg.ReminderSweep),
		func() { p.processDueReminders(ctx) },
	); err != nil {
		return nil, fmt.Errorf("error scheduling reminder sweep: %w", err)
	}
	if _, err := c.AddFunc(
		fmt.Sprintf("@every %s", cfg.FollowUpSweep),
		func() { p.processFollowUps(ctx) },
	); err != nil {
		return nil, fmt.Errorf("error scheduling follow-up sweep: %w", err)
	}

	c.Start()
	p.logger.InfoContext(
		ctx,
		"scheduler started",
		"reminder_sweep", cfg.ReminderSweep,
		"follow_up_sweep", cfg.FollowUpSweep,
	)
	return c, nil
}

// processDueReminders delivers every due PENDING reminder
func (p *Prodibot) processDueReminders(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg := p.RuntimeConfig()
	if cfg.Paused {
		return
	}
	now := p.now()
	due, err := p.reminders.DueReminders(ctx, now, p.config.Scheduler.BatchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "error querying due reminders", tint.Err(err))
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		p.deliverReminder(ctx, &due[i], now, cfg)
	}
}

// deliverReminder sends a single reminder, by DM if possible, and opens
// a follow-up for it
func (p *Prodibot) deliverReminder(ctx context.Context, r *Reminder, now time.Time, cfg RuntimeConfig) {
	defer func() {
		if rc := recover(); rc != nil {
			p.handleRecover(ctx, rc)
		}
	}()

	unlock := p.locks.Lock(r.UserID)
	defer unlock()

	logger := p.logger.With("reminder", r)
	ctx = WithLogger(ctx, logger)

	existing, err := p.followUps.GetFollowUp(ctx, r.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking for existing follow-up", tint.Err(err))
		return
	}
	if existing != nil {
		logger.InfoContext(ctx, "user already has an active follow-up, skipping", "follow_up", existing)
		if err = p.reminders.MarkSkipped(ctx, r, OutcomeDuplicate); err != nil {
			logger.ErrorContext(ctx, "error marking reminder skipped", tint.Err(err))
			return
		}
		p.rescheduleReminder(ctx, r, now)
		return
	}

	sent, err := p.sendReminder(ctx, r)
	if err != nil {
		p.recordFailedDelivery(ctx, logger, r, err, now, cfg)
		return
	}

	f := &FollowUp{
		UserID:     r.UserID,
		Task:       r.Task,
		ReminderID: r.ID,
		ChannelID:  r.ChannelID,
	}
	if err = p.followUps.CreateFollowUp(ctx, f, sent, now, cfg.Timing()); err != nil {
		// the reminder stays PENDING so the follow-up gets another chance
		// on the next sweep, until attempts run out
		logger.ErrorContext(ctx, "error creating follow-up", tint.Err(err))
		p.recordFailedDelivery(ctx, logger, r, err, now, cfg)
		return
	}
	if err = p.reminders.MarkSent(ctx, r, now); err != nil {
		logger.ErrorContext(ctx, "error marking reminder sent", tint.Err(err))
	}
	logger.InfoContext(ctx, "delivered reminder")
	p.rescheduleReminder(ctx, r, now)
}

// recordFailedDelivery counts a failed attempt against the reminder,
// rescheduling it when it has run out of attempts
func (p *Prodibot) recordFailedDelivery(
	ctx context.Context,
	logger *slog.Logger,
	r *Reminder,
	deliveryErr error,
	now time.Time,
	cfg RuntimeConfig,
) {
	attempts := r.Attempts + 1
	failed, err := p.reminders.MarkFailedAttempt(ctx, r, deliveryErr, cfg.MaxDeliveryAttempts)
	if err != nil {
		logger.ErrorContext(ctx, "error recording failed delivery", tint.Err(err))
		return
	}
	if failed {
		logger.ErrorContext(ctx, "giving up on reminder", "attempts", attempts, tint.Err(deliveryErr))
		p.rescheduleReminder(ctx, r, now)
		return
	}
	logger.WarnContext(ctx, "reminder delivery failed, will retry", "attempts", attempts, tint.Err(deliveryErr))
}

// sendReminder DMs the reminder to the user, falling back to the channel
// it was created in when the user has DMs disabled. It returns the text
// that was sent.
func (p *Prodibot) sendReminder(ctx context.Context, r *Reminder) (string, error) {
	mention := userMention(r.UserID)
	msg := fmt.Sprintf(reminderTemplate, mention, r.Task)
	err := p.discord.sendDM(ctx, r.UserID, msg)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, ErrDMForbidden) || r.ChannelID == "" {
		return "", err
	}

	p.logger.InfoContext(ctx, "DM forbidden, sending reminder to channel", "channel_id", r.ChannelID)
	msg = fmt.Sprintf(reminderFallbackTemplate, mention, r.Task)
	if err = p.discord.channelMessageSend(ctx, r.ChannelID, msg); err != nil {
		return "", fmt.Errorf("channel fallback failed: %w", err)
	}
	return msg, nil
}

// rescheduleReminder adds the next occurrence of a recurring reminder
func (p *Prodibot) rescheduleReminder(ctx context.Context, r *Reminder, now time.Time) {
	if !r.IsRecurring {
		return
	}
	next, err := NextFromRule(r.RecurrenceRule, now.In(p.timeParser.Location()))
	if err != nil {
		p.logger.WarnContext(
			ctx,
			"invalid recurrence rule, not rescheduling",
			"rule", r.RecurrenceRule,
			tint.Err(err),
		)
		return
	}
	added, err := p.reminders.AddReminder(
		ctx, NewReminder{
			UserID:         r.UserID,
			ChannelID:      r.ChannelID,
			GuildID:        r.GuildID,
			CreatedBy:      r.CreatedBy,
			Task:           r.Task,
			RemindAt:       next,
			RecurrenceRule: r.RecurrenceRule,
		},
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "error rescheduling recurring reminder", tint.Err(err))
		return
	}
	p.logger.InfoContext(ctx, "rescheduled recurring reminder", "next", added)
}

// processFollowUps nudges snoozed users first, then users who haven't
// replied
func (p *Prodibot) processFollowUps(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg := p.RuntimeConfig()
	if cfg.Paused {
		return
	}
	now := p.now()
	for _, status := range []FollowUpStatus{FollowUpWaitingToRemind, FollowUpWaitingForReply} {
		due, err := p.followUps.DueFollowUps(ctx, status, now, p.config.Scheduler.BatchSize)
		if err != nil {
			p.logger.ErrorContext(ctx, "error querying due follow-ups", "status", status, tint.Err(err))
			continue
		}
		for _, f := range due {
			if ctx.Err() != nil {
				return
			}
			p.processFollowUp(ctx, f.UserID, now, cfg.Timing())
		}
	}
}

// processFollowUp nudges or despawns a single due follow-up
func (p *Prodibot) processFollowUp(ctx context.Context, userID string, now time.Time, timing FollowUpTiming) {
	defer func() {
		if rc := recover(); rc != nil {
			p.handleRecover(ctx, rc)
		}
	}()

	unlock := p.locks.Lock(userID)
	defer unlock()

	// re-read under the lock, a DM reply may have changed it
	f, err := p.followUps.GetFollowUp(ctx, userID)
	if err != nil {
		p.logger.ErrorContext(ctx, "error getting follow-up", "user_id", userID, tint.Err(err))
		return
	}
	if f == nil || f.NextActionAt > now.UTC().UnixMilli() {
		return
	}
	logger := p.logger.With("follow_up", f)

	switch f.Status {
	case FollowUpWaitingToRemind:
		msg := fmt.Sprintf(nudgeSnoozedTemplate, f.Task, randomNudgePhrase())
		if !p.nudge(ctx, f, msg) {
			return
		}
		f.remember(openai.ChatMessageRoleAssistant, msg, timing.MaxMemoryMessages)
		f.Status = FollowUpWaitingForReply
		f.NextActionAt = now.Add(timing.NudgeInterval).UTC().UnixMilli()
		f.DespawnAt = now.Add(timing.DespawnAfter).UTC().UnixMilli()
	case FollowUpWaitingForReply:
		if f.DespawnAt <= now.UTC().UnixMilli() {
			p.despawn(ctx, f)
			return
		}
		msg := fmt.Sprintf(nudgeTemplate, f.Task, randomNudgePhrase())
		if !p.nudge(ctx, f, msg) {
			return
		}
		f.remember(openai.ChatMessageRoleAssistant, msg, timing.MaxMemoryMessages)
		f.NextActionAt = now.Add(timing.NudgeInterval).UTC().UnixMilli()
	default:
		logger.WarnContext(ctx, "unknown follow-up status")
		return
	}

	if err = p.followUps.SaveFollowUp(ctx, f); err != nil {
		logger.ErrorContext(ctx, "error saving follow-up", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "nudged user")
}

// nudge DMs the user. When that fails, the follow-up is deleted as
// undeliverable and false is returned.
func (p *Prodibot) nudge(ctx context.Context, f *FollowUp, msg string) bool {
	err := p.discord.sendDM(ctx, f.UserID, msg)
	if err == nil {
		return true
	}
	p.logger.WarnContext(ctx, "unable to nudge user, removing follow-up", "follow_up", f, tint.Err(err))
	if err = p.followUps.DeleteFollowUp(ctx, f); err != nil {
		p.logger.ErrorContext(ctx, "error deleting follow-up", tint.Err(err))
		return false
	}
	p.setOutcome(ctx, f, OutcomeUndeliverable)
	return false
}

// despawn closes a follow-up the user never replied to. The follow-up
// is deleted even when the goodbye can't be sent.
func (p *Prodibot) despawn(ctx context.Context, f *FollowUp) {
	if err := p.discord.sendDM(ctx, f.UserID, fmt.Sprintf(despawnTemplate, f.Task)); err != nil {
		p.logger.WarnContext(ctx, "unable to send despawn message", "follow_up", f, tint.Err(err))
	}
	if err := p.followUps.DeleteFollowUp(ctx, f); err != nil {
		p.logger.ErrorContext(ctx, "error deleting follow-up", tint.Err(err))
		return
	}
	p.setOutcome(ctx, f, OutcomeDespawned)
	p.logger.InfoContext(ctx, "despawned follow-up", "follow_up", f)
}
