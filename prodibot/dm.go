package prodibot

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

const (
	msgTaskDone  = "Great job! Way to get it done. I'll check this off the list. ✅"
	msgSnoozed   = "Okay, no worries. I'll check in with you again in a bit!"
	msgChatError = "Sorry, I'm having trouble processing that. I'll check in with you later about your task."
)

const introTemplate = "I'm Prodibot! I track task completion. To start, set a reminder for " +
	"yourself using `%sremindme` or `%sremindat` in any server channel I'm in.\n\n" +
	"Once you have an active task, I'll check on your progress here in our DMs."

// handleDirectMessage moves the user's follow-up along, based on a
// (non-command) direct message they sent.
func (p *Prodibot) handleDirectMessage(ctx context.Context, userID, channelID, content string) {
	unlock := p.locks.Lock(userID)
	defer unlock()

	logger := p.discord.logger.With("user_id", userID, "channel_id", channelID)
	ctx = WithLogger(ctx, logger)

	f, err := p.followUps.GetFollowUp(ctx, userID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting follow-up", tint.Err(err))
		return
	}
	if f == nil {
		p.sendDMReply(ctx, channelID, p.introMessage())
		return
	}

	timing := p.RuntimeConfig().Timing()
	f.remember(openai.ChatMessageRoleUser, content, timing.MaxMemoryMessages)

	switch f.Status {
	case FollowUpWaitingForReply:
		p.handleReply(ctx, f, channelID, content, timing)
	case FollowUpWaitingToRemind:
		p.handleChat(ctx, f, channelID, timing)
	default:
		logger.WarnContext(ctx, "unknown follow-up status", "follow_up", f)
	}
}

// handleReply classifies a reply to a reminder or nudge. Done closes the
// follow-up, anything else snoozes it.
func (p *Prodibot) handleReply(
	ctx context.Context,
	f *FollowUp,
	channelID string,
	content string,
	timing FollowUpTiming,
) {
	logger := p.discord.logger.With("user_id", f.UserID)
	p.discord.typing(ctx, channelID)

	status, err := p.openai.ClassifyReply(ctx, f, content)
	if err != nil {
		logger.WarnContext(ctx, "classification failed, snoozing", tint.Err(err))
	}

	if status == TaskDone {
		p.sendDMReply(ctx, channelID, msgTaskDone)
		if err = p.followUps.DeleteFollowUp(ctx, f); err != nil {
			logger.ErrorContext(ctx, "error deleting follow-up", tint.Err(err))
			return
		}
		p.setOutcome(ctx, f, OutcomeDone)
		logger.InfoContext(ctx, "task done", "task", f.Task)
		return
	}

	p.sendDMReply(ctx, channelID, msgSnoozed)
	f.remember(openai.ChatMessageRoleAssistant, msgSnoozed, timing.MaxMemoryMessages)

	now := p.now()
	f.Status = FollowUpWaitingToRemind
	f.NextActionAt = now.Add(snoozeDuration(timing)).UTC().UnixMilli()
	f.DespawnAt = now.Add(timing.DespawnAfter).UTC().UnixMilli()
	if err = p.followUps.SaveFollowUp(ctx, f); err != nil {
		logger.ErrorContext(ctx, "error saving follow-up", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "task not done, snoozed", "follow_up", f)
}

// handleChat replies to a snoozed user with an accountability message
func (p *Prodibot) handleChat(
	ctx context.Context,
	f *FollowUp,
	channelID string,
	timing FollowUpTiming,
) {
	logger := p.discord.logger.With("user_id", f.UserID)
	p.discord.typing(ctx, channelID)

	reply, err := p.openai.ChatReply(ctx, f)
	if err != nil {
		logger.ErrorContext(ctx, "error generating chat reply", tint.Err(err))
		p.sendDMReply(ctx, channelID, msgChatError)
		if err = p.followUps.SaveFollowUp(ctx, f); err != nil {
			logger.ErrorContext(ctx, "error saving follow-up", tint.Err(err))
		}
		return
	}

	p.sendDMReply(ctx, channelID, reply)
	if err = p.followUps.AppendMemory(
		ctx, f, openai.ChatMessageRoleAssistant, reply, timing.MaxMemoryMessages,
	); err != nil {
		logger.ErrorContext(ctx, "error saving follow-up", tint.Err(err))
	}
}

// clearFollowUp deletes the user's follow-up, if they have one
func (p *Prodibot) clearFollowUp(ctx context.Context, userID string) (bool, error) {
	unlock := p.locks.Lock(userID)
	defer unlock()

	f, err := p.followUps.GetFollowUp(ctx, userID)
	if err != nil || f == nil {
		return false, err
	}
	if err = p.followUps.DeleteFollowUp(ctx, f); err != nil {
		return false, err
	}
	p.setOutcome(ctx, f, OutcomeCleared)
	return true, nil
}

// setOutcome records why the follow-up ended on its reminder. Errors are
// only logged, the follow-up is already gone.
func (p *Prodibot) setOutcome(ctx context.Context, f *FollowUp, outcome ReminderOutcome) {
	if err := p.reminders.SetReminderOutcome(ctx, f.ReminderID, outcome); err != nil {
		p.logger.ErrorContext(
			ctx,
			"error setting reminder outcome",
			"reminder_id", f.ReminderID,
			"outcome", outcome,
			tint.Err(err),
		)
	}
}

func (p *Prodibot) sendDMReply(ctx context.Context, channelID, content string) {
	if err := p.discord.channelMessageSend(ctx, channelID, content); err != nil {
		p.discord.logger.ErrorContext(ctx, "error sending DM reply", "channel_id", channelID, tint.Err(err))
	}
}

func (p *Prodibot) introMessage() string {
	prefix := p.config.Discord.CommandPrefix
	return fmt.Sprintf(introTemplate, prefix, prefix)
}

// snoozeDuration picks a random duration between the snooze bounds,
// to the minute
func snoozeDuration(timing FollowUpTiming) time.Duration {
	lo := int64(timing.SnoozeMin / time.Minute)
	hi := int64(timing.SnoozeMax / time.Minute)
	if hi <= lo {
		return timing.SnoozeMin
	}
	return time.Duration(lo+rand.Int64N(hi-lo+1)) * time.Minute
}
