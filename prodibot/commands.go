package prodibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	CommandHelp            = "help"
	CommandRemindMe        = "remindme"
	CommandRemindAt        = "remindat"
	CommandSetReminder     = "setreminder"
	CommandRoutineReminder = "routinereminder"
	CommandListReminders   = "listreminders"
	CommandDeleteReminder  = "deletereminder"
	CommandUpdateTask      = "updatetask"
	CommandUpdateTime      = "updatetime"
	CommandMemDump         = "memdump"
	CommandMemClear        = "memclear"
)

const (
	msgAdminOnly         = "Sorry, that command is for bot admins only."
	msgSaveError         = "Sorry, I had an error saving that reminder to the database."
	msgNoUsers           = "You must specify at least one user!"
	msgPositiveMinutes   = "Please provide a positive number of minutes!"
	msgInvalidMinutes    = "Invalid number of minutes. Please enter a number."
	msgNoReminders       = "You have no reminders assigned to *you* in the database!"
	msgHistoryTruncated  = "\n... (message history truncated)"
	msgNoHistory         = "  (No messages in history)"
	pastTimeLayout       = "2006-01-02 03:04 PM"
	routineTimeLayout    = "03:04 PM MST"
	listTaskMaxLength    = 50
	listMessageFlushSize = 1800
	memDumpMaxLength     = 1900
	memDumpContentLength = 100
)

var mentionPattern = regexp.MustCompile(`^<@!?(\d+)>$`)

// command is a prefix command, like `!remindme`
type command struct {
	name  string
	usage string
	help  string
	admin bool
	run   func(ctx context.Context, req *commandRequest)
}

// commandRequest is a single invocation of a command
type commandRequest struct {
	p       *Prodibot
	cmd     *command
	message *discordgo.MessageCreate
	author  *discordgo.User
	args    []string
	logger  *slog.Logger
}

// reply sends content to the channel the command came from
func (r *commandRequest) reply(ctx context.Context, content string) {
	if err := r.p.discord.channelMessageSend(ctx, r.message.ChannelID, content); err != nil {
		r.logger.ErrorContext(ctx, "error sending command reply", tint.Err(err))
	}
}

func (r *commandRequest) replyUsage(ctx context.Context) {
	r.reply(ctx, fmt.Sprintf("Usage: `%s`", r.p.commandUsage(r.cmd)))
}

func (r *commandRequest) replyError(ctx context.Context, err error) {
	r.logger.ErrorContext(ctx, "command error", "command", r.cmd.name, tint.Err(err))
	r.reply(ctx, fmt.Sprintf("An error occurred: %s", err))
}

// commands returns the command table, keyed by name
func (p *Prodibot) commands() map[string]*command {
	cmds := []*command{
		{
			name:  CommandHelp,
			usage: "help",
			help:  "Lists the available commands.",
			run:   p.cmdHelp,
		},
		{
			name:  CommandRemindMe,
			usage: "remindme <minutes> <task>",
			help:  "Sets a reminder for yourself, some minutes from now.",
			run:   p.cmdRemindMe,
		},
		{
			name:  CommandRemindAt,
			usage: `remindat "<time>" <task>`,
			help:  "Sets a reminder for yourself at a specific time.",
			run:   p.cmdRemindAt,
		},
		{
			name:  CommandSetReminder,
			usage: `setreminder <@user1 ...> "<time>" <task>`,
			help:  "Sets a reminder for one or more users.",
			admin: true,
			run:   p.cmdSetReminder,
		},
		{
			name:  CommandRoutineReminder,
			usage: `routinereminder <@user1 ...> "<days>" "<time>" <task>`,
			help:  "Sets a weekly recurring reminder for one or more users.",
			admin: true,
			run:   p.cmdRoutineReminder,
		},
		{
			name:  CommandListReminders,
			usage: "listreminders",
			help:  "Lists your upcoming reminders.",
			run:   p.cmdListReminders,
		},
		{
			name:  CommandDeleteReminder,
			usage: "deletereminder <id>",
			help:  "Deletes a reminder.",
			admin: true,
			run:   p.cmdDeleteReminder,
		},
		{
			name:  CommandUpdateTask,
			usage: "updatetask <id> <new task>",
			help:  "Updates a reminder's task.",
			admin: true,
			run:   p.cmdUpdateTask,
		},
		{
			name:  CommandUpdateTime,
			usage: `updatetime <id> "<time>"`,
			help:  "Updates a reminder's time.",
			admin: true,
			run:   p.cmdUpdateTime,
		},
		{
			name:  CommandMemDump,
			usage: "memdump <@user>",
			help:  "Shows a user's active task state.",
			admin: true,
			run:   p.cmdMemDump,
		},
		{
			name:  CommandMemClear,
			usage: "memclear <@user>",
			help:  "Clears a user's active task state.",
			admin: true,
			run:   p.cmdMemClear,
		},
	}
	m := make(map[string]*command, len(cmds))
	for _, c := range cmds {
		m[c.name] = c
	}
	return m
}

// commandOrder is the order commands are listed in by help
var commandOrder = []string{
	CommandHelp,
	CommandRemindMe,
	CommandRemindAt,
	CommandListReminders,
	CommandSetReminder,
	CommandRoutineReminder,
	CommandDeleteReminder,
	CommandUpdateTask,
	CommandUpdateTime,
	CommandMemDump,
	CommandMemClear,
}

func (p *Prodibot) commandUsage(c *command) string {
	return p.config.Discord.CommandPrefix + c.usage
}

// handleDiscordMessage routes a message received via the gateway. Messages
// starting with the command prefix are handled as commands, and any
// other direct message goes to the follow-up conversation.
func (p *Prodibot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	defer func() {
		if rc := recover(); rc != nil {
			p.handleRecover(ctx, rc)
		}
	}()
	if m == nil || m.Message == nil {
		return
	}
	author := messageAuthor(m.Message)
	if author == nil || author.Bot || author.ID == p.discord.BotUserID() {
		return
	}

	guildID := p.config.Discord.GuildID
	if m.GuildID != "" && guildID != "" && m.GuildID != guildID {
		p.discord.logger.DebugContext(ctx, "ignoring message from other guild", "guild_id", m.GuildID)
		return
	}

	p.discord.metricMessagesHandled.Add(1)
	content := strings.TrimSpace(m.Content)
	prefix := p.config.Discord.CommandPrefix

	switch {
	case strings.HasPrefix(content, prefix):
		p.handleCommand(ctx, m, author, strings.TrimPrefix(content, prefix))
	case m.GuildID == "":
		p.handleDirectMessage(ctx, author.ID, m.ChannelID, content)
	}
}

// handleCommand parses and runs a command. Unknown commands are ignored.
func (p *Prodibot) handleCommand(
	ctx context.Context,
	m *discordgo.MessageCreate,
	author *discordgo.User,
	line string,
) {
	tokens := tokenizeArgs(line)
	if len(tokens) == 0 {
		return
	}
	name := strings.ToLower(tokens[0])
	cmd, ok := p.cmds[name]
	if !ok {
		return
	}

	logger := p.discord.logger.With(
		slog.Group(
			"command",
			"name", cmd.name,
			"user_id", author.ID,
			"channel_id", m.ChannelID,
			"guild_id", m.GuildID,
		),
	)
	ctx = WithLogger(ctx, logger)
	req := &commandRequest{
		p:       p,
		cmd:     cmd,
		message: m,
		author:  author,
		args:    tokens[1:],
		logger:  logger,
	}

	if cmd.admin && !p.config.Discord.isAdmin(author.ID) {
		logger.WarnContext(ctx, "non-admin attempted admin command")
		req.reply(ctx, msgAdminOnly)
		return
	}
	logger.InfoContext(ctx, "running command", "args", req.args)
	cmd.run(ctx, req)
}

// tokenizeArgs splits a command line into words. Double quotes group
// words together. Apostrophes are kept as-is, so "don't" is one word.
func tokenizeArgs(s string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := false
	hasToken := false

	for _, r := range s {
		switch {
		case r == '"' || r == '“' || r == '”':
			inQuote = !inQuote
			hasToken = true
		case unicode.IsSpace(r) && !inQuote:
			if hasToken {
				tokens = append(tokens, current.String())
				current.Reset()
				hasToken = false
			}
		default:
			current.WriteRune(r)
			hasToken = true
		}
	}
	if hasToken {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// takeMentions consumes leading user mentions from args, returning the
// mentioned user IDs and the remaining args
func takeMentions(args []string) (userIDs []string, rest []string) {
	for i, a := range args {
		match := mentionPattern.FindStringSubmatch(a)
		if match == nil {
			return userIDs, args[i:]
		}
		userIDs = append(userIDs, match[1])
	}
	return userIDs, nil
}

// lookupReminderMessage strips the sentinel prefix from a
// FindReminderByShortID error, leaving the user-facing message
func lookupReminderMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{ErrReminderNotFound, ErrAmbiguousReminderID} {
		if errors.Is(err, sentinel) {
			msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
		}
	}
	return msg
}

func (p *Prodibot) cmdHelp(ctx context.Context, req *commandRequest) {
	var b strings.Builder
	b.WriteString("**Prodibot commands:**\n")
	for _, name := range commandOrder {
		c := p.cmds[name]
		admin := ""
		if c.admin {
			admin = " *(Admin only)*"
		}
		fmt.Fprintf(&b, "`%s`: %s%s\n", p.commandUsage(c), c.help, admin)
	}
	req.reply(ctx, b.String())
}

func (p *Prodibot) cmdRemindMe(ctx context.Context, req *commandRequest) {
	if len(req.args) < 2 {
		req.replyUsage(ctx)
		return
	}
	minutes, err := strconv.Atoi(req.args[0])
	if err != nil {
		req.reply(ctx, msgInvalidMinutes)
		return
	}
	if minutes <= 0 {
		req.reply(ctx, msgPositiveMinutes)
		return
	}
	task := strings.Join(req.args[1:], " ")
	remindAt := p.now().Add(time.Duration(minutes) * time.Minute)

	if _, err = p.reminders.AddReminder(ctx, p.newReminderFromMessage(req, req.author.ID, task, remindAt, "")); err != nil {
		req.logger.ErrorContext(ctx, "error adding reminder", tint.Err(err))
		req.reply(ctx, msgSaveError)
		return
	}
	req.reply(
		ctx,
		fmt.Sprintf(
			"Okay, %s! I'll remind you to **%s** at %s.",
			userMention(req.author.ID),
			task,
			discordTimestamp(remindAt),
		),
	)
}

func (p *Prodibot) cmdRemindAt(ctx context.Context, req *commandRequest) {
	if len(req.args) < 2 {
		req.replyUsage(ctx)
		return
	}
	remindAt, ok := p.parseFutureTime(ctx, req, req.args[0])
	if !ok {
		return
	}
	task := strings.Join(req.args[1:], " ")

	if _, err := p.reminders.AddReminder(ctx, p.newReminderFromMessage(req, req.author.ID, task, remindAt, "")); err != nil {
		req.logger.ErrorContext(ctx, "error adding reminder", tint.Err(err))
		req.reply(ctx, msgSaveError)
		return
	}
	req.reply(
		ctx,
		fmt.Sprintf(
			"Got it, %s! I'll remind you to **%s** at %s.",
			userMention(req.author.ID),
			task,
			discordTimestamp(remindAt),
		),
	)
}

func (p *Prodibot) cmdSetReminder(ctx context.Context, req *commandRequest) {
	userIDs, rest := takeMentions(req.args)
	if len(userIDs) == 0 {
		req.reply(ctx, fmt.Sprintf("%s Usage: `%s`", msgNoUsers, p.commandUsage(req.cmd)))
		return
	}
	if len(rest) < 2 {
		req.replyUsage(ctx)
		return
	}
	remindAt, ok := p.parseFutureTime(ctx, req, rest[0])
	if !ok {
		return
	}
	task := strings.Join(rest[1:], " ")

	succeeded, failed := p.addReminderForUsers(ctx, req, userIDs, task, remindAt, "")

	var b strings.Builder
	if len(succeeded) > 0 {
		fmt.Fprintf(
			&b,
			"✅ Got it! I'll remind %s to **%s** at %s.\n",
			strings.Join(succeeded, ", "),
			task,
			discordTimestamp(remindAt),
		)
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "❌ I failed to set a reminder for %s.", strings.Join(failed, ", "))
	}
	req.reply(ctx, b.String())
}

func (p *Prodibot) cmdRoutineReminder(ctx context.Context, req *commandRequest) {
	userIDs, rest := takeMentions(req.args)
	if len(userIDs) == 0 {
		req.reply(ctx, msgNoUsers)
		return
	}
	if len(rest) < 3 {
		req.replyUsage(ctx)
		return
	}
	daysText, timeText := rest[0], rest[1]
	task := strings.Join(rest[2:], " ")

	weekdays := ParseDays(daysText)
	if len(weekdays) == 0 {
		req.reply(
			ctx,
			fmt.Sprintf(
				"I couldn't understand the days: %q. Please use 'everyday' or 'Mon,Wed,Fri', 'Tues/Thurs', etc.",
				daysText,
			),
		)
		return
	}

	now := p.now().In(p.timeParser.Location())
	hour, minute, err := p.timeParser.ParseTimeOfDay(timeText, now)
	if err != nil {
		req.reply(
			ctx,
			fmt.Sprintf("I couldn't understand the time: %q. Please use '10am' or '14:30'.", timeText),
		)
		return
	}

	rule := FormatRule(weekdays, hour, minute)
	first := NextOccurrence(now, weekdays, hour, minute)
	succeeded, failed := p.addReminderForUsers(ctx, req, userIDs, task, first, rule)

	var b strings.Builder
	if len(succeeded) > 0 {
		fmt.Fprintf(&b, "✅ Set recurring reminder for %s: **%s**\n", strings.Join(succeeded, ", "), task)
		fmt.Fprintf(&b, "   *When:* %s at %s\n", HumanDays(weekdays), first.Format(routineTimeLayout))
		fmt.Fprintf(&b, "   *First one is:* %s", discordTimestamp(first))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "\n❌ I failed to set the recurring reminder for %s.", strings.Join(failed, ", "))
	}
	req.reply(ctx, b.String())
}

func (p *Prodibot) cmdListReminders(ctx context.Context, req *commandRequest) {
	reminders, err := p.reminders.ListUserReminders(ctx, req.author.ID)
	if err != nil {
		req.logger.ErrorContext(ctx, "error listing reminders", tint.Err(err))
		req.reply(ctx, fmt.Sprintf("An error occurred while fetching reminders: %s", err))
		return
	}
	if len(reminders) == 0 {
		req.reply(ctx, msgNoReminders)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**You have %d upcoming reminders in the DB:**\n\n", len(reminders))
	for i, r := range reminders {
		recurring := ""
		if r.IsRecurring {
			recurring = " (🔄 Recurring)"
		}
		fmt.Fprintf(
			&b,
			"**%d.** %s%s\n    *Due: %s*\n    *ID: `%s`*\n",
			i+1,
			ellipsize(r.Task, listTaskMaxLength),
			recurring,
			discordTimestamp(r.RemindTime()),
			r.ShortID(),
		)
		if utf8.RuneCountInString(b.String()) > listMessageFlushSize {
			req.reply(ctx, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		req.reply(ctx, b.String())
	}
}

func (p *Prodibot) cmdDeleteReminder(ctx context.Context, req *commandRequest) {
	if len(req.args) != 1 {
		req.replyUsage(ctx)
		return
	}
	r, ok := p.findReminder(ctx, req, req.args[0])
	if !ok {
		return
	}
	if err := p.reminders.DeleteReminder(ctx, r); err != nil {
		req.replyError(ctx, err)
		return
	}
	req.reply(
		ctx,
		fmt.Sprintf(
			"✅ Successfully deleted reminder: **%s** (for user %s)",
			r.Task,
			userMention(r.UserID),
		),
	)
}

func (p *Prodibot) cmdUpdateTask(ctx context.Context, req *commandRequest) {
	if len(req.args) < 2 {
		req.replyUsage(ctx)
		return
	}
	shortID := req.args[0]
	r, ok := p.findReminder(ctx, req, shortID)
	if !ok {
		return
	}
	oldTask := r.Task
	newTask := strings.Join(req.args[1:], " ")
	if err := p.reminders.UpdateReminderTask(ctx, r, newTask); err != nil {
		req.replyError(ctx, err)
		return
	}
	req.reply(
		ctx,
		fmt.Sprintf("✅ Task updated for `%s`!\n**Old:** %s\n**New:** %s", shortID, oldTask, newTask),
	)
}

func (p *Prodibot) cmdUpdateTime(ctx context.Context, req *commandRequest) {
	if len(req.args) != 2 {
		req.replyUsage(ctx)
		return
	}
	r, ok := p.findReminder(ctx, req, req.args[0])
	if !ok {
		return
	}
	remindAt, ok := p.parseFutureTime(ctx, req, req.args[1])
	if !ok {
		return
	}
	if err := p.reminders.UpdateReminderTime(ctx, r, remindAt); err != nil {
		req.replyError(ctx, err)
		return
	}
	req.reply(
		ctx,
		fmt.Sprintf(
			"✅ Time updated for **%s**!\n**New Time:** %s\n*(Note: This action made the reminder non-recurring.)*",
			r.Task,
			discordTimestamp(remindAt),
		),
	)
}

func (p *Prodibot) cmdMemDump(ctx context.Context, req *commandRequest) {
	userID, ok := p.targetUser(ctx, req)
	if !ok {
		return
	}
	f, err := p.followUps.GetFollowUp(ctx, userID)
	if err != nil {
		req.replyError(ctx, err)
		return
	}
	if f == nil {
		req.reply(ctx, fmt.Sprintf("No active task state found for %s.", userMention(userID)))
		return
	}
	req.reply(ctx, formatMemDump(f))
}

// formatMemDump renders a follow-up for an admin
func formatMemDump(f *FollowUp) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Active task state for %s:**\n", userMention(f.UserID))
	fmt.Fprintf(&b, "**Task:** %s\n", f.Task)
	fmt.Fprintf(&b, "**Status:** `%s`\n", f.Status)
	fmt.Fprintf(&b, "**Next nudge:** %s\n", discordTimestamp(f.NextActionTime()))
	fmt.Fprintf(&b, "**Despawns:** %s\n", discordTimestamp(f.DespawnTime()))
	b.WriteString("**History:**\n")

	if len(f.Messages) == 0 {
		b.WriteString(msgNoHistory)
		return b.String()
	}
	for _, m := range f.Messages {
		line := fmt.Sprintf("  - **%s:** %s\n", m.Role, truncate(m.Content, memDumpContentLength))
		if utf8.RuneCountInString(b.String())+utf8.RuneCountInString(line) > memDumpMaxLength {
			b.WriteString(msgHistoryTruncated)
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

func (p *Prodibot) cmdMemClear(ctx context.Context, req *commandRequest) {
	userID, ok := p.targetUser(ctx, req)
	if !ok {
		return
	}
	cleared, err := p.clearFollowUp(ctx, userID)
	if err != nil {
		req.replyError(ctx, err)
		return
	}
	if !cleared {
		req.reply(ctx, fmt.Sprintf("No active task state found for %s.", userMention(userID)))
		return
	}
	req.reply(
		ctx,
		fmt.Sprintf("✅ Successfully cleared the active task state for %s.", userMention(userID)),
	)
}

// targetUser returns the single mentioned user, or the command's author
// when nobody is mentioned
func (p *Prodibot) targetUser(ctx context.Context, req *commandRequest) (string, bool) {
	if len(req.args) == 0 {
		return req.author.ID, true
	}
	userIDs, rest := takeMentions(req.args)
	if len(userIDs) != 1 || len(rest) > 0 {
		req.replyUsage(ctx)
		return "", false
	}
	return userIDs[0], true
}

// parseFutureTime parses text as a time in the future, replying with
// an explanation when it can't
func (p *Prodibot) parseFutureTime(
	ctx context.Context,
	req *commandRequest,
	text string,
) (time.Time, bool) {
	now := p.now()
	t, err := p.timeParser.ParseTime(text, now)
	if err != nil {
		req.reply(ctx, fmt.Sprintf("Sorry, I couldn't understand the time %q. Please try again.", text))
		return time.Time{}, false
	}
	if !t.After(now) {
		req.reply(
			ctx,
			fmt.Sprintf(
				"That time is in the past! (I understood that as: %s) Please provide a future time.",
				t.In(p.timeParser.Location()).Format(pastTimeLayout),
			),
		)
		return time.Time{}, false
	}
	return t, true
}

// findReminder looks up a reminder by short ID, replying with the reason
// when it can't be found
func (p *Prodibot) findReminder(
	ctx context.Context,
	req *commandRequest,
	shortID string,
) (*Reminder, bool) {
	r, err := p.reminders.FindReminderByShortID(ctx, shortID)
	switch {
	case err == nil:
		return r, true
	case errors.Is(err, ErrReminderNotFound), errors.Is(err, ErrAmbiguousReminderID):
		req.reply(ctx, lookupReminderMessage(err))
	default:
		req.replyError(ctx, err)
	}
	return nil, false
}

func (p *Prodibot) newReminderFromMessage(
	req *commandRequest,
	userID string,
	task string,
	remindAt time.Time,
	rule string,
) NewReminder {
	return NewReminder{
		UserID:         userID,
		ChannelID:      req.message.ChannelID,
		GuildID:        req.message.GuildID,
		CreatedBy:      req.author.ID,
		Task:           task,
		RemindAt:       remindAt,
		RecurrenceRule: rule,
	}
}

// addReminderForUsers adds the same reminder for each user, returning
// the mentions of users it succeeded and failed for
func (p *Prodibot) addReminderForUsers(
	ctx context.Context,
	req *commandRequest,
	userIDs []string,
	task string,
	remindAt time.Time,
	rule string,
) (succeeded []string, failed []string) {
	for _, userID := range userIDs {
		_, err := p.reminders.AddReminder(ctx, p.newReminderFromMessage(req, userID, task, remindAt, rule))
		if err != nil {
			req.logger.ErrorContext(ctx, "error adding reminder", "for_user_id", userID, tint.Err(err))
			failed = append(failed, userMention(userID))
			continue
		}
		succeeded = append(succeeded, userMention(userID))
	}
	return succeeded, failed
}
