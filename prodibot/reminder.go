package prodibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ReminderStatus string

const (
	ReminderStatusPending ReminderStatus = "PENDING"
	ReminderStatusSent    ReminderStatus = "SENT"
	ReminderStatusSkipped ReminderStatus = "SKIPPED"
	ReminderStatusFailed  ReminderStatus = "FAILED"
)

// ReminderOutcome records how a delivered (or undeliverable) reminder
// was finally resolved
type ReminderOutcome string

const (
	OutcomeNone          ReminderOutcome = ""
	OutcomeDone          ReminderOutcome = "DONE"
	OutcomeDespawned     ReminderOutcome = "DESPAWNED"
	OutcomeCleared       ReminderOutcome = "CLEARED"
	OutcomeUndeliverable ReminderOutcome = "UNDELIVERABLE"
	OutcomeDuplicate     ReminderOutcome = "DUPLICATE"
)

const (
	columnReminderUserID         = "user_id"
	columnReminderStatus         = "status"
	columnReminderRemindAt       = "remind_at"
	columnReminderTask           = "task"
	columnReminderIsRecurring    = "is_recurring"
	columnReminderRecurrenceRule = "recurrence_rule"
	columnReminderAttempts       = "attempts"
	columnReminderLastError      = "last_error"
	columnReminderDeliveredAt    = "delivered_at"
	columnReminderOutcome        = "outcome"

	// length of the ID prefix shown to users, which is the first uuid group
	reminderShortIDLength = 8
)

var (
	ErrReminderNotFound    = errors.New("reminder not found")
	ErrAmbiguousReminderID = errors.New("ambiguous reminder ID")
)

// Reminder is a scheduled reminder for a single discord user.
type Reminder struct {
	ModelStringID
	ModelUnixTime

	UserID string `gorm:"not null;index" json:"user_id" binding:"required,numeric"`

	// ChannelID is the channel the reminder was created in, used as a
	// fallback when the user has DMs disabled. Empty for reminders
	// created through the API.
	ChannelID string `json:"channel_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`

	// CreatedBy is the discord user ID of whoever set the reminder, or
	// "api:<username>"
	CreatedBy string `json:"created_by"`

	Task string `gorm:"not null" json:"task" binding:"required"`

	Status ReminderStatus `gorm:"not null;default:PENDING;index:idx_reminder_status_remind_at,priority:1" json:"status"`

	// RemindAt is when the reminder is due, in unix milliseconds
	RemindAt int64 `gorm:"not null;index:idx_reminder_status_remind_at,priority:2" json:"remind_at"`

	IsRecurring    bool   `json:"is_recurring"`
	RecurrenceRule string `gorm:"not null;default:NONE" json:"recurrence_rule"`

	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	DeliveredAt *int64          `json:"delivered_at,omitempty"`
	Outcome     ReminderOutcome `json:"outcome,omitempty"`
}

func (r Reminder) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID),
		slog.String("user_id", r.UserID),
		slog.String("status", string(r.Status)),
		slog.Time("remind_at", r.RemindTime()),
		slog.Bool("recurring", r.IsRecurring),
	)
}

// RemindTime returns RemindAt as a time.Time in UTC
func (r Reminder) RemindTime() time.Time {
	return time.UnixMilli(r.RemindAt).UTC()
}

// ShortID is the ID prefix shown to users in discord
func (r Reminder) ShortID() string {
	return truncate(r.ID, reminderShortIDLength)
}

// NewReminder describes a reminder to be created with AddReminder
type NewReminder struct {
	UserID         string
	ChannelID      string
	GuildID        string
	CreatedBy      string
	Task           string
	RemindAt       time.Time
	RecurrenceRule string
}

// ReminderFilter narrows ListReminders
type ReminderFilter struct {
	UserID string         `form:"user_id" binding:"omitempty,numeric"`
	Status ReminderStatus `form:"status" binding:"omitempty,oneof=PENDING SENT SKIPPED FAILED"`
}

// ReminderStore persists reminders. Reads go through db directly, writes
// through DBI so they're serialized for SQLite.
type ReminderStore struct {
	db     DBI
	logger *slog.Logger
}

func NewReminderStore(db DBI, logger *slog.Logger) *ReminderStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderStore{db: db, logger: logger.With(loggerNameKey, "reminders")}
}

// AddReminder creates a new PENDING reminder
func (s *ReminderStore) AddReminder(ctx context.Context, n NewReminder) (*Reminder, error) {
	task := strings.TrimSpace(n.Task)
	switch {
	case n.UserID == "":
		return nil, errors.New("user ID is required")
	case task == "":
		return nil, errors.New("task is required")
	case n.RemindAt.IsZero():
		return nil, errors.New("remind time is required")
	}

	rule := n.RecurrenceRule
	if rule == "" {
		rule = recurrenceNone
	}
	if rule != recurrenceNone {
		if _, err := ParseRule(rule); err != nil {
			return nil, err
		}
	}

	r := &Reminder{
		ModelStringID:  ModelStringID{ID: uuid.NewString()},
		UserID:         n.UserID,
		ChannelID:      n.ChannelID,
		GuildID:        n.GuildID,
		CreatedBy:      n.CreatedBy,
		Task:           task,
		Status:         ReminderStatusPending,
		RemindAt:       n.RemindAt.UTC().UnixMilli(),
		IsRecurring:    rule != recurrenceNone,
		RecurrenceRule: rule,
	}
	if _, err := s.db.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("error saving reminder: %w", err)
	}
	s.logger.InfoContext(ctx, "added reminder", "reminder", r)
	return r, nil
}

// GetReminder returns the reminder with the given full ID
func (s *ReminderStore) GetReminder(ctx context.Context, id string) (*Reminder, error) {
	var r Reminder
	err := s.db.DB().WithContext(ctx).Where("id = ?", id).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReminderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DueReminders returns up to limit PENDING reminders due at or before now,
// oldest first
func (s *ReminderStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	var reminders []Reminder
	err := s.db.DB().WithContext(ctx).
		Where(columnReminderStatus+" = ?", ReminderStatusPending).
		Where(columnReminderRemindAt+" <= ?", now.UTC().UnixMilli()).
		Order(columnReminderRemindAt + " asc").
		Limit(limit).
		Find(&reminders).Error
	return reminders, err
}

// ListUserReminders returns the user's PENDING reminders, soonest first
func (s *ReminderStore) ListUserReminders(ctx context.Context, userID string) ([]Reminder, error) {
	var reminders []Reminder
	err := s.db.DB().WithContext(ctx).
		Where(columnReminderUserID+" = ?", userID).
		Where(columnReminderStatus+" = ?", ReminderStatusPending).
		Order(columnReminderRemindAt + " asc").
		Find(&reminders).Error
	return reminders, err
}

// ListReminders returns a page of reminders matching the filter
func (s *ReminderStore) ListReminders(
	ctx context.Context,
	filter ReminderFilter,
	page Pagination,
) ([]Reminder, error) {
	q := s.db.DB().WithContext(ctx).Model(&Reminder{})
	if filter.UserID != "" {
		q = q.Where(columnReminderUserID+" = ?", filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where(columnReminderStatus+" = ?", filter.Status)
	}
	var reminders []Reminder
	err := page.apply(q, columnReminderRemindAt).Find(&reminders).Error
	return reminders, err
}

// CountReminders returns the number of reminders with the given status
func (s *ReminderStore) CountReminders(ctx context.Context, status ReminderStatus) (int64, error) {
	var n int64
	err := s.db.DB().WithContext(ctx).
		Model(&Reminder{}).
		Where(columnReminderStatus+" = ?", status).
		Count(&n).Error
	return n, err
}

// shortIDPattern matches ID prefixes a user can type. Reminder IDs are
// lower-case uuids.
var shortIDPattern = regexp.MustCompile(`^[0-9a-f-]+$`)

// FindReminderByShortID finds the single reminder whose ID starts with
// prefix. It returns ErrReminderNotFound or ErrAmbiguousReminderID (with
// a message suitable for showing to users) when that isn't possible.
func (s *ReminderStore) FindReminderByShortID(ctx context.Context, prefix string) (*Reminder, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	switch {
	case prefix == "":
		return nil, fmt.Errorf("%w: no ID given", ErrReminderNotFound)
	case !shortIDPattern.MatchString(prefix):
		return nil, fmt.Errorf(
			"%w: I couldn't find a reminder with an ID starting with `%s`.",
			ErrReminderNotFound,
			prefix,
		)
	}

	q := s.db.DB().WithContext(ctx).Model(&Reminder{}).Where("id LIKE ?", prefix+"%")

	var matches []Reminder
	if err := q.Session(&gorm.Session{}).Limit(2).Find(&matches).Error; err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf(
			"%w: I couldn't find a reminder with an ID starting with `%s`.",
			ErrReminderNotFound,
			prefix,
		)
	case 1:
		return &matches[0], nil
	}

	var count int64
	if err := q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return nil, err
	}
	return nil, fmt.Errorf(
		"%w: That ID is ambiguous and matches %d reminders. Please be more specific.",
		ErrAmbiguousReminderID,
		count,
	)
}

func (s *ReminderStore) UpdateReminderTask(ctx context.Context, r *Reminder, task string) error {
	task = strings.TrimSpace(task)
	if task == "" {
		return errors.New("task is required")
	}
	if _, err := s.db.Update(ctx, r, columnReminderTask, task); err != nil {
		return fmt.Errorf("error updating task: %w", err)
	}
	return nil
}

// UpdateReminderTime reschedules a reminder. Rescheduling a recurring
// reminder makes it a one-off.
func (s *ReminderStore) UpdateReminderTime(ctx context.Context, r *Reminder, t time.Time) error {
	_, err := s.db.Updates(
		ctx, r, map[string]any{
			columnReminderRemindAt:       t.UTC().UnixMilli(),
			columnReminderIsRecurring:    false,
			columnReminderRecurrenceRule: recurrenceNone,
			columnReminderAttempts:       0,
			columnReminderLastError:      "",
			columnReminderStatus:         ReminderStatusPending,
		},
	)
	if err != nil {
		return fmt.Errorf("error updating reminder time: %w", err)
	}
	return nil
}

func (s *ReminderStore) DeleteReminder(ctx context.Context, r *Reminder) error {
	if _, err := s.db.Delete(ctx, r); err != nil {
		return fmt.Errorf("error deleting reminder: %w", err)
	}
	s.logger.InfoContext(ctx, "deleted reminder", "reminder", r)
	return nil
}

func (s *ReminderStore) MarkSent(ctx context.Context, r *Reminder, at time.Time) error {
	delivered := at.UTC().UnixMilli()
	_, err := s.db.Updates(
		ctx, r, map[string]any{
			columnReminderStatus:      ReminderStatusSent,
			columnReminderDeliveredAt: delivered,
			columnReminderAttempts:    r.Attempts + 1,
			columnReminderLastError:   "",
		},
	)
	return err
}

func (s *ReminderStore) MarkSkipped(ctx context.Context, r *Reminder, outcome ReminderOutcome) error {
	_, err := s.db.Updates(
		ctx, r, map[string]any{
			columnReminderStatus:  ReminderStatusSkipped,
			columnReminderOutcome: outcome,
		},
	)
	return err
}

// MarkFailedAttempt records a failed delivery. Once maxAttempts is
// reached, the reminder is marked FAILED/UNDELIVERABLE and returns true.
func (s *ReminderStore) MarkFailedAttempt(
	ctx context.Context,
	r *Reminder,
	deliveryErr error,
	maxAttempts int,
) (failed bool, err error) {
	values := map[string]any{
		columnReminderAttempts: r.Attempts + 1,
	}
	if deliveryErr != nil {
		values[columnReminderLastError] = truncate(deliveryErr.Error(), 500)
	}
	if maxAttempts > 0 && r.Attempts+1 >= maxAttempts {
		failed = true
		values[columnReminderStatus] = ReminderStatusFailed
		values[columnReminderOutcome] = OutcomeUndeliverable
	}
	_, err = s.db.Updates(ctx, r, values)
	return failed, err
}

// SetReminderOutcome records how the follow-up for a reminder ended
func (s *ReminderStore) SetReminderOutcome(ctx context.Context, id string, outcome ReminderOutcome) error {
	if id == "" {
		return nil
	}
	_, err := s.db.UpdatesWhere(
		ctx,
		&Reminder{},
		map[string]any{columnReminderOutcome: outcome},
		"id = ?",
		id,
	)
	return err
}
