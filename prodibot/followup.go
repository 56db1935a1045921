package prodibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"gorm.io/gorm"
)

type FollowUpStatus string

const (
	// FollowUpWaitingForReply means a reminder or nudge was sent, and
	// the bot is waiting for the user to say whether they're done
	FollowUpWaitingForReply FollowUpStatus = "WAITING_FOR_REPLY"

	// FollowUpWaitingToRemind means the user said they weren't done, and
	// is snoozed until NextActionAt
	FollowUpWaitingToRemind FollowUpStatus = "WAITING_TO_REMIND"
)

const (
	columnFollowUpStatus       = "status"
	columnFollowUpNextActionAt = "next_action_at"
)

// ChatMessage is a single remembered message in a follow-up conversation
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FollowUp is the active accountability conversation for a user. There
// is at most one per user. When a follow-up ends (done, despawned,
// cleared) the row is deleted, and the originating Reminder's Outcome
// records why.
type FollowUp struct {
	UserID     string `gorm:"primaryKey" json:"user_id"`
	Task       string `gorm:"not null" json:"task"`
	ReminderID string `gorm:"index" json:"reminder_id,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`

	Status FollowUpStatus `gorm:"not null;index:idx_follow_up_status_next_action,priority:1" json:"status"`

	// NextActionAt is when the next nudge is due, in unix milliseconds
	NextActionAt int64 `gorm:"not null;index:idx_follow_up_status_next_action,priority:2" json:"next_action_at"`

	// DespawnAt is when an unanswered follow-up is closed, in unix milliseconds
	DespawnAt int64 `gorm:"not null" json:"despawn_at"`

	Messages []ChatMessage `gorm:"serializer:json" json:"messages"`

	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (f FollowUp) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", f.UserID),
		slog.String("status", string(f.Status)),
		slog.Time("next_action_at", f.NextActionTime()),
		slog.Time("despawn_at", f.DespawnTime()),
		slog.Int("messages", len(f.Messages)),
	)
}

func (f FollowUp) NextActionTime() time.Time {
	return time.UnixMilli(f.NextActionAt).UTC()
}

func (f FollowUp) DespawnTime() time.Time {
	return time.UnixMilli(f.DespawnAt).UTC()
}

// remember appends a message, dropping the oldest messages to keep at
// most maxMessages
func (f *FollowUp) remember(role, content string, maxMessages int) {
	f.Messages = append(f.Messages, ChatMessage{Role: role, Content: content})
	if maxMessages > 0 && len(f.Messages) > maxMessages {
		f.Messages = append([]ChatMessage{}, f.Messages[len(f.Messages)-maxMessages:]...)
	}
}

// FollowUpStore persists follow-ups
type FollowUpStore struct {
	db     DBI
	logger *slog.Logger
}

func NewFollowUpStore(db DBI, logger *slog.Logger) *FollowUpStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FollowUpStore{db: db, logger: logger.With(loggerNameKey, "follow_ups")}
}

// GetFollowUp returns the user's follow-up, or nil if they don't have one
func (s *FollowUpStore) GetFollowUp(ctx context.Context, userID string) (*FollowUp, error) {
	var f FollowUp
	err := s.db.DB().WithContext(ctx).Where("user_id = ?", userID).Take(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFollowUp opens a follow-up after a reminder has been delivered,
// with the delivered message as the first remembered message
func (s *FollowUpStore) CreateFollowUp(
	ctx context.Context,
	f *FollowUp,
	initialMessage string,
	now time.Time,
	timing FollowUpTiming,
) error {
	f.Status = FollowUpWaitingForReply
	f.NextActionAt = now.Add(timing.NudgeInterval).UTC().UnixMilli()
	f.DespawnAt = now.Add(timing.DespawnAfter).UTC().UnixMilli()
	f.Messages = []ChatMessage{{Role: openai.ChatMessageRoleAssistant, Content: initialMessage}}

	if _, err := s.db.Create(ctx, f); err != nil {
		return fmt.Errorf("error creating follow-up: %w", err)
	}
	s.logger.InfoContext(ctx, "created follow-up", "follow_up", f)
	return nil
}

// AppendMemory remembers a message and saves the follow-up
func (s *FollowUpStore) AppendMemory(
	ctx context.Context,
	f *FollowUp,
	role string,
	content string,
	maxMessages int,
) error {
	f.remember(role, content, maxMessages)
	return s.SaveFollowUp(ctx, f)
}

func (s *FollowUpStore) SaveFollowUp(ctx context.Context, f *FollowUp) error {
	if _, err := s.db.Save(ctx, f); err != nil {
		return fmt.Errorf("error saving follow-up: %w", err)
	}
	return nil
}

func (s *FollowUpStore) DeleteFollowUp(ctx context.Context, f *FollowUp) error {
	if _, err := s.db.Delete(ctx, &FollowUp{}, "user_id = ?", f.UserID); err != nil {
		return fmt.Errorf("error deleting follow-up: %w", err)
	}
	s.logger.InfoContext(ctx, "deleted follow-up", "follow_up", f)
	return nil
}

// DueFollowUps returns up to limit follow-ups in the given status with
// NextActionAt at or before now
func (s *FollowUpStore) DueFollowUps(
	ctx context.Context,
	status FollowUpStatus,
	now time.Time,
	limit int,
) ([]FollowUp, error) {
	var followUps []FollowUp
	err := s.db.DB().WithContext(ctx).
		Where(columnFollowUpStatus+" = ?", status).
		Where(columnFollowUpNextActionAt+" <= ?", now.UTC().UnixMilli()).
		Order(columnFollowUpNextActionAt + " asc").
		Limit(limit).
		Find(&followUps).Error
	return followUps, err
}

func (s *FollowUpStore) ListFollowUps(ctx context.Context, page Pagination) ([]FollowUp, error) {
	var followUps []FollowUp
	q := s.db.DB().WithContext(ctx).Model(&FollowUp{})
	err := page.apply(q, columnFollowUpNextActionAt).Find(&followUps).Error
	return followUps, err
}

func (s *FollowUpStore) CountFollowUps(ctx context.Context, status FollowUpStatus) (int64, error) {
	var n int64
	err := s.db.DB().WithContext(ctx).
		Model(&FollowUp{}).
		Where(columnFollowUpStatus+" = ?", status).
		Count(&n).Error
	return n, err
}

// FollowUpTiming holds the state machine's timers, from RuntimeConfig
type FollowUpTiming struct {
	NudgeInterval     time.Duration
	DespawnAfter      time.Duration
	SnoozeMin         time.Duration
	SnoozeMax         time.Duration
	MaxMemoryMessages int
}

// userLocks serializes follow-up changes per user, so a DM reply and
// a sweep never act on the same follow-up at the same time
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: map[string]*userLock{}}
}

// Lock locks userID, returning the func to unlock it
func (u *userLocks) Lock(userID string) func() {
	u.mu.Lock()
	l, ok := u.locks[userID]
	if !ok {
		l = &userLock{}
		u.locks[userID] = l
	}
	l.refs++
	u.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		u.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(u.locks, userID)
		}
		u.mu.Unlock()
	}
}
