package prodibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"

	DefaultNudgeInterval       = 8 * time.Hour
	DefaultDespawnAfter        = 24 * time.Hour
	DefaultSnoozeMin           = 15 * time.Minute
	DefaultSnoozeMax           = 180 * time.Minute
	DefaultMaxMemoryMessages   = 8
	DefaultMaxDeliveryAttempts = 5

	minAdminPasswordLength = 8
)

var ErrInvalidAdminCredentials = errors.New("invalid admin credentials")

// RuntimeConfig is the bot's 'live' configuration. It's stored as a single
// row, can be changed through the API without a restart, and survives
// restarts (ex: staying paused).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused stops the reminder and follow-up sweeps. Commands and DM
	// replies are still handled.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection. Without it, the bot
	// can't see commands or DMs, but sweeps still deliver reminders.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	DiscordCustomStatus string `json:"discord_custom_status"`

	// If set, the configured startup message is sent to this channel
	// whenever the bot connects to the gateway
	DiscordNotificationChannelID string `json:"discord_notification_channel_id"`

	// NudgeInterval is how long to wait for a reply before nudging again
	NudgeInterval Duration `json:"nudge_interval"`

	// DespawnAfter is how long a follow-up may go unanswered before it's closed
	DespawnAfter Duration `json:"despawn_after"`

	// Snooze bounds for users who reply that they aren't done yet. The
	// actual snooze is picked at random within these bounds.
	SnoozeMin Duration `json:"snooze_min"`
	SnoozeMax Duration `json:"snooze_max"`

	// MaxMemoryMessages caps the conversation history kept per follow-up
	MaxMemoryMessages int `json:"max_memory_messages" gorm:"not null;default:8" binding:"min=1,max=50"`

	// MaxDeliveryAttempts is the number of sweeps that may fail to deliver
	// a reminder before it's marked FAILED
	MaxDeliveryAttempts int `json:"max_delivery_attempts" gorm:"not null;default:5" binding:"min=1,max=100"`

	AdminUsername string `json:"admin_username" log:"[redacted]"`

	// AdminPassword is an argon2id hash, see HashPassword
	AdminPassword string `json:"-" log:"[redacted]"`

	LogLevel          DBLogLevel `gorm:"default:INFO;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	OpenAILogLevel    DBLogLevel `gorm:"default:INFO;column:openai_log_level;check:openai_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"openai_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:INFO;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

// SetAdminCredentials hashes password and saves it with username on
// cfg's row
func SetAdminCredentials(
	ctx context.Context,
	db *gorm.DB,
	cfg *RuntimeConfig,
	username string,
	password string,
) error {
	username = strings.TrimSpace(username)
	switch {
	case username == "":
		return fmt.Errorf("%w: username cannot be empty", ErrInvalidAdminCredentials)
	case utf8.RuneCountInString(password) < minAdminPasswordLength:
		return fmt.Errorf(
			"%w: password must be at least %d characters",
			ErrInvalidAdminCredentials,
			minAdminPasswordLength,
		)
	}

	hashed, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	if err = db.WithContext(ctx).Model(cfg).Updates(
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
	).Error; err != nil {
		return fmt.Errorf("error updating admin credentials: %w", err)
	}
	cfg.AdminUsername = username
	cfg.AdminPassword = hashed
	return nil
}

func (RuntimeConfig) TableName() string {
	return "runtime_configs"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled: true,
		DiscordCustomStatus:   DefaultDiscordCustomStatus,
		NudgeInterval:         Duration{DefaultNudgeInterval},
		DespawnAfter:          Duration{DefaultDespawnAfter},
		SnoozeMin:             Duration{DefaultSnoozeMin},
		SnoozeMax:             Duration{DefaultSnoozeMax},
		MaxMemoryMessages:     DefaultMaxMemoryMessages,
		MaxDeliveryAttempts:   DefaultMaxDeliveryAttempts,
		LogLevel:              DBLogLevelInfo,
		OpenAILogLevel:        DBLogLevelInfo,
		DiscordLogLevel:       DBLogLevelInfo,
		DiscordGoLogLevel:     DBLogLevelWarn,
		DatabaseLogLevel:      DBLogLevelInfo,
		APILogLevel:           DBLogLevelInfo,
	}
}

// Timing returns the follow-up state machine timers
func (r RuntimeConfig) Timing() FollowUpTiming {
	return FollowUpTiming{
		NudgeInterval:     r.NudgeInterval.Duration,
		DespawnAfter:      r.DespawnAfter.Duration,
		SnoozeMin:         r.SnoozeMin.Duration,
		SnoozeMax:         r.SnoozeMax.Duration,
		MaxMemoryMessages: r.MaxMemoryMessages,
	}
}

// RuntimeConfigUpdate is a partial update to RuntimeConfig. Only non-nil
// fields are applied.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused *bool `json:"paused,omitempty"`

	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty" binding:"omitnil,omitempty,numeric"`

	NudgeInterval       *Duration `json:"nudge_interval,omitempty"`
	DespawnAfter        *Duration `json:"despawn_after,omitempty"`
	SnoozeMin           *Duration `json:"snooze_min,omitempty"`
	SnoozeMax           *Duration `json:"snooze_max,omitempty"`
	MaxMemoryMessages   *int      `json:"max_memory_messages,omitempty" binding:"omitnil,min=1,max=50"`
	MaxDeliveryAttempts *int      `json:"max_delivery_attempts,omitempty" binding:"omitnil,min=1,max=100"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	OpenAILogLevel    *DBLogLevel `json:"openai_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// apply copies the update's non-nil fields onto cfg
func (u RuntimeConfigUpdate) apply(cfg *RuntimeConfig) {
	setIf(u.Paused, &cfg.Paused)
	setIf(u.DiscordGatewayEnabled, &cfg.DiscordGatewayEnabled)
	setIf(u.DiscordCustomStatus, &cfg.DiscordCustomStatus)
	setIf(u.DiscordNotificationChannelID, &cfg.DiscordNotificationChannelID)
	setIf(u.NudgeInterval, &cfg.NudgeInterval)
	setIf(u.DespawnAfter, &cfg.DespawnAfter)
	setIf(u.SnoozeMin, &cfg.SnoozeMin)
	setIf(u.SnoozeMax, &cfg.SnoozeMax)
	setIf(u.MaxMemoryMessages, &cfg.MaxMemoryMessages)
	setIf(u.MaxDeliveryAttempts, &cfg.MaxDeliveryAttempts)
	setIf(u.LogLevel, &cfg.LogLevel)
	setIf(u.OpenAILogLevel, &cfg.OpenAILogLevel)
	setIf(u.DiscordLogLevel, &cfg.DiscordLogLevel)
	setIf(u.DiscordGoLogLevel, &cfg.DiscordGoLogLevel)
	setIf(u.DatabaseLogLevel, &cfg.DatabaseLogLevel)
	setIf(u.APILogLevel, &cfg.APILogLevel)
}

func setIf[T any](v *T, dst *T) {
	if v != nil {
		*dst = *v
	}
}

// validateRuntimeConfigTiming checks the state machine timers on a full
// RuntimeConfig, after an update has been applied
func validateRuntimeConfigTiming(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(RuntimeConfig)
	if !ok {
		return
	}
	if cfg.NudgeInterval.Duration < time.Minute {
		sl.ReportError(cfg.NudgeInterval, "NudgeInterval", "nudge_interval", "min_duration", "1m")
	}
	if cfg.DespawnAfter.Duration < cfg.NudgeInterval.Duration {
		sl.ReportError(cfg.DespawnAfter, "DespawnAfter", "despawn_after", "gtefield", "NudgeInterval")
	}
	if cfg.SnoozeMin.Duration < time.Minute {
		sl.ReportError(cfg.SnoozeMin, "SnoozeMin", "snooze_min", "min_duration", "1m")
	}
	if cfg.SnoozeMax.Duration < cfg.SnoozeMin.Duration {
		sl.ReportError(cfg.SnoozeMax, "SnoozeMax", "snooze_max", "gtefield", "SnoozeMin")
	}
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.UpdateStatusData {
	if config.Paused {
		return discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.UpdateStatusData{
		Status: string(discordgo.StatusOnline),
		Activities: []*discordgo.Activity{
			{
				Name:  "Custom Status",
				Type:  discordgo.ActivityTypeCustom,
				State: config.DiscordCustomStatus,
			},
		},
	}
}

// getDiscordIdentifyPresence is the presence sent with the gateway
// identify payload when a session is opened
func getDiscordIdentifyPresence(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{
		Status: string(discordgo.StatusOnline),
		Game: discordgo.Activity{
			Name:  "Custom Status",
			Type:  discordgo.ActivityTypeCustom,
			State: config.DiscordCustomStatus,
		},
	}
}
