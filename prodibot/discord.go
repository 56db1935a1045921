package prodibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ErrDMForbidden is returned when a user can't be sent a direct message,
// usually because they've disabled DMs from server members
var ErrDMForbidden = errors.New("user does not accept direct messages")

// Discord manages the discord session, and sends messages on behalf of
// the bot.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	metricConnects        atomic.Int64
	metricDisconnects     atomic.Int64
	metricMessagesHandled atomic.Int64
	connected             atomic.Bool

	// the bot's own user ID, set when the gateway is ready
	botUserID atomic.Value

	discordgoRemoveHandlerFuncs []func()
	mu                          sync.Mutex

	p *Prodibot
}

func newDiscord(config *DiscordConfig) *Discord {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	d.botUserID.Store(config.ApplicationID)
	return d
}

// newSession initializes a new discord session with the configured
// token and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's discord user ID
func (d *Discord) BotUserID() string {
	v, _ := d.botUserID.Load().(string)
	return v
}

// isForbidden reports whether err is a discord API error indicating the
// bot isn't allowed to message the user
func isForbidden(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeCannotSendMessagesToThisUser {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden
}

// sendDM sends content to the user's DM channel, split into as many
// messages as needed. It returns ErrDMForbidden (wrapping the discord
// error) when the user can't be messaged.
func (d *Discord) sendDM(ctx context.Context, userID string, content string) error {
	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		if isForbidden(err) {
			return fmt.Errorf("%w: %w", ErrDMForbidden, err)
		}
		return fmt.Errorf("error opening DM channel: %w", err)
	}
	if err = d.channelMessageSend(ctx, channel.ID, content); err != nil {
		if isForbidden(err) {
			return fmt.Errorf("%w: %w", ErrDMForbidden, err)
		}
		return err
	}
	return nil
}

// channelMessageSend sends the given message to the given discord channel ID,
// splitting it when it's longer than discord allows
func (d *Discord) channelMessageSend(
	ctx context.Context,
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	opts = append(opts, discordgo.WithContext(ctx))
	for _, chunk := range splitMessage(message, discordMaxMessageLength) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk, opts...); err != nil {
			return err
		}
	}
	return nil
}

// typing shows the typing indicator in the channel. Errors are only logged.
func (d *Discord) typing(ctx context.Context, channelID string) {
	if err := d.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		d.logger.WarnContext(ctx, "error sending typing indicator", tint.Err(err))
	}
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
			d.logger.Info(
				"Ready",
				"session_id", r.SessionID,
				"user_id", r.User.ID,
				"username", r.User.Username,
			)
			return
		}
		d.logger.Info("Ready", "session_id", r.SessionID)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())

		if d.p == nil || d.config.StartupMessage == "" {
			return
		}
		config := d.p.RuntimeConfig()
		if config.DiscordNotificationChannelID == "" {
			return
		}
		d.logger.Info("sending notification")
		if sendErr := d.channelMessageSend(
			context.Background(),
			config.DiscordNotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); sendErr != nil {
			d.logger.Error("unable to send startup message", tint.Err(sendErr))
		} else {
			d.logger.Info("sent notification")
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// addHandlers registers the gateway event handlers, replacing any
// previously registered
func (d *Discord) addHandlers(onMessage func(m *discordgo.MessageCreate)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				onMessage(m)
			},
		),
	}
}

func (d *Discord) removeHandlers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = nil
}

// DiscordSessionHandler holds the methods from `discordgo.Session`
// used here, so they can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate creates (or returns the existing) DM channel
	// with the given user
	UserChannelCreate(recipientID string, opts ...discordgo.RequestOption) (*discordgo.Channel, error)

	ChannelTyping(channelID string, opts ...discordgo.RequestOption) error

	User(userID string, opts ...discordgo.RequestOption) (*discordgo.User, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler, returning a func
	// which removes it
	AddHandler(handler any) func()

	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	GatewayBot(opts ...discordgo.RequestOption) (*discordgo.GatewayBotResponse, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	*discordgo.GatewayBotResponse,
	error,
) {
	d.logger.Info("retrieving gateway bot")
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	} else {
		d.logger.Info("retrieved gateway bot", "gateway_bot", structToSlogValue(gb))
	}
	return gb, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			"channel_id", channelID,
			tint.Err(err),
		)
	} else {
		d.logger.Debug("sent message", "channel_id", channelID, "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.UserChannelCreate(recipientID, opts...)
	if err != nil {
		d.logger.Error("error creating DM channel", "user_id", recipientID, tint.Err(err))
	}
	return ch, err
}

func (d DiscordSession) ChannelTyping(channelID string, opts ...discordgo.RequestOption) error {
	return d.session.ChannelTyping(channelID, opts...)
}

func (d DiscordSession) User(userID string, opts ...discordgo.RequestOption) (*discordgo.User, error) {
	return d.session.User(userID, opts...)
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

// messageAuthor returns the author of the message, checking the member
// when Author isn't set
func messageAuthor(m *discordgo.Message) *discordgo.User {
	if m == nil {
		return nil
	}
	if m.Author != nil {
		return m.Author
	}
	if m.Member != nil {
		return m.Member.User
	}
	return nil
}
