package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/osmanclan1/ProdiBot/prodibot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = prodibot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "prodibot [flags]",
	Short: "Discord reminder and accountability bot",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT/SIGTERM
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", prodibot.DefaultDatabase)
	viper.SetDefault("database_type", prodibot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", prodibot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", prodibot.DefaultDatabaseLogLevel.String())

	viper.SetDefault("runtime_config_ttl", prodibot.DefaultRuntimeConfigTTL)
	viper.SetDefault("log_level", prodibot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", prodibot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", prodibot.DefaultShutdownTimeout)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.log_level", prodibot.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.model", prodibot.DefaultOpenAIModel)
	viper.SetDefault("openai.classify_max_tokens", prodibot.DefaultOpenAIClassifyMaxTokens)
	viper.SetDefault("openai.chat_max_tokens", prodibot.DefaultOpenAIChatMaxTokens)
	viper.SetDefault("openai.chat_temperature", prodibot.DefaultOpenAIChatTemperature)
	viper.SetDefault(
		"openai.max_requests_per_second",
		prodibot.DefaultOpenAIMaxRequestsPerSecond,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.command_prefix", prodibot.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.admin_user_ids", []string{})
	viper.SetDefault("discord.log_level", prodibot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		prodibot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(prodibot.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.startup_message", prodibot.DefaultDiscordStartupMessage)

	// Scheduler config
	viper.SetDefault("scheduler.reminder_sweep", prodibot.DefaultSchedulerReminderSweep)
	viper.SetDefault("scheduler.follow_up_sweep", prodibot.DefaultSchedulerFollowUpSweep)
	viper.SetDefault("scheduler.timezone", prodibot.DefaultSchedulerTimezone)
	viper.SetDefault("scheduler.batch_size", prodibot.DefaultSchedulerBatchSize)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", prodibot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.session_max_age", prodibot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", prodibot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", prodibot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", prodibot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", prodibot.DefaultIdleTimeout)
	viper.SetDefault("api.log_level", prodibot.DefaultAPILogLevel.String())

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", prodibot.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", prodibot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", prodibot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", prodibot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", prodibot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		prodibot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(prodibot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = prodibot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from",
	)
}
