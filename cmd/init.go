package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/osmanclan1/ProdiBot/prodibot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// passwordReader reads a password without echoing it. Swapped out in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

const maxPasswordPrompts = 5

var resetCredentials bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Long: "Creates the database tables and the runtime config, then prompts " +
		"for the admin API credentials if they haven't been set (or --reset is given).",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case cfg.DatabaseType == "":
			return errors.New("PB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		case cfg.Database == "":
			return errors.New("PB_DATABASE not set (must be a connection string or sqlite file path)")
		}

		ctx := cmd.Context()
		db, err := prodibot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		}()

		runtimeConfig, err := loadOrCreateRuntimeConfig(ctx, db)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		hasCredentials := runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != ""
		if hasCredentials && !resetCredentials {
			fmt.Fprintln(out, "Admin credentials are already set (use --reset to change them).")
			fmt.Fprintln(out, "Initialization complete. Start the bot with the 'run' subcommand.")
			return nil
		}

		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}
		if err = promptAdminCredentials(
			ctx, db, runtimeConfig, cmd.InOrStdin(), out, readPassword,
		); err != nil {
			return err
		}
		fmt.Fprintln(out, "Admin credentials set successfully.")
		fmt.Fprintln(out, "Initialization complete. Start the bot with the 'run' subcommand.")
		return nil
	},
}

func loadOrCreateRuntimeConfig(ctx context.Context, db *gorm.DB) (*prodibot.RuntimeConfig, error) {
	var runtimeConfig prodibot.RuntimeConfig
	err := db.WithContext(ctx).Last(&runtimeConfig).Error
	switch {
	case err == nil:
		return &runtimeConfig, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("error retrieving runtime config: %w", err)
	}

	runtimeConfig = prodibot.DefaultRuntimeConfig()
	if err = db.WithContext(ctx).Create(&runtimeConfig).Error; err != nil {
		return nil, fmt.Errorf("error creating runtime config: %w", err)
	}
	return &runtimeConfig, nil
}

// promptAdminCredentials asks for a username, then for a password (twice)
// until a valid, matching pair is given
func promptAdminCredentials(
	ctx context.Context,
	db *gorm.DB,
	runtimeConfig *prodibot.RuntimeConfig,
	in io.Reader,
	out io.Writer,
	readPassword passwordReader,
) error {
	fmt.Fprintln(out, "Setting admin credentials for the API.")

	fmt.Fprint(out, "Enter admin username: ")
	username, _ := bufio.NewReader(in).ReadString('\n')
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("username cannot be empty")
	}

	for range maxPasswordPrompts {
		fmt.Fprint(out, "Enter admin password: ")
		password, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirmed, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}

		if string(password) != string(confirmed) {
			fmt.Fprintln(out, "Passwords do not match, try again.")
			continue
		}

		err = prodibot.SetAdminCredentials(ctx, db, runtimeConfig, username, string(password))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, prodibot.ErrInvalidAdminCredentials):
			fmt.Fprintf(out, "%s, try again.\n", err)
		default:
			return err
		}
	}
	return errors.New("too many attempts")
}

func init() {
	initCmd.Flags().BoolVar(
		&resetCredentials,
		"reset",
		false,
		"Prompt for new admin credentials even if they're already set",
	)
	rootCmd.AddCommand(initCmd)
}
