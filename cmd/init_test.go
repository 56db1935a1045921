package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/osmanclan1/ProdiBot/prodibot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	t.Setenv("PB_DATABASE_TYPE", "sqlite")
	t.Setenv("PB_DATABASE", dbPath)

	// the first attempt mismatches and the second is too short, so the
	// prompt repeats twice
	passwords := []string{"hunter2", "hunter3", "short", "short", "testpassword", "testpassword"}
	passwordIndex := 0
	customPasswordReader = func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}
	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
			rootCmd.SetIn(os.Stdin)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader("testadmin\n"))

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Setting admin credentials for the API.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Passwords do not match")
	assert.Contains(t, output, "password must be at least 8 characters")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var config prodibot.RuntimeConfig
	require.NoError(t, db.Last(&config).Error)
	assert.Equal(t, "testadmin", config.AdminUsername)
	assert.NotEqual(t, "testpassword", config.AdminPassword)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&prodibot.RuntimeConfig{}))
	assert.True(t, mg.HasTable(&prodibot.Reminder{}))
	assert.True(t, mg.HasTable(&prodibot.FollowUp{}))
	assert.True(t, mg.HasTable(&prodibot.OpenAICompletion{}))

	valid, err := prodibot.VerifyPassword(config.AdminPassword, "testpassword")
	assert.NoError(t, err)
	assert.True(t, valid)

	// credentials already set, nothing is prompted
	out.Reset()
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Admin credentials are already set")
	assert.NotContains(t, out.String(), "Enter admin username:")

	// --reset prompts again
	passwords = []string{"anotherpassword", "anotherpassword"}
	passwordIndex = 0
	out.Reset()
	rootCmd.SetIn(strings.NewReader("newadmin\n"))
	rootCmd.SetArgs([]string{"init", "--reset"})
	require.NoError(t, rootCmd.Execute())
	t.Cleanup(func() { resetCredentials = false })
	assert.Contains(t, out.String(), "Admin credentials set successfully")

	require.NoError(t, db.Last(&config).Error)
	assert.Equal(t, "newadmin", config.AdminUsername)
	valid, err = prodibot.VerifyPassword(config.AdminPassword, "anotherpassword")
	assert.NoError(t, err)
	assert.True(t, valid)
}
