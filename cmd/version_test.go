package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/osmanclan1/ProdiBot/prodibot"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := prodibot.Version
	originalCommitSHA := prodibot.CommitSHA
	originalBuildTime := prodibot.BuildTime

	t.Cleanup(
		func() {
			prodibot.Version = originalVersion
			prodibot.CommitSHA = originalCommitSHA
			prodibot.BuildTime = originalBuildTime
		},
	)

	prodibot.Version = "1.0.0"
	prodibot.CommitSHA = "abc123"
	prodibot.BuildTime = "2024-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)
	_ = w.Close()

	out, _ := io.ReadAll(r)
	expected := fmt.Sprintf(
		"prodibot version=%s commit=%s built: %s",
		prodibot.Version,
		prodibot.CommitSHA,
		prodibot.BuildTime,
	)
	assert.Equal(t, expected, string(out))
}
