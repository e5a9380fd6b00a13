package join

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJoinCommand(t *testing.T) {
	cmd := NewJoinCommand()

	require.NotNil(t, cmd)

	assert.Equal(t, "join", cmd.Use)
	assert.Equal(t, []string{"j"}, cmd.Aliases)
	assert.True(t, cmd.HasExample())
	assert.NotNil(t, cmd.RunE)

	for _, name := range []string{"debug", "session", "group", "id", "name"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag %s", name)
	}

	session := cmd.Flags().Lookup("session")
	assert.Equal(t, []string{"true"}, session.Annotations[cobra.BashCompOneRequiredFlag])
}

func TestJoinCommand_RequiresSession(t *testing.T) {
	cmd := NewJoinCommand()
	cmd.SetArgs([]string{})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session")
}
