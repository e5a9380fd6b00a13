package slots

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/taleclaw/pkg/engine"
	"github.com/tinyland-inc/taleclaw/pkg/session"
	"github.com/tinyland-inc/taleclaw/pkg/slots"
)

func TestNewSlotsCommand(t *testing.T) {
	cmd := NewSlotsCommand()

	require.NotNil(t, cmd)
	assert.Equal(t, "slots", cmd.Use)
	assert.True(t, cmd.HasSubCommands())

	list, _, err := cmd.Find([]string{"list"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ls"}, list.Aliases)

	show, _, err := cmd.Find([]string{"show"})
	require.NoError(t, err)
	assert.True(t, show.HasExample())
}

func newStore(t *testing.T) slots.Store {
	t.Helper()
	store, err := slots.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestListSlots(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	var out bytes.Buffer

	require.NoError(t, listSlots(ctx, store, &out))
	assert.Contains(t, out.String(), "No saved sessions.")

	s := session.New("s1", "seed", session.Participant{ID: "h", DisplayName: "Hana"})
	s.Turn = 7
	s.LastSavedAt = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, "night1", *s))

	out.Reset()
	require.NoError(t, listSlots(ctx, store, &out))
	assert.Contains(t, out.String(), "SLOT")
	assert.Contains(t, out.String(), "night1")
	assert.Contains(t, out.String(), "s1")
	assert.Contains(t, out.String(), "7")
}

func TestShowSlot(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	s := session.New("s1", "seed", session.Participant{ID: "h", DisplayName: "Hana"})
	s.Narrative = "The inn is warm." + engine.DefaultSeparator + "A stranger knocks."
	require.NoError(t, store.Save(ctx, "night1", *s))

	var out bytes.Buffer
	require.NoError(t, showSlot(ctx, store, "night1", &out))
	assert.Contains(t, out.String(), "1. Hana (host)")
	assert.Contains(t, out.String(), "A stranger knocks.")
	assert.NotContains(t, out.String(), "The inn is warm.")

	err := showSlot(ctx, store, "missing", &out)
	assert.True(t, errors.Is(err, slots.ErrNotFound))
}
