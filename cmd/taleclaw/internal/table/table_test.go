package table

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/taleclaw/pkg/effects"
	"github.com/tinyland-inc/taleclaw/pkg/engine"
	"github.com/tinyland-inc/taleclaw/pkg/node"
	"github.com/tinyland-inc/taleclaw/pkg/session"
)

func TestParseInput(t *testing.T) {
	tests := []struct {
		line string
		want Input
	}{
		{"open the door", Input{Action: ActCommand, Text: "open the door"}},
		{"  /say hello there ", Input{Action: ActSay, Text: "hello there"}},
		{"/spawn Bram", Input{Action: ActSpawn, Name: "Bram"}},
		{"/spawn Bram a grumpy dwarf", Input{Action: ActSpawn, Name: "Bram", Persona: "a grumpy dwarf"}},
		{"/save", Input{Action: ActSave, Slot: DefaultSaveSlot}},
		{"/save night1", Input{Action: ActSave, Slot: "night1"}},
		{"/load night1", Input{Action: ActLoad, Slot: "night1"}},
		{"/who", Input{Action: ActWho}},
		{"/INV", Input{Action: ActInventory}},
		{"/help", Input{Action: ActHelp}},
		{"/exit", Input{Action: ActQuit}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseInput(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInput_Errors(t *testing.T) {
	for _, line := range []string{"", "   ", "/say", "/spawn", "/load", "/dance"} {
		_, err := ParseInput(line)
		assert.Error(t, err, "line %q", line)
	}
}

type fakeTable struct {
	commands []string
	chats    []string
	saved    []string
	loadErr  error
	sess     *session.Session
}

func (f *fakeTable) IssueCommand(_ context.Context, text string) (string, error) {
	f.commands = append(f.commands, text)
	return "cmd-1", nil
}

func (f *fakeTable) SendChat(_ context.Context, text string) error {
	f.chats = append(f.chats, text)
	return nil
}

func (f *fakeTable) SpawnAutomated(_ context.Context, name, _ string) (string, error) {
	return "ai-" + strings.ToLower(name), nil
}

func (f *fakeTable) Save(_ context.Context, slot string) error {
	f.saved = append(f.saved, slot)
	return nil
}

func (f *fakeTable) Load(context.Context, string) error { return f.loadErr }

func (f *fakeTable) Session() (session.Session, bool) {
	if f.sess == nil {
		return session.Session{}, false
	}
	return *f.sess.Clone(), true
}

func (f *fakeTable) Identity() string { return "h" }

func TestHandle_DispatchesToTable(t *testing.T) {
	ft := &fakeTable{}
	var out bytes.Buffer
	ctx := context.Background()

	assert.False(t, Handle(ctx, ft, "look around", &out))
	assert.False(t, Handle(ctx, ft, "/say hi all", &out))
	assert.False(t, Handle(ctx, ft, "/save", &out))
	assert.False(t, Handle(ctx, ft, "/spawn Bram", &out))
	assert.False(t, Handle(ctx, ft, "", &out))
	assert.True(t, Handle(ctx, ft, "/quit", &out))

	assert.Equal(t, []string{"look around"}, ft.commands)
	assert.Equal(t, []string{"hi all"}, ft.chats)
	assert.Equal(t, []string{DefaultSaveSlot}, ft.saved)
	assert.Contains(t, out.String(), "Bram takes a seat (ai-bram)")
}

func TestHandle_ReportsErrors(t *testing.T) {
	ft := &fakeTable{loadErr: errors.New("slot missing")}
	var out bytes.Buffer

	Handle(context.Background(), ft, "/load old", &out)
	Handle(context.Background(), ft, "/bogus", &out)
	Handle(context.Background(), ft, "/who", &out)

	assert.Contains(t, out.String(), "load failed: slot missing")
	assert.Contains(t, out.String(), "unknown command /bogus")
	assert.Contains(t, out.String(), "Waiting for the host")
}

func TestHandle_WhoAndInventory(t *testing.T) {
	s := session.New("s1", "seed", session.Participant{ID: "h", DisplayName: "Hana", Inventory: []string{"torch"}})
	s.Participants["ai-1"] = &session.Participant{ID: "ai-1", DisplayName: "Bram", IsAutomated: true, Seat: 2}
	ft := &fakeTable{sess: s}

	var out bytes.Buffer
	Handle(context.Background(), ft, "/who", &out)
	Handle(context.Background(), ft, "/inv", &out)

	text := out.String()
	assert.Contains(t, text, "1. Hana (host)")
	assert.Contains(t, text, "2. Bram (auto)")
	assert.Contains(t, text, "You carry: torch")
}

func TestSimple_ReadsUntilQuit(t *testing.T) {
	ft := &fakeTable{}
	var out bytes.Buffer

	Simple(context.Background(), ft, strings.NewReader("go north\n/quit\nignored\n"), &out, "> ")

	assert.Equal(t, []string{"go north"}, ft.commands)
	assert.Contains(t, out.String(), "Goodbye!")
}

func TestSimple_StopsAtEOF(t *testing.T) {
	ft := &fakeTable{}
	var out bytes.Buffer

	Simple(context.Background(), ft, strings.NewReader("climb"), &out, "> ")

	assert.Equal(t, []string{"climb"}, ft.commands)
}

func TestRenderer_NarrationWithChoicesAndEffects(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out)

	r.Render(node.Event{
		Kind: node.EventNarration,
		Text: "You find a lamp. [GAIN lamp]\nNEXT CHOICES: light it, leave it",
		Result: &engine.TurnResult{Effects: []effects.Applied{
			{Effect: effects.Effect{Kind: effects.Grant, Item: "lamp"}, Changed: 1},
			{Effect: effects.Effect{Kind: effects.Remove, Item: "rope"}, Changed: 0},
		}},
	})

	text := out.String()
	assert.Contains(t, text, "You find a lamp.")
	assert.Contains(t, text, "Next: light it, leave it")
	assert.Contains(t, text, "+ lamp")
	assert.NotContains(t, text, "rope")
}

func TestRenderer_SnapshotShowsOnlyAppendedText(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out)
	s := session.Session{ID: "s1", Narrative: "It begins."}

	r.Render(node.Event{Kind: node.EventSnapshot, Session: &s, First: true})
	assert.Contains(t, out.String(), "Joined session s1")
	assert.Contains(t, out.String(), "It begins.")

	out.Reset()
	s.Narrative += engine.DefaultSeparator + "The door creaks."
	r.Render(node.Event{Kind: node.EventSnapshot, Session: &s})
	assert.Contains(t, out.String(), "The door creaks.")
	assert.NotContains(t, out.String(), "It begins.")

	out.Reset()
	r.Render(node.Event{Kind: node.EventSnapshot, Session: &s})
	assert.Empty(t, out.String())
}

func TestRenderer_ChatAndErrors(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out)

	r.Render(node.Event{Kind: node.EventChat, From: "Pia", Text: "hello"})
	r.Render(node.Event{Kind: node.EventChat, From: "Me", Text: "mine", Local: true})
	r.Render(node.Event{Kind: node.EventError, Err: errors.New("host unreachable")})
	r.Render(node.Event{Kind: node.EventJoined, From: "Bram"})

	text := out.String()
	assert.Contains(t, text, "[Pia] hello")
	assert.NotContains(t, text, "mine")
	assert.Contains(t, text, "! host unreachable")
	assert.Contains(t, text, "Bram joined the table")
}
