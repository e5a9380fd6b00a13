package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinyland-inc/taleclaw/pkg/narration"
	"github.com/tinyland-inc/taleclaw/pkg/protocol"
	"github.com/tinyland-inc/taleclaw/pkg/session"
)

type recordingBroadcaster struct {
	mu        sync.Mutex
	snapshots []session.Session
	err       error
}

func (b *recordingBroadcaster) SyncState(_ context.Context, s session.Session) (protocol.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, s)
	return protocol.NewEnvelope(protocol.KindStateSync, s.ID, "p1", "P1", "{}"), b.err
}

func isActionPrompt(p narration.Prompt) bool {
	return strings.HasPrefix(p.Task, "Decide the single action")
}

func newPartyStore(t *testing.T, automated ...string) *session.Store {
	t.Helper()
	st := session.NewStore(session.New("s1", "a drowned cathedral", session.Participant{ID: "p1", DisplayName: "P1"}))
	for _, name := range automated {
		err := st.UpsertParticipant(session.Participant{
			ID:          strings.ToLower(name),
			DisplayName: name,
			IsAutomated: true,
		})
		if err != nil {
			t.Fatalf("UpsertParticipant(%s): %v", name, err)
		}
	}
	return st
}

func TestResolve_FullTurn(t *testing.T) {
	st := newPartyStore(t, "AI-1")
	b := &recordingBroadcaster{}

	var resolutionActions []string
	client := narration.ClientFunc(func(_ context.Context, p narration.Prompt) (string, error) {
		if isActionPrompt(p) {
			return "\n  lifts the lantern toward the altar\nand says something else", nil
		}
		resolutionActions = p.PartyActions
		return "Beneath the altar cloth lies a torch.\n[GAIN torch]\nNEXT CHOICES: light it, go deeper", nil
	})

	var states []State
	e := New(st, client, b, Config{LocalID: "p1"})
	e.OnTransition(func(_, to State) { states = append(states, to) })

	res, err := e.Resolve(t.Context(), Command{ID: "c1", IssuerID: "p1", IssuerName: "P1", Text: "search the altar"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	wantActions := []string{"P1 -> search the altar", "AI-1 -> lifts the lantern toward the altar"}
	if !reflect.DeepEqual(res.PartyActions, wantActions) {
		t.Errorf("PartyActions = %q, want %q", res.PartyActions, wantActions)
	}
	if !reflect.DeepEqual(resolutionActions, wantActions) {
		t.Errorf("resolution prompt actions = %q, want %q", resolutionActions, wantActions)
	}

	cur := st.Current()
	for _, p := range cur.Participants {
		if !p.HasItem("torch") {
			t.Errorf("%s inventory = %v, want torch", p.ID, p.Inventory)
		}
	}
	if !strings.Contains(cur.Narrative, "Beneath the altar cloth") {
		t.Errorf("narrative not appended: %q", cur.Narrative)
	}
	if cur.Turn != 1 || cur.LastCommandID != "c1" {
		t.Errorf("Turn = %d, LastCommandID = %q", cur.Turn, cur.LastCommandID)
	}

	if len(b.snapshots) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(b.snapshots))
	}
	if !b.snapshots[0].Participants["ai-1"].HasItem("torch") {
		t.Error("broadcast snapshot does not carry the new inventory")
	}

	wantStates := []State{CollectingAutomatedActions, ResolvingNarration, ApplyingEffects, Broadcasting, Idle}
	if !reflect.DeepEqual(states, wantStates) {
		t.Errorf("transitions = %v, want %v", states, wantStates)
	}
	if e.State() != Idle {
		t.Errorf("State() = %v, want idle", e.State())
	}
}

func TestResolve_SeparatorBetweenBlocks(t *testing.T) {
	st := newPartyStore(t)
	st.AppendNarrative("Rain falls.")
	client := narration.ClientFunc(func(context.Context, narration.Prompt) (string, error) {
		return "The door creaks.", nil
	})

	e := New(st, client, nil, Config{})
	if _, err := e.Resolve(t.Context(), Command{ID: "c1", IssuerName: "P1", Text: "open door"}); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got := st.Current().Narrative; got != "Rain falls."+DefaultSeparator+"The door creaks." {
		t.Errorf("Narrative = %q", got)
	}
}

func TestResolve_ToleratesEveryFailure(t *testing.T) {
	st := newPartyStore(t, "AI-1", "AI-2")
	b := &recordingBroadcaster{}
	client := narration.ClientFunc(func(context.Context, narration.Prompt) (string, error) {
		return "", errors.New("service unavailable")
	})

	e := New(st, client, b, Config{})
	res, err := e.Resolve(t.Context(), Command{ID: "c1", IssuerName: "P1", Text: "wait"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if !reflect.DeepEqual(res.PartyActions, []string{"P1 -> wait"}) {
		t.Errorf("PartyActions = %q, want only the issuer", res.PartyActions)
	}
	if !res.NarrationFailed {
		t.Error("NarrationFailed = false")
	}
	if len(res.Failures) != 3 {
		t.Errorf("Failures = %q, want 3", res.Failures)
	}
	if !strings.HasPrefix(res.Narration, "[The narrator is silent:") {
		t.Errorf("Narration = %q, want placeholder", res.Narration)
	}
	if !strings.Contains(st.Current().Narrative, res.Narration) {
		t.Error("placeholder not appended to narrative")
	}
	if len(b.snapshots) != 1 {
		t.Errorf("broadcasts = %d, want 1", len(b.snapshots))
	}
	if e.State() != Idle {
		t.Errorf("State() = %v, want idle", e.State())
	}
}

func TestResolve_OmitsOnlyTheFailingParticipant(t *testing.T) {
	st := newPartyStore(t, "AI-1", "AI-2")
	client := narration.ClientFunc(func(_ context.Context, p narration.Prompt) (string, error) {
		if !isActionPrompt(p) {
			return "It works out.", nil
		}
		if strings.Contains(p.Task, "AI-1") {
			return "", errors.New("boom")
		}
		return "draws a sword", nil
	})

	res, err := New(st, client, nil, Config{}).Resolve(t.Context(), Command{ID: "c1", IssuerName: "P1", Text: "charge"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	want := []string{"P1 -> charge", "AI-2 -> draws a sword"}
	if !reflect.DeepEqual(res.PartyActions, want) {
		t.Errorf("PartyActions = %q, want %q", res.PartyActions, want)
	}
}

func TestResolve_CallTimeoutIsAFailure(t *testing.T) {
	st := newPartyStore(t, "AI-1")
	client := narration.ClientFunc(func(ctx context.Context, p narration.Prompt) (string, error) {
		if isActionPrompt(p) {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "Time passes.", nil
	})

	res, err := New(st, client, nil, Config{CallTimeout: 20 * time.Millisecond}).
		Resolve(t.Context(), Command{ID: "c1", IssuerName: "P1", Text: "wait"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(res.PartyActions) != 1 || len(res.Failures) != 1 {
		t.Errorf("PartyActions = %q, Failures = %q", res.PartyActions, res.Failures)
	}
	if res.NarrationFailed {
		t.Error("narration should have succeeded")
	}
}

func TestResolve_RejectsWhileInFlight(t *testing.T) {
	st := newPartyStore(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	client := narration.ClientFunc(func(context.Context, narration.Prompt) (string, error) {
		close(entered)
		<-release
		return "Done.", nil
	})

	e := New(st, client, nil, Config{})
	done := make(chan error, 1)
	go func() {
		_, err := e.Resolve(context.Background(), Command{ID: "c1", IssuerName: "P1", Text: "first"})
		done <- err
	}()

	<-entered
	if _, err := e.Resolve(t.Context(), Command{ID: "c2", IssuerName: "P1", Text: "second"}); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("second Resolve() error = %v, want ErrTurnInFlight", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Resolve() error: %v", err)
	}
	if got := st.Current().Turn; got != 1 {
		t.Errorf("Turn = %d, want 1", got)
	}
}

func TestResolve_NotHost(t *testing.T) {
	st := newPartyStore(t)
	e := New(st, nil, nil, Config{LocalID: "someone-else"})
	if _, err := e.Resolve(t.Context(), Command{ID: "c1", Text: "x"}); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Resolve() error = %v, want ErrNotAuthorized", err)
	}
}

func TestPrologue(t *testing.T) {
	st := newPartyStore(t)
	client := narration.ClientFunc(func(context.Context, narration.Prompt) (string, error) {
		return "Water drips from the vaulted ceiling.", nil
	})
	e := New(st, client, nil, Config{})

	text, err := e.Prologue(t.Context())
	if err != nil {
		t.Fatalf("Prologue() error: %v", err)
	}
	if st.Current().Narrative != text {
		t.Errorf("Narrative = %q, want %q", st.Current().Narrative, text)
	}

	again, err := e.Prologue(t.Context())
	if err != nil || again != "" {
		t.Errorf("second Prologue() = %q, %v; want no-op", again, err)
	}
}

func TestPrologue_FallsBackToSeed(t *testing.T) {
	st := newPartyStore(t)
	client := narration.ClientFunc(func(context.Context, narration.Prompt) (string, error) {
		return "", errors.New("down")
	})
	text, err := New(st, client, nil, Config{}).Prologue(t.Context())
	if err != nil {
		t.Fatalf("Prologue() error: %v", err)
	}
	if text != "a drowned cathedral" {
		t.Errorf("Prologue() = %q, want the world seed", text)
	}
}

func TestTruncateAction(t *testing.T) {
	long := strings.Repeat("é", 200)
	tests := []struct {
		name  string
		reply string
		max   int
		want  string
	}{
		{"first non-empty line", "\n\n  climbs the wall \nthen waves", 120, "climbs the wall"},
		{"exactly at limit", strings.Repeat("a", 120), 120, strings.Repeat("a", 120)},
		{"over limit counts marker", long, 120, strings.Repeat("é", 117) + "..."},
		{"blank", " \n\t\n", 120, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateAction(tt.reply, tt.max)
			if got != tt.want {
				t.Errorf("truncateAction() = %q, want %q", got, tt.want)
			}
			if n := len([]rune(got)); n > tt.max {
				t.Errorf("len = %d runes, exceeds %d", n, tt.max)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if Broadcasting.String() != "broadcasting" || State(42).String() != "state(42)" {
		t.Errorf("unexpected String(): %q %q", Broadcasting.String(), State(42).String())
	}
}

func TestNew_TypedNilBroadcasterIsIgnored(t *testing.T) {
	st := newPartyStore(t)
	client := narration.ClientFunc(func(context.Context, narration.Prompt) (string, error) {
		return "The door opens.", nil
	})
	var rb *recordingBroadcaster
	e := New(st, client, rb, Config{LocalID: "p1"})

	res, err := e.Resolve(t.Context(), Command{ID: "c1", IssuerID: "p1", Text: "push"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.BroadcastErr != nil {
		t.Errorf("BroadcastErr = %v, want nil", res.BroadcastErr)
	}
	if res.Turn != 1 {
		t.Errorf("Turn = %d, want 1", res.Turn)
	}
}
