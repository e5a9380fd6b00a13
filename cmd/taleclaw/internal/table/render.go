package table

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tinyland-inc/taleclaw/pkg/effects"
	"github.com/tinyland-inc/taleclaw/pkg/engine"
	"github.com/tinyland-inc/taleclaw/pkg/node"
	"github.com/tinyland-inc/taleclaw/pkg/session"
)

// Renderer prints node events. Peers learn about narration only through
// snapshots, so it remembers the narrative it last showed and prints just
// what was appended.
type Renderer struct {
	mu        sync.Mutex
	out       io.Writer
	separator string
	shown     string
}

func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out, separator: engine.DefaultSeparator}
}

func (r *Renderer) SetOutput(out io.Writer) {
	r.mu.Lock()
	r.out = out
	r.mu.Unlock()
}

// Prime shows the latest narrative block of s, for a host resuming a saved
// session.
func (r *Renderer) Prime(s session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = ""
	r.snapshot(s)
}

func (r *Renderer) Render(ev node.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case node.EventChat:
		if ev.Local {
			return
		}
		fmt.Fprintf(r.out, "[%s] %s\n", ev.From, ev.Text)
	case node.EventTurnStarted:
		fmt.Fprintf(r.out, "… %s: %s\n", ev.From, ev.Text)
	case node.EventJoined:
		fmt.Fprintf(r.out, "* %s joined the table\n", ev.From)
	case node.EventNarration:
		r.narration(ev.Text)
		if ev.Session != nil {
			r.shown = ev.Session.Narrative
		}
		if ev.Result != nil {
			r.effects(ev.Result.Effects)
		}
	case node.EventSnapshot:
		if ev.Session == nil {
			return
		}
		if ev.First {
			fmt.Fprintf(r.out, "* Joined session %s at turn %d\n", ev.Session.ID, ev.Session.Turn)
		}
		r.snapshot(*ev.Session)
	case node.EventError:
		if ev.Err != nil {
			fmt.Fprintf(r.out, "! %v\n", ev.Err)
		}
	}
}

func (r *Renderer) snapshot(s session.Session) {
	prev := r.shown
	r.shown = s.Narrative
	if s.Narrative == prev {
		return
	}
	text := s.Narrative
	if prev != "" && strings.HasPrefix(s.Narrative, prev) {
		text = strings.TrimPrefix(s.Narrative[len(prev):], r.separator)
	} else if i := strings.LastIndex(s.Narrative, r.separator); i >= 0 {
		// Unrelated history (a loaded slot): show only the latest block.
		text = s.Narrative[i+len(r.separator):]
	}
	r.narration(text)
}

func (r *Renderer) narration(text string) {
	body, choices := effects.SplitNextChoices(text)
	fmt.Fprintf(r.out, "\n%s\n", strings.TrimSpace(body))
	if choices != "" {
		fmt.Fprintf(r.out, "\n  Next: %s\n", choices)
	}
	fmt.Fprintln(r.out)
}

func (r *Renderer) effects(applied []effects.Applied) {
	for _, a := range applied {
		switch {
		case a.Changed == 0:
			continue
		case a.Kind == effects.Grant:
			fmt.Fprintf(r.out, "  + %s\n", a.Item)
		case a.Kind == effects.Remove:
			fmt.Fprintf(r.out, "  - %s\n", a.Item)
		}
	}
}

// RenderRoster prints the party in seat order.
func RenderRoster(out io.Writer, s session.Session) {
	fmt.Fprintf(out, "Session %s, turn %d\n", s.ID, s.Turn)
	for _, p := range s.Roster() {
		var tags []string
		if p.IsHost {
			tags = append(tags, "host")
		}
		if p.IsAutomated {
			tags = append(tags, "auto")
		}
		line := fmt.Sprintf("  %d. %s", p.Seat, p.Name())
		if len(tags) > 0 {
			line += " (" + strings.Join(tags, ", ") + ")"
		}
		fmt.Fprintln(out, line)
	}
}

// RenderInventory prints the inventory of participant id.
func RenderInventory(out io.Writer, s session.Session, id string) {
	p, ok := s.Participant(id)
	if !ok {
		fmt.Fprintln(out, "You are not in the party yet.")
		return
	}
	if len(p.Inventory) == 0 {
		fmt.Fprintln(out, "Your pack is empty.")
		return
	}
	fmt.Fprintf(out, "You carry: %s\n", strings.Join(p.Inventory, ", "))
}
