package node

import (
	"github.com/tinyland-inc/taleclaw/pkg/engine"
	"github.com/tinyland-inc/taleclaw/pkg/session"
)

type EventKind int

const (
	EventChat EventKind = iota
	EventTurnStarted
	EventNarration
	EventSnapshot
	EventJoined
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventChat:
		return "chat"
	case EventTurnStarted:
		return "turn_started"
	case EventNarration:
		return "narration"
	case EventSnapshot:
		return "snapshot"
	case EventJoined:
		return "joined"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is what the node reports upward for rendering.
type Event struct {
	Kind     EventKind
	From     string
	SenderID string
	Text     string
	Turn     int
	// First is set on the first snapshot a peer adopts.
	First bool
	// Local marks chat this node sent itself.
	Local   bool
	Session *session.Session
	Result  *engine.TurnResult
	Err     error
}

// Subscribe registers fn for every event and returns a function that
// removes it. Handlers run on the node loop and must not call back into the
// node synchronously.
func (n *Node) Subscribe(fn func(Event)) (cancel func()) {
	n.subsMu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = fn
	n.subsMu.Unlock()

	return func() {
		n.subsMu.Lock()
		delete(n.subs, id)
		n.subsMu.Unlock()
	}
}

func (n *Node) emit(ev Event) {
	n.subsMu.Lock()
	handlers := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		handlers = append(handlers, fn)
	}
	n.subsMu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
