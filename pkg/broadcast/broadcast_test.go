package broadcast

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tinyland-inc/taleclaw/pkg/protocol"
	"github.com/tinyland-inc/taleclaw/pkg/session"
)

type fakeTransport struct {
	running bool
	max     int
	sent    [][]byte
	err     error
}

func (f *fakeTransport) Name() string                { return "fake" }
func (f *fakeTransport) Start(context.Context) error { f.running = true; return nil }
func (f *fakeTransport) Stop(context.Context) error  { f.running = false; return nil }
func (f *fakeTransport) IsRunning() bool             { return f.running }
func (f *fakeTransport) MaxPayload() int             { return f.max }
func (f *fakeTransport) Send(_ context.Context, _ string, p []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, p)
	return nil
}

func testSession() session.Session {
	s := session.New("s1", "seed", session.Participant{ID: "h", DisplayName: "Host"})
	return *s
}

func TestBroadcast_NoTransportIsNoop(t *testing.T) {
	b := New(nil, "g", protocol.Codec{}, "h", "Host")
	if _, err := b.SyncState(t.Context(), testSession()); err != nil {
		t.Errorf("SyncState() without transport = %v, want nil", err)
	}

	stopped := &fakeTransport{}
	b = New(stopped, "g", protocol.Codec{}, "h", "Host")
	if _, err := b.Send(t.Context(), protocol.KindChat, "s1", "hi"); err != nil {
		t.Errorf("Send() on stopped transport = %v, want nil", err)
	}
	if len(stopped.sent) != 0 {
		t.Error("stopped transport should not receive frames")
	}
}

func TestSyncState_RoundTrip(t *testing.T) {
	ft := &fakeTransport{running: true}
	b := New(ft, "g", protocol.Codec{}, "h", "Host")
	env, err := b.SyncState(t.Context(), testSession())
	if err != nil {
		t.Fatalf("SyncState() error: %v", err)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(ft.sent))
	}

	got, err := b.Codec().Decode(ft.sent[0])
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got.ID != env.ID || got.Kind != protocol.KindStateSync || got.SenderID != "h" {
		t.Errorf("envelope = %+v", got)
	}
	s, err := DecodeState(got.Payload)
	if err != nil {
		t.Fatalf("DecodeState() error: %v", err)
	}
	if s.ID != "s1" || len(s.Participants) != 1 {
		t.Errorf("decoded session = %+v", s)
	}
}

func TestBroadcast_OversizedSnapshotDropped(t *testing.T) {
	ft := &fakeTransport{running: true, max: 64}
	b := New(ft, "g", protocol.Codec{}, "h", "Host")

	if _, err := b.SyncState(t.Context(), testSession()); err != nil {
		t.Errorf("oversized SyncState() = %v, want nil", err)
	}
	_, err := b.Send(t.Context(), protocol.KindChat, "s1", strings.Repeat("x", 100))
	if !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Errorf("oversized chat = %v, want ErrPayloadTooLarge", err)
	}
	if len(ft.sent) != 0 {
		t.Errorf("sent %d frames, want 0", len(ft.sent))
	}
}

func TestResend_KeepsID(t *testing.T) {
	ft := &fakeTransport{running: true}
	b := New(ft, "g", protocol.Codec{}, "p", "P")
	env, _ := b.Send(t.Context(), protocol.KindCommand, "s1", "look")
	if err := b.Resend(t.Context(), env); err != nil {
		t.Fatalf("Resend() error: %v", err)
	}
	first, _ := b.Codec().Decode(ft.sent[0])
	second, _ := b.Codec().Decode(ft.sent[1])
	if first.ID != second.ID {
		t.Errorf("resend changed id: %s != %s", first.ID, second.ID)
	}
}

func TestBroadcast_TransportError(t *testing.T) {
	ft := &fakeTransport{running: true, err: errors.New("socket closed")}
	b := New(ft, "g", protocol.Codec{}, "p", "P")
	if _, err := b.Send(t.Context(), protocol.KindChat, "s1", "hi"); err == nil {
		t.Error("Send() should surface transport errors")
	}
}

func TestDecodeState_Invalid(t *testing.T) {
	if _, err := DecodeState("{not json"); err == nil {
		t.Error("DecodeState() accepted invalid json")
	}
	if _, err := DecodeState(`{"session_id":"s1","participants":{}}`); !errors.Is(err, session.ErrNoHost) {
		t.Errorf("DecodeState() without host = %v, want ErrNoHost", err)
	}
}

func TestNilBroadcasterIsNoop(t *testing.T) {
	var b *Broadcaster
	if b.Connected() {
		t.Error("nil broadcaster reported connected")
	}
	if _, err := b.SyncState(t.Context(), testSession()); err != nil {
		t.Errorf("SyncState() on nil broadcaster = %v", err)
	}
	if _, err := b.Reply(t.Context(), protocol.KindAck, "s1", "c1", "1"); err != nil {
		t.Errorf("Reply() on nil broadcaster = %v", err)
	}
}

func TestReply_ReferencesCommand(t *testing.T) {
	ft := &fakeTransport{running: true}
	b := New(ft, "g", protocol.Codec{}, "h", "Host")
	if _, err := b.Reply(t.Context(), protocol.KindReject, "s1", "c1", "queue full"); err != nil {
		t.Fatalf("Reply() error: %v", err)
	}
	got, err := b.Codec().Decode(ft.sent[0])
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got.Kind != protocol.KindReject || got.RefID != "c1" || got.SenderID != "h" || got.Payload != "queue full" {
		t.Errorf("reply = %+v", got)
	}
}
