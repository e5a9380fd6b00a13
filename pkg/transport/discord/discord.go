// Package discord uses one Discord text channel as the group chat. Frames
// are base64 text split across as many messages as Discord's length limit
// requires; a frame with any missing part is lost, like any dropped frame.
package discord

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/tinyland-inc/taleclaw/pkg/bus"
	"github.com/tinyland-inc/taleclaw/pkg/logger"
	"github.com/tinyland-inc/taleclaw/pkg/transport"
)

const (
	// MessageLimit is Discord's maximum message length in characters.
	MessageLimit = 2000

	framePrefix       = "tc1:"
	defaultMaxPayload = 64 * 1024
	partialTTL        = 2 * time.Minute
)

type Config struct {
	Token      string
	ChannelID  string
	MaxPayload int
	AllowFrom  []string
}

type messageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Transport struct {
	*transport.BaseTransport
	cfg     Config
	session *discordgo.Session
	sender  messageSender
	selfID  string
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	partials map[string]*partial
}

type partial struct {
	parts    []string
	received int
	first    time.Time
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config, mb *bus.MessageBus) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is required")
	}
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return nil, errors.New("discord channel id is required")
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = defaultMaxPayload
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuildMessages | discordgo.IntentMessageContent

	t := newTransport(cfg, mb, session)
	t.session = session
	return t, nil
}

func newTransport(cfg Config, mb *bus.MessageBus, sender messageSender) *Transport {
	return &Transport{
		BaseTransport: transport.NewBaseTransport("discord", cfg.ChannelID, mb,
			transport.WithMaxPayload(cfg.MaxPayload),
			transport.WithAllowList(cfg.AllowFrom)),
		cfg:      cfg,
		sender:   sender,
		ctx:      context.Background(),
		partials: make(map[string]*partial),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord transport")
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.session.AddHandler(t.handleMessage)
	if err := t.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	if t.session.State != nil && t.session.State.User != nil {
		t.selfID = t.session.State.User.ID
	}
	t.SetRunning(true)
	logger.InfoCF("discord", "Discord transport connected", map[string]any{
		"channel": t.cfg.ChannelID,
		"bot_id":  t.selfID,
	})
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	t.SetRunning(false)
	if t.cancel != nil {
		t.cancel()
	}
	if t.session != nil {
		return t.session.Close()
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, groupID string, payload []byte) error {
	if !t.IsRunning() {
		return transport.ErrNotRunning
	}
	if groupID != t.cfg.ChannelID {
		return fmt.Errorf("discord transport: unknown channel %q", groupID)
	}
	if len(payload) > t.MaxPayload() {
		return fmt.Errorf("discord transport: payload of %d bytes exceeds %d", len(payload), t.MaxPayload())
	}
	for _, msg := range encodeFrame(uuid.NewString()[:8], payload) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.sender.ChannelMessageSend(t.cfg.ChannelID, msg); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

func (t *Transport) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.ChannelID != t.cfg.ChannelID {
		return
	}
	if m.Author.ID == t.selfID {
		return
	}
	payload, ok := t.accept(m.Author.ID, m.Content, time.Now())
	if !ok {
		return
	}
	t.HandleFrame(t.ctx, m.Author.ID, payload)
}

// accept feeds one message into reassembly and returns the frame once every
// part has arrived.
func (t *Transport) accept(senderID, content string, now time.Time) ([]byte, bool) {
	id, index, total, data, ok := parsePart(content)
	if !ok {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, p := range t.partials {
		if now.Sub(p.first) > partialTTL {
			delete(t.partials, key)
		}
	}

	key := senderID + "/" + id
	p, exists := t.partials[key]
	if !exists {
		p = &partial{parts: make([]string, total), first: now}
		t.partials[key] = p
	}
	if len(p.parts) != total || p.parts[index] != "" {
		return nil, false
	}
	p.parts[index] = data
	p.received++
	if p.received < total {
		return nil, false
	}
	delete(t.partials, key)

	payload, err := base64.StdEncoding.DecodeString(strings.Join(p.parts, ""))
	if err != nil {
		logger.WarnCF("discord", "Dropping undecodable frame", map[string]any{
			"sender_id": senderID,
			"error":     err.Error(),
		})
		return nil, false
	}
	return payload, true
}

// encodeFrame renders payload as messages of the form
// "tc1:<id>:<index>/<total>:<base64 chunk>".
func encodeFrame(id string, payload []byte) []string {
	encoded := base64.StdEncoding.EncodeToString(payload)
	headerRoom := len(framePrefix) + len(id) + 16
	chunk := MessageLimit - headerRoom

	var chunks []string
	for len(encoded) > chunk {
		chunks = append(chunks, encoded[:chunk])
		encoded = encoded[chunk:]
	}
	chunks = append(chunks, encoded)

	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = fmt.Sprintf("%s%s:%d/%d:%s", framePrefix, id, i, len(chunks), c)
	}
	return out
}

func parsePart(content string) (id string, index, total int, data string, ok bool) {
	rest, found := strings.CutPrefix(content, framePrefix)
	if !found {
		return "", 0, 0, "", false
	}
	fields := strings.SplitN(rest, ":", 3)
	if len(fields) != 3 || fields[0] == "" {
		return "", 0, 0, "", false
	}
	pos, count, found := strings.Cut(fields[1], "/")
	if !found {
		return "", 0, 0, "", false
	}
	index, err1 := strconv.Atoi(pos)
	total, err2 := strconv.Atoi(count)
	if err1 != nil || err2 != nil || total <= 0 || index < 0 || index >= total || total > 1024 {
		return "", 0, 0, "", false
	}
	return fields[0], index, total, fields[2], true
}
