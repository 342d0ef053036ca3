package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miosa-osa/osa/internal/providers"
	"github.com/miosa-osa/osa/pkg/models"
)

const (
	// DefaultRecentTurns is the size of the never-dropped recent zone.
	DefaultRecentTurns = 6

	// DefaultCompactThreshold is the fraction of the context budget at
	// which compaction kicks in.
	DefaultCompactThreshold = 0.75

	summaryMaxTokens  = 1024
	summaryRenderCap  = 100_000
	summaryMessageCap = 2000
)

const summarySystemPrompt = "You compress conversation history. Summarize the " +
	"transcript into the facts, decisions, obligations, and open threads needed " +
	"to continue the conversation. Be specific and terse."

// ErrNothingToCompact means the working list has no compactible middle:
// everything is pinned or inside the recent zone.
var ErrNothingToCompact = errors.New("agent: nothing left to compact")

// Archiver persists messages dropped from the working list. Satisfied by
// the episodic memory store.
type Archiver interface {
	ArchiveMessages(ctx context.Context, sessionID string, msgs []models.Message) error
}

// Compactor shrinks a working conversation list in three zones: pinned
// (leading system turns) and recent (last K turns) survive untouched; the
// middle is summarized into a single assistant turn by one provider call.
// Originals are archived before they are dropped.
type Compactor struct {
	chat    ChatClient
	archive Archiver
	recent  int
	model   string
	logger  *slog.Logger
	now     func() time.Time
}

// CompactorOption configures a Compactor.
type CompactorOption func(*Compactor)

// WithArchiver sets the store that receives dropped originals. Without
// one, compaction still runs but originals survive only in the transcript
// file.
func WithArchiver(a Archiver) CompactorOption {
	return func(c *Compactor) { c.archive = a }
}

// WithRecentTurns sets the recent zone size. Default: 6.
func WithRecentTurns(n int) CompactorOption {
	return func(c *Compactor) {
		if n > 0 {
			c.recent = n
		}
	}
}

// WithSummaryModel pins the summary call to a model, typically a cheaper
// one than the conversation uses.
func WithSummaryModel(model string) CompactorOption {
	return func(c *Compactor) { c.model = model }
}

// WithCompactorLogger sets the compactor logger.
func WithCompactorLogger(logger *slog.Logger) CompactorOption {
	return func(c *Compactor) {
		if logger != nil {
			c.logger = logger.With("component", "compactor")
		}
	}
}

// WithCompactorNow overrides the clock for tests.
func WithCompactorNow(now func() time.Time) CompactorOption {
	return func(c *Compactor) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCompactor creates a compactor that summarizes through chat.
func NewCompactor(chat ChatClient, opts ...CompactorOption) *Compactor {
	c := &Compactor{
		chat:   chat,
		recent: DefaultRecentTurns,
		logger: slog.Default().With("component", "compactor"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compact returns a new working list with the compactible middle replaced
// by one summary turn. The input slice is not mutated. Returns
// ErrNothingToCompact when no middle exists.
func (c *Compactor) Compact(ctx context.Context, sessionID string, msgs []models.Message) ([]models.Message, error) {
	pinned, middle, recent := c.zones(msgs)
	if len(middle) == 0 {
		return nil, ErrNothingToCompact
	}

	summary, err := c.summarize(ctx, middle)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	if c.archive != nil {
		if err := c.archive.ArchiveMessages(ctx, sessionID, middle); err != nil {
			return nil, fmt.Errorf("archive originals: %w", err)
		}
	}

	summaryMsg := models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   "Conversation so far:\n" + summary,
		Metadata:  map[string]any{"compacted": true},
		CreatedAt: c.now().UTC(),
	}

	out := make([]models.Message, 0, len(pinned)+1+len(recent))
	out = append(out, pinned...)
	out = append(out, summaryMsg)
	out = append(out, recent...)

	c.logger.Info("compacted conversation",
		"session_id", sessionID,
		"dropped", len(middle),
		"kept", len(out))
	return out, nil
}

// zones splits msgs into pinned, compactible middle, and recent. The
// recent boundary never lands on a tool-role message so a tool result is
// never separated from the assistant turn that requested it.
func (c *Compactor) zones(msgs []models.Message) (pinned, middle, recent []models.Message) {
	i := 0
	for i < len(msgs) && msgs[i].Role == models.RoleSystem {
		i++
	}
	pinned = msgs[:i]
	rest := msgs[i:]

	cut := len(rest) - c.recent
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && rest[cut].Role == models.RoleTool {
		cut--
	}
	return pinned, rest[:cut], rest[cut:]
}

// summarize renders the middle zone and asks the provider for a compact
// account of it.
func (c *Compactor) summarize(ctx context.Context, middle []models.Message) (string, error) {
	req := &providers.ChatRequest{
		Model:  c.model,
		System: summarySystemPrompt,
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: renderTranscript(middle),
		}},
		MaxTokens:   summaryMaxTokens,
		Temperature: 0.2,
	}

	resp, err := c.chat.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", errors.New("empty summary response")
	}
	return text, nil
}

// renderTranscript flattens messages into role-prefixed lines, capping
// individual messages and the whole render so the summary request stays
// well under the budget being compacted.
func renderTranscript(msgs []models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if b.Len() > summaryRenderCap {
			b.WriteString("(earlier messages elided)\n")
			break
		}
		content := m.Content
		if len(content) > summaryMessageCap {
			content = content[:summaryMessageCap] + "…"
		}
		switch {
		case m.Role == models.RoleTool:
			fmt.Fprintf(&b, "tool result (%s): %s\n", m.ToolCallID, content)
		case len(m.ToolCalls) > 0:
			names := make([]string, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				names[i] = tc.Name
			}
			fmt.Fprintf(&b, "%s: %s [called tools: %s]\n", m.Role, content, strings.Join(names, ", "))
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
		}
	}
	return b.String()
}
