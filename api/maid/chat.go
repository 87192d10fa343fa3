package maid

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/maidworks/maid/api/domain"
	"github.com/maidworks/maid/api/llm"
	"github.com/maidworks/maid/api/protocol"
	"github.com/maidworks/maid/pkg/metrics"
)

const chatInstructions = `You are a warm, attentive assistant. Answer naturally and concisely, using what you know about the user when it helps.`

const (
	defaultHistoryLimit = 20
	defaultMemoryLimit  = 20
	defaultRelatedLimit = 5
)

// Chat is the default conversational maid: one streamed assistant turn per
// welcome or input event.
type Chat struct {
	sessions Sessions
	memories Memories
	gateway  Gateway

	HistoryLimit int
	MemoryLimit  int
	RelatedLimit int
}

func NewChat(sessions Sessions, memories Memories, gateway Gateway) *Chat {
	return &Chat{
		sessions:     sessions,
		memories:     memories,
		gateway:      gateway,
		HistoryLimit: defaultHistoryLimit,
		MemoryLimit:  defaultMemoryLimit,
		RelatedLimit: defaultRelatedLimit,
	}
}

func (h *Chat) OnWelcome(ctx context.Context, c Conn) error {
	return h.respondWithStream(ctx, c, nil, h.welcomePrompt)
}

func (h *Chat) OnInput(ctx context.Context, c Conn, content string) error {
	return h.respondWithStream(ctx, c, &content, func(ctx context.Context, c Conn, sess *domain.Session) (string, error) {
		return h.inputPrompt(ctx, c, sess, content)
	})
}

func (h *Chat) OnAbort(c Conn) { c.Abort() }

func (h *Chat) OnBye(c Conn) { c.Bye() }

// respondWithStream is the shared turn pipeline: resolve the session, save
// the user message when there is one, build the prompt, stream the
// response, then persist and signal extraction on completion.
func (h *Chat) respondWithStream(ctx context.Context, c Conn, userMessage *string, buildPrompt func(context.Context, Conn, *domain.Session) (string, error)) error {
	sess, created, err := h.sessions.Ensure(ctx, c.UserID(), c.SessionID())
	if err != nil {
		return err
	}
	c.SetSessionID(sess.ID)
	if created {
		if err := c.AnnounceSession(sess.ID); err != nil {
			return err
		}
	}

	if userMessage != nil {
		if _, err := h.sessions.SaveMessage(ctx, c.UserID(), sess.ID, domain.RoleUser, *userMessage, nil); err != nil {
			return fmt.Errorf("save user message: %w", err)
		}
	}

	prompt, err := buildPrompt(ctx, c, sess)
	if err != nil {
		return err
	}

	if err := c.Send(protocol.NewStreamStart()); err != nil {
		return err
	}
	metrics.TurnsStarted.Inc()

	stream, err := h.gateway.StreamResponse(ctx, prompt, chatInstructions)
	if err != nil {
		metrics.TurnsCompleted.WithLabelValues("error").Inc()
		return fmt.Errorf("open stream: %w", err)
	}
	c.SetStream(stream)
	defer c.ClearStream()

	var text strings.Builder
	for delta := range stream.Deltas() {
		text.WriteString(delta)
		metrics.StreamDeltas.Inc()
		if err := c.Send(protocol.NewStreamTextDelta(delta)); err != nil {
			stream.Abort()
			break
		}
	}

	outcome, streamErr := stream.Outcome()
	switch outcome {
	case llm.OutcomeCompleted:
		if err := c.Send(protocol.NewStreamDone(sess.ID)); err != nil {
			return err
		}
		if text.Len() > 0 {
			if _, err := h.sessions.SaveMessage(ctx, c.UserID(), sess.ID, domain.RoleAssistant, text.String(), nil); err != nil {
				return fmt.Errorf("save assistant message: %w", err)
			}
		}
		if err := h.memories.SignalExtraction(ctx, c.UserID()); err != nil {
			slog.Error("chat: signal extraction failed", "user_id", c.UserID(), "error", err)
		}
		metrics.TurnsCompleted.WithLabelValues("completed").Inc()
		return nil

	case llm.OutcomeAborted:
		metrics.TurnsCompleted.WithLabelValues("aborted").Inc()
		return nil

	default:
		metrics.TurnsCompleted.WithLabelValues("error").Inc()
		return fmt.Errorf("stream failed: %w", streamErr)
	}
}

// welcomePrompt asks for an opening assistant message grounded in recent
// cross-session history and the freshest memories, gathered in parallel.
func (h *Chat) welcomePrompt(ctx context.Context, c Conn, _ *domain.Session) (string, error) {
	var (
		history  []*domain.Message
		memories []*domain.Memory
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		msgs, err := h.sessions.ListRecent(gctx, c.UserID(), 0, h.HistoryLimit, false)
		if err != nil {
			return fmt.Errorf("list recent messages: %w", err)
		}
		history = msgs
		return nil
	})
	g.Go(func() error {
		mems, err := h.memories.RecentMemories(gctx, c.UserID(), h.MemoryLimit)
		if err != nil {
			return fmt.Errorf("list recent memories: %w", err)
		}
		memories = mems
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	texts := make([]string, len(memories))
	for i, m := range memories {
		texts[i] = m.Content
	}

	var b strings.Builder
	b.WriteString("You are greeting a returning user.\n\n")
	writeMemoriesBlock(&b, texts)
	writeHistoryBlock(&b, reverseMessages(history))
	b.WriteString("\nWrite a natural first assistant message for this user. Greet them and, when the context suggests one, pick up a thread worth continuing.")
	return b.String(), nil
}

// inputPrompt grounds the turn in this session's history plus the memories
// nearest to the user's text. The just-saved user message heads the
// descending history result and is skipped; it goes in as the trailing line.
func (h *Chat) inputPrompt(ctx context.Context, c Conn, sess *domain.Session, content string) (string, error) {
	history, err := h.sessions.ListRecent(ctx, c.UserID(), sess.ID, h.HistoryLimit, true)
	if err != nil {
		return "", fmt.Errorf("list session messages: %w", err)
	}
	if len(history) > 0 {
		history = history[1:]
	}

	related, err := h.memories.RelatedMemories(ctx, c.UserID(), content, h.RelatedLimit, 0)
	if err != nil {
		return "", fmt.Errorf("related memories: %w", err)
	}
	texts := make([]string, len(related))
	for i, m := range related {
		texts[i] = m.Content
	}

	var b strings.Builder
	writeMemoriesBlock(&b, texts)
	writeHistoryBlock(&b, reverseMessages(history))
	fmt.Fprintf(&b, "\n[%s]: %s", domain.RoleUser, content)
	return b.String(), nil
}

func writeMemoriesBlock(b *strings.Builder, memories []string) {
	b.WriteString("<memories>\n")
	for _, m := range memories {
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteByte('\n')
	}
	b.WriteString("</memories>\n")
}

func writeHistoryBlock(b *strings.Builder, messages []*domain.Message) {
	b.WriteString("<history>\n")
	for _, msg := range messages {
		fmt.Fprintf(b, "[%s]: %s\n", msg.Role, msg.Content)
	}
	b.WriteString("</history>\n")
}

// reverseMessages flips a newest-first result into chronological order.
func reverseMessages(messages []*domain.Message) []*domain.Message {
	out := make([]*domain.Message, len(messages))
	for i, msg := range messages {
		out[len(messages)-1-i] = msg
	}
	return out
}
