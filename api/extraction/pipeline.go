// Package extraction distills long-term memories from conversation history.
// A run reads the user's unextracted messages, derives facts, reconciles
// them against nearby existing memories and applies the resulting changes
// in one transaction.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/maidworks/maid/api/domain"
	"github.com/maidworks/maid/pkg/metrics"
)

// Store is the slice of the persistence layer the pipeline needs.
type Store interface {
	ListPendingMessages(ctx context.Context, userID string) ([]*domain.Message, error)
	MarkMessagesExtracted(ctx context.Context, ids []int64, at time.Time) error
	FindNearbyMemories(ctx context.Context, userID string, embedding []float32, maxDistance float64, topK int) ([]*domain.RelatedMemory, error)
	InsertMemory(ctx context.Context, userID, content string, embedding []float32) (*domain.Memory, error)
	UpdateMemory(ctx context.Context, id int64, content string, embedding []float32, at time.Time) error
	DeleteMemory(ctx context.Context, id int64) error
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// LLM is the slice of the gateway the pipeline needs.
type LLM interface {
	GenerateStructured(ctx context.Context, prompt string) (string, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Config struct {
	// Threshold is the similarity floor for the reconciliation candidate
	// pool; candidates are memories within cosine distance 1-Threshold.
	Threshold float64
	// TopK bounds the candidates fetched per fact.
	TopK int
	// MaxRetries bounds reconciliation calls when the model keeps
	// referencing unknown memory ids.
	MaxRetries int
}

type Pipeline struct {
	store Store
	llm   LLM
	cfg   Config
}

func New(store Store, llm LLM, cfg Config) *Pipeline {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.7
	}
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Pipeline{store: store, llm: llm, cfg: cfg}
}

// Stats summarizes one extraction run.
type Stats struct {
	Facts          int
	Added          int
	Updated        int
	Deleted        int
	Unchanged      int
	MessagesMarked int
}

// Run executes one extraction pass for userID. The memory mutations commit
// in a single transaction; messages are marked extracted only afterwards,
// so a failure between the two leaves them pending for the next run
// (at-least-once).
func (p *Pipeline) Run(ctx context.Context, userID string) (*Stats, error) {
	stats := &Stats{}

	pending, err := p.store.ListPendingMessages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	if len(pending) == 0 {
		return stats, nil
	}

	ids := make([]int64, len(pending))
	for i, msg := range pending {
		ids[i] = msg.ID
	}
	now := time.Now().UTC()

	facts, err := p.extractFacts(ctx, pending)
	if err != nil {
		return nil, err
	}
	stats.Facts = len(facts)
	metrics.ExtractionFacts.Add(float64(len(facts)))

	if len(facts) == 0 {
		if err := p.store.MarkMessagesExtracted(ctx, ids, now); err != nil {
			return nil, fmt.Errorf("mark messages extracted: %w", err)
		}
		stats.MessagesMarked = len(ids)
		slog.Info("extraction: nothing to remember", "user_id", userID, "messages", len(ids))
		return stats, nil
	}

	vectors, err := p.llm.Embed(ctx, facts)
	if err != nil {
		return nil, fmt.Errorf("embed facts: %w", err)
	}
	if len(vectors) != len(facts) {
		return nil, fmt.Errorf("embed facts: got %d vectors for %d facts", len(vectors), len(facts))
	}
	factEmbeddings := make(map[string][]float32, len(facts))
	for i, fact := range facts {
		factEmbeddings[fact] = vectors[i]
	}

	pool, err := p.candidatePool(ctx, userID, vectors)
	if err != nil {
		return nil, err
	}

	existing, tempToReal := assignTempIDs(pool)

	actions, err := p.reconcile(ctx, existing, facts, tempToReal)
	if err != nil {
		return nil, err
	}

	actions = backfillAdds(actions, existing, facts)

	err = p.store.WithTx(ctx, func(ctx context.Context) error {
		return p.apply(ctx, userID, actions, tempToReal, factEmbeddings, now, stats)
	})
	if err != nil {
		return nil, fmt.Errorf("apply memory actions: %w", err)
	}

	if err := p.store.MarkMessagesExtracted(ctx, ids, now); err != nil {
		return nil, fmt.Errorf("mark messages extracted: %w", err)
	}
	stats.MessagesMarked = len(ids)

	slog.Info("extraction: run complete",
		"user_id", userID,
		"facts", stats.Facts,
		"added", stats.Added,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"unchanged", stats.Unchanged,
		"messages", stats.MessagesMarked)
	return stats, nil
}

func (p *Pipeline) extractFacts(ctx context.Context, pending []*domain.Message) ([]string, error) {
	var transcript strings.Builder
	for _, msg := range pending {
		transcript.WriteString(msg.Role)
		transcript.WriteString(": ")
		transcript.WriteString(msg.Content)
		transcript.WriteByte('\n')
	}

	raw, err := p.llm.GenerateStructured(ctx, factPrompt(strings.TrimRight(transcript.String(), "\n")))
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	return parseFacts(raw), nil
}

// candidatePool unions the nearby memories of every fact, keyed by real id.
func (p *Pipeline) candidatePool(ctx context.Context, userID string, vectors [][]float32) ([]*domain.RelatedMemory, error) {
	byID := make(map[int64]*domain.RelatedMemory)
	for _, vec := range vectors {
		nearby, err := p.store.FindNearbyMemories(ctx, userID, vec, 1-p.cfg.Threshold, p.cfg.TopK)
		if err != nil {
			return nil, fmt.Errorf("find nearby memories: %w", err)
		}
		for _, mem := range nearby {
			byID[mem.ID] = mem
		}
	}

	pool := make([]*domain.RelatedMemory, 0, len(byID))
	for _, mem := range byID {
		pool = append(pool, mem)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })
	return pool, nil
}

// assignTempIDs maps the candidate pool to short monotonic ids. The model
// only ever sees temp ids; database ids stay in tempToReal.
func assignTempIDs(pool []*domain.RelatedMemory) ([]promptMemory, map[string]int64) {
	existing := make([]promptMemory, len(pool))
	tempToReal := make(map[string]int64, len(pool))
	for i, mem := range pool {
		temp := strconv.Itoa(i)
		existing[i] = promptMemory{ID: temp, Text: mem.Content}
		tempToReal[temp] = mem.ID
	}
	return existing, tempToReal
}

// reconcile asks the model for actions, repairing or retrying when it
// references unknown ids. After the retry budget, unknown references are
// dropped.
func (p *Pipeline) reconcile(ctx context.Context, existing []promptMemory, facts []string, tempToReal map[string]int64) ([]Action, error) {
	prompt := reconcilePrompt(existing, facts)

	var actions []Action
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		raw, err := p.llm.GenerateStructured(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("reconcile memories: %w", err)
		}

		actions = repairActions(parseActions(raw), tempToReal)
		if countInvalid(actions, tempToReal) == 0 {
			return actions, nil
		}
		slog.Warn("extraction: reconciliation referenced unknown ids", "attempt", attempt)
	}

	kept := actions[:0]
	for _, a := range actions {
		if (a.Event == EventUpdate || a.Event == EventDelete) && !knownID(a.ID, tempToReal) {
			slog.Warn("extraction: dropping action with unknown id", "event", a.Event, "id", a.ID)
			continue
		}
		kept = append(kept, a)
	}
	return kept, nil
}

// repairActions reattaches UPDATE/DELETE actions whose id is unknown by
// transplanting the event onto the NONE action whose text matches the
// invalid action's old_memory.
func repairActions(actions []Action, tempToReal map[string]int64) []Action {
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		if (a.Event != EventUpdate && a.Event != EventDelete) || knownID(a.ID, tempToReal) {
			out = append(out, a)
			continue
		}

		repaired := false
		for i := range out {
			if out[i].Event == EventNone && out[i].Text == a.OldMemory && knownID(out[i].ID, tempToReal) {
				out[i].Event = a.Event
				if a.Event == EventUpdate {
					out[i].Text = a.Text
				}
				repaired = true
				break
			}
		}
		if !repaired {
			out = append(out, a)
		}
	}
	return out
}

func countInvalid(actions []Action, tempToReal map[string]int64) int {
	n := 0
	for _, a := range actions {
		if (a.Event == EventUpdate || a.Event == EventDelete) && !knownID(a.ID, tempToReal) {
			n++
		}
	}
	return n
}

func knownID(id string, tempToReal map[string]int64) bool {
	_, ok := tempToReal[id]
	return ok
}

// backfillAdds simulates the action set and appends an ADD for every fact
// whose normalized form survives in none of the final memory texts.
func backfillAdds(actions []Action, existing []promptMemory, facts []string) []Action {
	finals := make(map[string]string, len(existing))
	maxID := -1
	for _, m := range existing {
		finals[m.ID] = m.Text
		if n, err := strconv.Atoi(m.ID); err == nil && n > maxID {
			maxID = n
		}
	}
	for _, a := range actions {
		if n, err := strconv.Atoi(a.ID); err == nil && n > maxID {
			maxID = n
		}
		switch a.Event {
		case EventDelete:
			delete(finals, a.ID)
		case EventUpdate:
			finals[a.ID] = a.Text
		case EventAdd:
			id := a.ID
			if id == "" {
				maxID++
				id = strconv.Itoa(maxID)
			}
			finals[id] = a.Text
		}
	}

	normalized := make([]string, 0, len(finals))
	for _, text := range finals {
		normalized = append(normalized, normalize(text))
	}

	for _, fact := range facts {
		nf := normalize(fact)
		covered := false
		for _, nt := range normalized {
			if nt == "" {
				continue
			}
			if strings.Contains(nt, nf) || strings.Contains(nf, nt) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		maxID++
		actions = append(actions, Action{ID: strconv.Itoa(maxID), Text: fact, Event: EventAdd})
		normalized = append(normalized, nf)
	}
	return actions
}

func (p *Pipeline) apply(ctx context.Context, userID string, actions []Action, tempToReal map[string]int64, factEmbeddings map[string][]float32, now time.Time, stats *Stats) error {
	for _, a := range actions {
		switch a.Event {
		case EventNone:
			stats.Unchanged++

		case EventDelete:
			realID, ok := tempToReal[a.ID]
			if !ok {
				slog.Warn("extraction: skipping delete with unknown id", "id", a.ID)
				continue
			}
			if err := p.store.DeleteMemory(ctx, realID); err != nil {
				return fmt.Errorf("delete memory %d: %w", realID, err)
			}
			stats.Deleted++
			metrics.MemoriesMutated.WithLabelValues("delete").Inc()

		case EventAdd:
			embedding, err := p.embeddingFor(ctx, a.Text, factEmbeddings)
			if err != nil {
				return err
			}
			if _, err := p.store.InsertMemory(ctx, userID, a.Text, embedding); err != nil {
				return fmt.Errorf("insert memory: %w", err)
			}
			stats.Added++
			metrics.MemoriesMutated.WithLabelValues("add").Inc()

		case EventUpdate:
			realID, ok := tempToReal[a.ID]
			if !ok {
				slog.Warn("extraction: skipping update with unknown id", "id", a.ID)
				continue
			}
			embedding, err := p.embeddingFor(ctx, a.Text, factEmbeddings)
			if err != nil {
				return err
			}
			if err := p.store.UpdateMemory(ctx, realID, a.Text, embedding, now); err != nil {
				return fmt.Errorf("update memory %d: %w", realID, err)
			}
			stats.Updated++
			metrics.MemoriesMutated.WithLabelValues("update").Inc()
		}
	}
	return nil
}

// embeddingFor reuses a fact embedding when the text is a known fact and
// falls back to an inline embed call otherwise.
func (p *Pipeline) embeddingFor(ctx context.Context, text string, factEmbeddings map[string][]float32) ([]float32, error) {
	if vec, ok := factEmbeddings[text]; ok {
		return vec, nil
	}
	vectors, err := p.llm.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed %q: %w", text, err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed %q: no vector returned", text)
	}
	return vectors[0], nil
}
