package extraction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidworks/maid/api/domain"
)

type fakeStore struct {
	pending []*domain.Message
	nearby  []*domain.RelatedMemory

	inserted []string
	updated  map[int64]string
	deleted  []int64
	marked   []int64
	txCalls  int
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{updated: make(map[int64]string), nextID: 100}
}

func (s *fakeStore) ListPendingMessages(ctx context.Context, userID string) ([]*domain.Message, error) {
	return s.pending, nil
}

func (s *fakeStore) MarkMessagesExtracted(ctx context.Context, ids []int64, at time.Time) error {
	s.marked = append(s.marked, ids...)
	return nil
}

func (s *fakeStore) FindNearbyMemories(ctx context.Context, userID string, embedding []float32, maxDistance float64, topK int) ([]*domain.RelatedMemory, error) {
	return s.nearby, nil
}

func (s *fakeStore) InsertMemory(ctx context.Context, userID, content string, embedding []float32) (*domain.Memory, error) {
	s.inserted = append(s.inserted, content)
	s.nextID++
	return &domain.Memory{ID: s.nextID, UserID: userID, Content: content}, nil
}

func (s *fakeStore) UpdateMemory(ctx context.Context, id int64, content string, embedding []float32, at time.Time) error {
	s.updated[id] = content
	return nil
}

func (s *fakeStore) DeleteMemory(ctx context.Context, id int64) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txCalls++
	return fn(ctx)
}

type fakeLLM struct {
	responses []string
	calls     int
	embedErr  error
}

func (l *fakeLLM) GenerateStructured(ctx context.Context, prompt string) (string, error) {
	if l.calls >= len(l.responses) {
		return "", errors.New("no scripted response")
	}
	resp := l.responses[l.calls]
	l.calls++
	return resp, nil
}

func (l *fakeLLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if l.embedErr != nil {
		return nil, l.embedErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i]))}
	}
	return out, nil
}

func pendingMessages() []*domain.Message {
	return []*domain.Message{
		{ID: 1, SessionID: 7, Role: domain.RoleUser, Content: "I moved to Berlin last month"},
		{ID: 2, SessionID: 7, Role: domain.RoleAssistant, Content: "How do you like it so far?"},
	}
}

func TestRunAddsNewMemories(t *testing.T) {
	st := newFakeStore()
	st.pending = pendingMessages()
	model := &fakeLLM{responses: []string{
		`{"facts": ["User lives in Berlin"]}`,
		`{"memory":[{"id":"0","text":"User lives in Berlin","event":"ADD"}]}`,
	}}

	stats, err := New(st, model, Config{}).Run(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Facts)
	assert.Equal(t, 1, stats.Added)
	assert.Equal(t, []string{"User lives in Berlin"}, st.inserted)
	assert.Equal(t, []int64{1, 2}, st.marked)
	assert.Equal(t, 1, st.txCalls)
	assert.Equal(t, 2, stats.MessagesMarked)
}

func TestRunNoFactsMarksMessages(t *testing.T) {
	st := newFakeStore()
	st.pending = pendingMessages()
	model := &fakeLLM{responses: []string{"NONE"}}

	stats, err := New(st, model, Config{}).Run(context.Background(), "u1")
	require.NoError(t, err)

	assert.Zero(t, stats.Facts)
	assert.Empty(t, st.inserted)
	assert.Equal(t, []int64{1, 2}, st.marked)
	assert.Zero(t, st.txCalls)
}

func TestRunNoPendingIsNoop(t *testing.T) {
	st := newFakeStore()
	model := &fakeLLM{}

	stats, err := New(st, model, Config{}).Run(context.Background(), "u1")
	require.NoError(t, err)

	assert.Zero(t, stats.MessagesMarked)
	assert.Zero(t, model.calls)
	assert.Empty(t, st.marked)
}

func TestRunUpdatesExistingMemory(t *testing.T) {
	st := newFakeStore()
	st.pending = pendingMessages()
	st.nearby = []*domain.RelatedMemory{
		{Memory: domain.Memory{ID: 42, UserID: "u1", Content: "User lives in Hamburg"}, Similarity: 0.9},
	}
	model := &fakeLLM{responses: []string{
		`{"facts": ["User lives in Berlin"]}`,
		`{"memory":[{"id":"0","text":"User lives in Berlin","event":"UPDATE","old_memory":"User lives in Hamburg"}]}`,
	}}

	stats, err := New(st, model, Config{}).Run(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, "User lives in Berlin", st.updated[42])
	assert.Empty(t, st.inserted)
}

func TestRunRepairsUnknownIDViaNoneTransplant(t *testing.T) {
	st := newFakeStore()
	st.pending = pendingMessages()
	st.nearby = []*domain.RelatedMemory{
		{Memory: domain.Memory{ID: 42, UserID: "u1", Content: "User lives in Hamburg"}, Similarity: 0.9},
	}
	// The model invents id "9" but the NONE action's text matches the
	// invalid action's old_memory, so the event transplants onto it.
	model := &fakeLLM{responses: []string{
		`{"facts": ["User lives in Berlin"]}`,
		`{"memory":[
			{"id":"0","text":"User lives in Hamburg","event":"NONE"},
			{"id":"9","text":"User lives in Berlin","event":"UPDATE","old_memory":"User lives in Hamburg"}
		]}`,
	}}

	stats, err := New(st, model, Config{}).Run(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Updated)
	assert.Zero(t, stats.Unchanged)
	assert.Equal(t, "User lives in Berlin", st.updated[42])
	assert.Equal(t, 2, model.calls)
}

func TestRunRetriesThenDropsUnknownIDs(t *testing.T) {
	st := newFakeStore()
	st.pending = pendingMessages()
	st.nearby = []*domain.RelatedMemory{
		{Memory: domain.Memory{ID: 42, UserID: "u1", Content: "User lives in Hamburg"}, Similarity: 0.9},
	}
	bad := `{"memory":[{"id":"9","text":"x","event":"DELETE","old_memory":"no such text"}]}`
	model := &fakeLLM{responses: []string{
		`{"facts": ["User lives in Berlin"]}`,
		bad, bad,
	}}

	stats, err := New(st, model, Config{MaxRetries: 2}).Run(context.Background(), "u1")
	require.NoError(t, err)

	assert.Empty(t, st.deleted)
	// The dropped action leaves the fact uncovered, so backfill adds it.
	assert.Equal(t, 1, stats.Added)
	assert.Equal(t, []string{"User lives in Berlin"}, st.inserted)
	assert.Equal(t, 3, model.calls)
}

func TestRunBackfillsUncoveredFacts(t *testing.T) {
	st := newFakeStore()
	st.pending = pendingMessages()
	st.nearby = []*domain.RelatedMemory{
		{Memory: domain.Memory{ID: 42, UserID: "u1", Content: "User likes coffee"}, Similarity: 0.8},
	}
	// Model says nothing changes, but the new fact matches no surviving
	// memory text.
	model := &fakeLLM{responses: []string{
		`{"facts": ["User lives in Berlin"]}`,
		`{"memory":[{"id":"0","text":"User likes coffee","event":"NONE"}]}`,
	}}

	stats, err := New(st, model, Config{}).Run(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Unchanged)
	assert.Equal(t, 1, stats.Added)
	assert.Equal(t, []string{"User lives in Berlin"}, st.inserted)
}

func TestBackfillSkipsCoveredFacts(t *testing.T) {
	existing := []promptMemory{{ID: "0", Text: "User lives in Berlin, Germany"}}
	actions := []Action{{ID: "0", Text: "User lives in Berlin, Germany", Event: EventNone}}

	out := backfillAdds(actions, existing, []string{"user lives in berlin"})
	assert.Equal(t, actions, out)
}

func TestBackfillSeesUpdatedTexts(t *testing.T) {
	existing := []promptMemory{{ID: "0", Text: "User lives in Hamburg"}}
	actions := []Action{{ID: "0", Text: "User lives in Berlin", Event: EventUpdate, OldMemory: "User lives in Hamburg"}}

	out := backfillAdds(actions, existing, []string{"User lives in Berlin"})
	assert.Equal(t, actions, out)
}
