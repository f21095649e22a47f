package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mentora/mentora/internal/conversation"
	"github.com/mentora/mentora/internal/feedback"
	"github.com/mentora/mentora/internal/generate"
	"github.com/mentora/mentora/internal/index"
	"github.com/mentora/mentora/internal/prompt"
	"github.com/mentora/mentora/internal/rank"
	"github.com/mentora/mentora/internal/testutil"
)

const testDimension = 8

// fakeConversations is an in-memory conversation store.
type fakeConversations struct {
	convs   map[uuid.UUID][]conversation.Message
	appends []conversation.Message
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{convs: map[uuid.UUID][]conversation.Message{}}
}

func (f *fakeConversations) Create(_ context.Context, contextMap map[string]string) (conversation.Conversation, error) {
	id := uuid.New()
	f.convs[id] = nil
	return conversation.Conversation{ID: id, Context: contextMap, CreatedAt: time.Now()}, nil
}

func (f *fakeConversations) Append(_ context.Context, conversationID uuid.UUID, role, content string) (conversation.Message, error) {
	msgs, ok := f.convs[conversationID]
	if !ok {
		return conversation.Message{}, conversation.ErrNotFound
	}
	msg := conversation.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Seq:            len(msgs) + 1,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	f.convs[conversationID] = append(msgs, msg)
	f.appends = append(f.appends, msg)
	return msg, nil
}

func (f *fakeConversations) Recent(_ context.Context, conversationID uuid.UUID, limit int) ([]conversation.Message, error) {
	msgs, ok := f.convs[conversationID]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeConversations) RecentContext(ctx context.Context, conversationID uuid.UUID, _ int) ([]conversation.Message, error) {
	return f.Recent(ctx, conversationID, 100)
}

// fakeGenerator returns a canned answer or a canned failure.
type fakeGenerator struct {
	answer  string
	err     error
	prompts []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

// fakeAggregator serves fixed weights and records submissions.
type fakeAggregator struct {
	weights     map[uuid.UUID]float64
	submissions []int
}

func (f *fakeAggregator) Weights() map[uuid.UUID]float64 { return f.weights }

func (f *fakeAggregator) Submit(_ context.Context, responseID uuid.UUID, rating int, comments string) (feedback.Entry, error) {
	f.submissions = append(f.submissions, rating)
	return feedback.Entry{ID: uuid.New(), ResponseID: responseID, Rating: rating, Comments: comments}, nil
}

// fakeLog is an in-memory query log.
type fakeLog struct {
	queries   []QueryRecord
	responses []ResponseRecord
}

func (f *fakeLog) RecordQuery(_ context.Context, q QueryRecord) (QueryRecord, error) {
	q.CreatedAt = time.Now()
	f.queries = append(f.queries, q)
	return q, nil
}

func (f *fakeLog) RecordResponse(_ context.Context, r ResponseRecord) (ResponseRecord, error) {
	r.CreatedAt = time.Now()
	f.responses = append(f.responses, r)
	return r, nil
}

func (f *fakeLog) RecentQueries(_ context.Context, limit int) ([]QueryRecord, error) {
	out := make([]QueryRecord, 0, limit)
	for i := len(f.queries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.queries[i])
	}
	return out, nil
}

type fixture struct {
	pipeline *Pipeline
	convs    *fakeConversations
	gen      *fakeGenerator
	agg      *fakeAggregator
	log      *fakeLog
	idx      *index.Index
	emb      *testutil.FakeEmbedder
}

func setup(t *testing.T) *fixture {
	t.Helper()

	idx, err := index.New(testDimension)
	if err != nil {
		t.Fatal(err)
	}
	ranker, err := rank.New(0.25, 0.1, 2)
	if err != nil {
		t.Fatal(err)
	}
	assembler, err := prompt.New("Answer using the cited sources.", 8000, 0.3)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		convs: newFakeConversations(),
		gen:   &fakeGenerator{answer: "a generated answer"},
		agg:   &fakeAggregator{weights: map[uuid.UUID]float64{}},
		log:   &fakeLog{},
		idx:   idx,
		emb:   &testutil.FakeEmbedder{Dimension: testDimension},
	}

	p, err := New(Config{TopK: 5, ContextBudget: 4000},
		f.convs, f.emb, idx, ranker, assembler, f.gen, f.agg, f.log, testutil.DiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	f.pipeline = p
	return f
}

// seedIndex adds count chunks for one document in the given module, with
// vectors close to the fake embedding of the given text.
func (f *fixture) seedIndex(t *testing.T, module string, count int, nearText string) uuid.UUID {
	t.Helper()
	base, err := f.emb.Embed(context.Background(), nearText)
	if err != nil {
		t.Fatal(err)
	}
	docID := uuid.New()
	for i := 0; i < count; i++ {
		vec := make([]float32, len(base))
		copy(vec, base)
		vec[0] += float32(i) * 0.01 // near, not identical
		err := f.idx.Upsert(index.Entry{
			ChunkID:           uuid.New(),
			DocumentID:        docID,
			DocumentType:      "reference",
			Module:            module,
			Topic:             "estimation",
			DocumentUpdatedAt: time.Now(),
			Ordinal:           i,
			Text:              fmt.Sprintf("%s passage %d in %s", nearText, i, module),
			Vector:            vec,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return docID
}

func TestQuery_EmptyText(t *testing.T) {
	f := setup(t)
	if _, err := f.pipeline.Query(context.Background(), Request{Text: "  "}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestQuery_FilteredAndOrdered(t *testing.T) {
	f := setup(t)
	question := "How do I calculate a confidence interval?"
	f.seedIndex(t, "confidence_intervals", 4, question)
	f.seedIndex(t, "hypothesis_testing", 4, question)

	result, err := f.pipeline.Query(context.Background(), Request{
		Text:    question,
		Filters: index.Filters{Modules: []string{"confidence_intervals"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.Answer != "a generated answer" {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
	if len(result.Sources) == 0 || len(result.Sources) > 5 {
		t.Fatalf("expected 1-5 sources, got %d", len(result.Sources))
	}
	for i, src := range result.Sources {
		if src.Module != "confidence_intervals" {
			t.Errorf("source %d violates the module filter: %q", i, src.Module)
		}
		if i > 0 && src.Score > result.Sources[i-1].Score {
			t.Errorf("sources not in descending score order at %d", i)
		}
	}
}

func TestQuery_DiversityCapAcrossDocuments(t *testing.T) {
	f := setup(t)
	question := "What is sampling error?"
	f.seedIndex(t, "stats", 4, question)
	f.seedIndex(t, "stats", 4, question)

	result, err := f.pipeline.Query(context.Background(), Request{Text: question})
	if err != nil {
		t.Fatal(err)
	}
	perDoc := map[uuid.UUID]int{}
	for _, src := range result.Sources {
		perDoc[src.DocumentID]++
	}
	for docID, n := range perDoc {
		if n > 2 {
			t.Errorf("document %s cited %d times, cap is 2", docID, n)
		}
	}
}

func TestQuery_ImplicitConversation(t *testing.T) {
	f := setup(t)
	f.seedIndex(t, "stats", 2, "what is variance?")

	result, err := f.pipeline.Query(context.Background(), Request{Text: "what is variance?"})
	if err != nil {
		t.Fatal(err)
	}
	if result.ConversationID == uuid.Nil {
		t.Fatal("no conversation created implicitly")
	}

	msgs, err := f.pipeline.RecentMessages(context.Background(), result.ConversationID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user and assistant turns, got %d messages", len(msgs))
	}
	if msgs[0].Role != conversation.RoleUser || msgs[1].Role != conversation.RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestQuery_HistoryFlowsIntoPrompt(t *testing.T) {
	f := setup(t)
	f.seedIndex(t, "stats", 2, "follow-up question")

	first, err := f.pipeline.Query(context.Background(), Request{Text: "initial question about intervals"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.pipeline.Query(context.Background(), Request{
		Text:           "follow-up question",
		ConversationID: &first.ConversationID,
	})
	if err != nil {
		t.Fatal(err)
	}

	last := f.gen.prompts[len(f.gen.prompts)-1]
	if !strings.Contains(last, "initial question about intervals") {
		t.Error("earlier turns missing from the follow-up prompt")
	}
}

// Generation failure still yields the retrieved sources and persists the
// query, but no response row and no assistant turn.
func TestQuery_GenerationFailureReturnsSources(t *testing.T) {
	f := setup(t)
	f.gen.err = fmt.Errorf("%w: backend down", generate.ErrUnavailable)
	question := "How do I calculate a confidence interval?"
	f.seedIndex(t, "confidence_intervals", 3, question)

	result, err := f.pipeline.Query(context.Background(), Request{Text: question})
	if !errors.Is(err, generate.ErrUnavailable) {
		t.Fatalf("expected wrapped generate.ErrUnavailable, got %v", err)
	}
	if len(result.Sources) == 0 {
		t.Error("partial result must still carry the retrieved sources")
	}
	if result.Answer != "" || result.ResponseID != uuid.Nil {
		t.Errorf("failed generation must not produce a response: %+v", result)
	}
	if len(f.log.queries) != 1 {
		t.Errorf("query not persisted, have %d records", len(f.log.queries))
	}
	if len(f.log.responses) != 0 {
		t.Errorf("response persisted despite failure: %d", len(f.log.responses))
	}
	for _, msg := range f.convs.appends {
		if msg.Role == conversation.RoleAssistant {
			t.Error("assistant turn appended despite generation failure")
		}
	}
}

func TestQuery_EmptyIndexYieldsNoSources(t *testing.T) {
	f := setup(t)
	result, err := f.pipeline.Query(context.Background(), Request{Text: "anything at all"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Sources) != 0 {
		t.Errorf("expected no sources from an empty index, got %d", len(result.Sources))
	}
}

func TestSubmitFeedback_Delegates(t *testing.T) {
	f := setup(t)
	if _, err := f.pipeline.SubmitFeedback(context.Background(), uuid.New(), 4, "good"); err != nil {
		t.Fatal(err)
	}
	if len(f.agg.submissions) != 1 || f.agg.submissions[0] != 4 {
		t.Errorf("feedback not delegated: %+v", f.agg.submissions)
	}
}

func TestRecentQueries(t *testing.T) {
	f := setup(t)
	f.seedIndex(t, "stats", 1, "q")
	for i := 0; i < 3; i++ {
		if _, err := f.pipeline.Query(context.Background(), Request{Text: fmt.Sprintf("question %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	records, err := f.pipeline.RecentQueries(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Text != "question 2" {
		t.Errorf("newest query first, got %q", records[0].Text)
	}
}
