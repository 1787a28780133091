package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/chatrag/api"
	"github.com/becomeliminal/chatrag/core"
	embedmock "github.com/becomeliminal/chatrag/embedder/mock"
	genmock "github.com/becomeliminal/chatrag/generator/mock"
	"github.com/becomeliminal/chatrag/index"
	"github.com/becomeliminal/chatrag/rag"
	"github.com/becomeliminal/chatrag/storage/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type env struct {
	server    *api.Server
	store     *sqlite.Store
	generator *genmock.Generator
}

func setup(t *testing.T, config *api.Config) *env {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chatrag.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ix, err := index.New(ctx, store)
	require.NoError(t, err)

	gen := genmock.New("The picnic is on Sunday.")
	pipeline, err := rag.New(rag.Deps{
		Embedder:  embedmock.New(),
		Generator: gen,
		Index:     ix,
		Groups:    store,
		Messages:  store,
	}, &rag.Config{TopK: 8, ContextBudget: 3000, MaxAnswerTokens: 512, MaxSummaryTokens: 1024,
		SummaryChunks: 20, Concurrency: 2, IdleFlush: time.Minute})
	require.NoError(t, err)
	t.Cleanup(pipeline.Close)

	require.NoError(t, store.UpsertGroup(ctx, core.Group{ID: "g1", Name: "Family", Managed: true}))
	require.NoError(t, store.UpsertGroup(ctx, core.Group{ID: "g2", Name: "Book club"}))

	return &env{server: api.New(pipeline, store, config), store: store, generator: gen}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	e := setup(t, nil)
	w := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMessagesThenAsk(t *testing.T) {
	e := setup(t, nil)
	base := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

	w := e.do(t, http.MethodPost, "/api/messages", []core.Message{
		{ID: "m1", GroupID: "g1", SenderID: "alice", Timestamp: base, Text: "picnic on sunday"},
		{ID: "m2", GroupID: "g1", SenderID: "bob", Timestamp: base.Add(2 * time.Hour), Text: "bring blankets"},
		{ID: "m3", GroupID: "g2", SenderID: "carol", Timestamp: base, Text: "chapter five"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decode[rag.IngestResult](t, w)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, 1, res.Chunks)

	// Redelivery of a single message is recognised by the store.
	w = e.do(t, http.MethodPost, "/api/messages", core.Message{ID: "m1", GroupID: "g1", Timestamp: base, Text: "picnic on sunday"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, decode[rag.IngestResult](t, w).Duplicates)

	w = e.do(t, http.MethodPost, "/api/ask", api.AskRequest{GroupID: "g1", Question: "when is the picnic?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	answer := decode[api.AnswerResponse](t, w)
	assert.Equal(t, "The picnic is on Sunday.", answer.Answer)
	assert.Len(t, answer.CitedChunkIDs, 1)
	assert.Contains(t, e.generator.LastPrompt(), "picnic on sunday")
}

func TestAsk_Errors(t *testing.T) {
	e := setup(t, nil)

	w := e.do(t, http.MethodPost, "/api/ask", map[string]string{"group_id": "g1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/ask", api.AskRequest{GroupID: "g2", Question: "anything?"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	start := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	w = e.do(t, http.MethodPost, "/api/ask", api.AskRequest{GroupID: "g1", Question: "x", Start: &start, End: &end})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSummarize_RecordsSync(t *testing.T) {
	e := setup(t, nil)

	w := e.do(t, http.MethodPost, "/api/summarize", api.SummarizeRequest{GroupID: "g1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	g, err := e.store.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.NotNil(t, g.LastSummarySync)
}

func TestGroups(t *testing.T) {
	e := setup(t, nil)

	w := e.do(t, http.MethodGet, "/api/groups", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []api.GroupResponse{
		{GroupJID: "g2", GroupName: "Book club"},
		{GroupJID: "g1", GroupName: "Family", Managed: true},
	}, decode[[]api.GroupResponse](t, w))

	w = e.do(t, http.MethodPost, "/api/groups/g2/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[api.GroupResponse](t, w).Managed)

	w = e.do(t, http.MethodPost, "/api/groups/nope/toggle", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/api/groups/update", []api.GroupUpdate{
		{GroupJID: "g1", Managed: false},
		{GroupJID: "unknown", Managed: true},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","updated":2}`, w.Body.String())

	name := "Neighbours"
	w = e.do(t, http.MethodPut, "/api/groups/g3", api.PutGroupRequest{Name: &name, Managed: true})
	require.Equal(t, http.StatusOK, w.Code)

	ctx := context.Background()
	g1, err := e.store.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, g1.Managed)
	g3, err := e.store.GetGroup(ctx, "g3")
	require.NoError(t, err)
	assert.Equal(t, core.Group{ID: "g3", Name: "Neighbours", Managed: true}, g3)
}

func TestLoadCustomTopics(t *testing.T) {
	e := setup(t, nil)

	w := e.do(t, http.MethodPost, "/load_custom_topics", []api.TopicRequest{
		{Subject: "Parking", Summary: "Behind the school."},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, "success", body["status"])
	assert.EqualValues(t, 1, body["count"])

	w = e.do(t, http.MethodPost, "/api/groups/update", []api.GroupUpdate{{GroupJID: "g1", Managed: false}})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/load_custom_topics", []api.TopicRequest{{Subject: "a", Summary: "b"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"error","message":"No managed groups found"}`, w.Body.String())
}

func TestDeleteChunks(t *testing.T) {
	e := setup(t, nil)

	w := e.do(t, http.MethodDelete, "/api/groups/g1/chunks?before=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodDelete, "/api/groups/g1/chunks?before=2030-01-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":0}`, w.Body.String())
}

func TestBasicAuth(t *testing.T) {
	e := setup(t, &api.Config{BasicAuthUser: "bot", BasicAuthPassword: "secret"})

	w := e.do(t, http.MethodGet, "/api/groups", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	req.SetBasicAuth("bot", "secret")
	w = httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open for probes.
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", nil).Code)
}

// failing is a Service whose every call fails with err.
type failing struct{ err error }

func (f failing) Ask(context.Context, core.Query) (*core.Answer, error) { return nil, f.err }
func (f failing) Summarize(context.Context, string, *core.TimeRange) (*core.Answer, error) {
	return nil, f.err
}
func (f failing) Ingest(context.Context, []core.Message) (rag.IngestResult, error) {
	return rag.IngestResult{}, f.err
}
func (f failing) LoadTopics(context.Context, []core.Topic) (rag.TopicsResult, error) {
	return rag.TopicsResult{}, f.err
}
func (f failing) Retain(context.Context, string, time.Time) (int, error) { return 0, f.err }

func TestDegradedProvidersReturn503(t *testing.T) {
	for _, sentinel := range []error{core.ErrEmbeddingUnavailable, core.ErrGenerationUnavailable} {
		err := fmt.Errorf("generate answer: %w after 3 attempts: %w", sentinel, fmt.Errorf("status 529"))
		e := &env{server: api.New(failing{err}, nil, nil)}

		w := e.do(t, http.MethodPost, "/api/ask", api.AskRequest{GroupID: "g1", Question: "hi"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, rag.DegradedMessage), w.Body.String())

		w = e.do(t, http.MethodPost, "/api/summarize", api.SummarizeRequest{GroupID: "g1"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	}

	e := &env{server: api.New(failing{fmt.Errorf("boom")}, nil, nil)}
	w := e.do(t, http.MethodPost, "/api/ask", api.AskRequest{GroupID: "g1", Question: "hi"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = e.do(t, http.MethodGet, "/api/groups", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
