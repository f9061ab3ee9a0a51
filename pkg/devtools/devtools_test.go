package devtools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/curie/pkg/kvstore"
	"github.com/harun/curie/pkg/provider"
	"github.com/harun/curie/pkg/provider/providertest"
	"github.com/harun/curie/pkg/toolexecutor"
	"github.com/harun/curie/pkg/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type keywordEmbedder struct{ keywords []string }

func (e keywordEmbedder) Dimension() int { return len(e.keywords) }

func (e keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, len(e.keywords))
		for j, k := range e.keywords {
			v[j] = 0.01 + float32(strings.Count(strings.ToLower(text), k))
		}
		out[i] = v
	}
	return out, nil
}

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Dimension() int { return m.Called().Int(0) }

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	vectors, _ := args.Get(0).([][]float32)
	return vectors, args.Error(1)
}

func newWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src/app"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src/app/page.tsx"), []byte("export default function Page(){}"), 0644))
	return root
}

func TestRegister(t *testing.T) {
	t.Run("should register only tools whose dependencies are set", func(t *testing.T) {
		reg := toolexecutor.NewRegistry(toolexecutor.Options{})
		names, err := Register(reg, Options{WorkspaceRoot: t.TempDir()})
		require.NoError(t, err)
		assert.Equal(t, []string{ToolReadFileContent}, names)
	})

	t.Run("should register every tool", func(t *testing.T) {
		fake := providertest.New(provider.KindCompletion)
		planner, err := NewPlanner(PlannerConfig{Provider: fake})
		require.NoError(t, err)
		summarizer, err := NewSummarizer(SummarizerConfig{Provider: fake})
		require.NoError(t, err)
		index, err := vectorindex.Open(vectorindex.Config{Path: filepath.Join(t.TempDir(), "i.db"), Dimension: 2})
		require.NoError(t, err)
		defer index.Close()

		reg := toolexecutor.NewRegistry(toolexecutor.Options{})
		names, err := Register(reg, Options{
			WorkspaceRoot: t.TempDir(),
			Planner:       planner,
			Summarizer:    summarizer,
			Index:         index,
			Embedder:      keywordEmbedder{keywords: []string{"a", "b"}},
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{ToolReadFileContent, ToolFilesWithDescription, ToolFileSummary, ToolRelevantFiles}, names)
		assert.Equal(t, "json-files", string(reg.TagFor(ToolFilesWithDescription)))
	})

	t.Run("should require a registry", func(t *testing.T) {
		_, err := Register(nil, Options{})
		assert.Error(t, err)
	})
}

func TestReadFileContent(t *testing.T) {
	root := newWorkspace(t)
	reg := toolexecutor.NewRegistry(toolexecutor.Options{})
	_, err := Register(reg, Options{WorkspaceRoot: root, MaxFileBytes: 10})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("should read workspace files", func(t *testing.T) {
		out, err := reg.Dispatch(ctx, ToolReadFileContent, map[string]any{"file_path": "src/app/page.tsx"})
		require.NoError(t, err)
		assert.Equal(t, "src/app/page.tsx content: \n export def\n[truncated]", out)
	})

	t.Run("should reject paths outside the workspace", func(t *testing.T) {
		for _, p := range []string{"../secret", "/etc/passwd", "file:///etc/passwd", "", "."} {
			_, err := reg.Dispatch(ctx, ToolReadFileContent, map[string]any{"file_path": p})
			var execErr *toolexecutor.ToolExecutionError
			assert.ErrorAs(t, err, &execErr, "path %q", p)
		}
	})

	t.Run("should fail on missing files", func(t *testing.T) {
		_, err := reg.Dispatch(ctx, ToolReadFileContent, map[string]any{"file_path": "nope.ts"})
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestPlanner(t *testing.T) {
	ctx := context.Background()

	t.Run("should request a JSON plan", func(t *testing.T) {
		fake := providertest.New(provider.KindCompletion, providertest.Text(
			`{"files":[{"file_path":"src/app/todo/page.tsx","description":"todo list"}]}`,
		))
		planner, err := NewPlanner(PlannerConfig{Provider: fake, Model: "planner-model"})
		require.NoError(t, err)

		reg := toolexecutor.NewRegistry(toolexecutor.Options{})
		_, err = Register(reg, Options{WorkspaceRoot: t.TempDir(), Planner: planner})
		require.NoError(t, err)

		out, err := reg.Dispatch(ctx, ToolFilesWithDescription, map[string]any{"problem_statement": "todo app"})
		require.NoError(t, err)
		assert.Equal(t, &Plan{Files: []PlannedFile{{FilePath: "src/app/todo/page.tsx", Description: "todo list"}}}, out)

		req := fake.Requests()[0]
		assert.Equal(t, provider.FormatJSON, req.ResponseFormat)
		assert.Equal(t, "planner-model", req.Model)
		require.Len(t, req.Thread, 2)
		assert.Contains(t, req.Thread[0].Text(), `"framework": "next@14"`)
		assert.Contains(t, req.Thread[1].Text(), "'todo app'")
	})

	t.Run("should accept fenced JSON", func(t *testing.T) {
		fake := providertest.New(provider.KindCompletion, providertest.Text("```json\n{\"files\":[]}\n```"))
		planner, err := NewPlanner(PlannerConfig{Provider: fake})
		require.NoError(t, err)
		plan, err := planner.Plan(ctx, "x")
		require.NoError(t, err)
		assert.Empty(t, plan.Files)
	})

	t.Run("should reject invalid output", func(t *testing.T) {
		fake := providertest.New(provider.KindCompletion, providertest.Text("Sure! Here are the files"))
		planner, err := NewPlanner(PlannerConfig{Provider: fake})
		require.NoError(t, err)
		_, err = planner.Plan(ctx, "x")
		assert.ErrorContains(t, err, "invalid JSON")
	})

	t.Run("should surface backend errors", func(t *testing.T) {
		fake := providertest.New(provider.KindCompletion, providertest.Fail(errors.New("down")))
		planner, err := NewPlanner(PlannerConfig{Provider: fake})
		require.NoError(t, err)
		_, err = planner.Plan(ctx, "x")
		var backendErr *provider.BackendError
		assert.ErrorAs(t, err, &backendErr)
	})

	t.Run("should validate configuration", func(t *testing.T) {
		_, err := NewPlanner(PlannerConfig{})
		assert.Error(t, err)
		_, err = NewPlanner(PlannerConfig{Provider: providertest.New(provider.KindCompletion), BaseTemplate: "{not json"})
		assert.Error(t, err)
	})
}

func TestSummarizer(t *testing.T) {
	ctx := context.Background()
	cache := kvstore.NewMemory()
	fake := providertest.New(provider.KindInstruction,
		providertest.Text("Renders the landing page."),
		providertest.Text("Renders the new landing page."),
	)
	summarizer, err := NewSummarizer(SummarizerConfig{Provider: fake, Cache: cache})
	require.NoError(t, err)

	t.Run("should cache summaries per path", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			summary, err := summarizer.Summarize(ctx, "src/app/page.tsx", "v1")
			require.NoError(t, err)
			assert.Equal(t, "Renders the landing page.", summary)
		}
		assert.Equal(t, 1, fake.Calls())

		_, ok, err := cache.Get(ctx, SummaryKey("src/app/page.tsx"))
		require.NoError(t, err)
		assert.True(t, ok)

		req := fake.Requests()[0]
		assert.Contains(t, req.Thread[1].Text(), "src/app/page.tsx with content: \n v1")
	})

	t.Run("should refresh when the content changes", func(t *testing.T) {
		summary, err := summarizer.Summarize(ctx, "src/app/page.tsx", "v2")
		require.NoError(t, err)
		assert.Equal(t, "Renders the new landing page.", summary)
		assert.Equal(t, 2, fake.Calls())
	})

	t.Run("should serve the tool", func(t *testing.T) {
		root := newWorkspace(t)
		fake := providertest.New(provider.KindCompletion, providertest.Text("A page."))
		s, err := NewSummarizer(SummarizerConfig{Provider: fake})
		require.NoError(t, err)

		reg := toolexecutor.NewRegistry(toolexecutor.Options{})
		_, err = Register(reg, Options{WorkspaceRoot: root, Summarizer: s})
		require.NoError(t, err)

		out, err := reg.Dispatch(ctx, ToolFileSummary, map[string]any{"file_path": "src/app/page.tsx"})
		require.NoError(t, err)
		assert.Equal(t, "A page.", out)
	})

	t.Run("should reject empty summaries", func(t *testing.T) {
		s, err := NewSummarizer(SummarizerConfig{Provider: providertest.New(provider.KindCompletion, providertest.Text("  "))})
		require.NoError(t, err)
		_, err = s.Summarize(ctx, "a.ts", "x")
		assert.Error(t, err)
	})
}

func TestRelevantFiles(t *testing.T) {
	ctx := context.Background()
	emb := keywordEmbedder{keywords: []string{"todo", "auth"}}
	index, err := vectorindex.Open(vectorindex.Config{Path: filepath.Join(t.TempDir(), "i.db"), Dimension: emb.Dimension()})
	require.NoError(t, err)
	defer index.Close()

	_, err = index.Upsert(ctx,
		[][]float32{{5, 0.01}, {0.01, 5}, {3, 1}},
		[]map[string]any{{"file": "src/app/todo/page.tsx"}, {"file": "src/app/api/auth/route.ts"}, {"file": "src/lib/todo-store.ts"}},
		[]string{"todo", "auth", "store"},
	)
	require.NoError(t, err)

	reg := toolexecutor.NewRegistry(toolexecutor.Options{})
	_, err = Register(reg, Options{WorkspaceRoot: t.TempDir(), Index: index, Embedder: emb, TopK: 2})
	require.NoError(t, err)

	out, err := reg.Dispatch(ctx, ToolRelevantFiles, map[string]any{"feature_description": "edit todo items"})
	require.NoError(t, err)
	assert.Equal(t, "relevant files: src/app/todo/page.tsx, src/lib/todo-store.ts", out)
}

func TestRelevantFiles_EmbedderFailure(t *testing.T) {
	ctx := context.Background()
	index, err := vectorindex.Open(vectorindex.Config{Path: filepath.Join(t.TempDir(), "i.db"), Dimension: 2})
	require.NoError(t, err)
	defer index.Close()

	emb := &mockEmbedder{}
	emb.On("Embed", mock.Anything, []string{"edit todo items"}).Return(nil, errors.New("quota exceeded"))

	reg := toolexecutor.NewRegistry(toolexecutor.Options{})
	_, err = Register(reg, Options{WorkspaceRoot: t.TempDir(), Index: index, Embedder: emb})
	require.NoError(t, err)

	_, err = reg.Dispatch(ctx, ToolRelevantFiles, map[string]any{"feature_description": "edit todo items"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to embed feature description")
	assert.Contains(t, err.Error(), "quota exceeded")
	emb.AssertExpectations(t)
}
