package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/harun/curie/pkg/commandqueue"
	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/kvstore"
	"github.com/harun/curie/pkg/provider"
	"github.com/harun/curie/pkg/provider/providertest"
	"github.com/harun/curie/pkg/toolexecutor"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *conversation.Store
	queue *commandqueue.CommandQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	queue := commandqueue.New()
	t.Cleanup(func() { _ = queue.Close() })
	return &fixture{
		store: conversation.NewStore(conversation.StoreConfig{KV: kvstore.NewMemory()}),
		queue: queue,
	}
}

func (f *fixture) agent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	cfg.Store = f.store
	cfg.Queue = f.queue
	cfg.Logger = zerolog.Nop()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return a
}

func (f *fixture) load(t *testing.T, key string) conversation.Thread {
	t.Helper()
	thread, ok, err := f.store.Load(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok, "no thread under %s", key)
	return thread
}

type filePlan struct {
	FilePath    string `json:"file_path"`
	Description string `json:"description"`
}

func managerTools(t *testing.T) *toolexecutor.Registry {
	t.Helper()
	reg := toolexecutor.NewRegistry(toolexecutor.Options{})
	require.NoError(t, reg.Register(toolexecutor.ToolDefinition{
		Name:        "get_files_with_description",
		Description: "Plan the files needed for a feature",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "problem_statement", Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"files": []filePlan{{FilePath: "src/app/page.tsx", Description: "todo list page"}}}, nil
		},
	}))
	require.NoError(t, reg.Register(toolexecutor.ToolDefinition{
		Name:        "fail",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("disk on fire")
		},
	}))
	return reg
}

func roles(thread conversation.Thread) []conversation.Role {
	out := make([]conversation.Role, len(thread))
	for i, m := range thread {
		out[i] = m.Role
	}
	return out
}

func TestAgent_InstructionStyleCoder(t *testing.T) {
	f := newFixture(t)
	fake := providertest.New(provider.KindInstruction, providertest.Text("export default function Page(){}"))

	a := f.agent(t, Config{
		Role: "coder", SessionID: "u1", Instructions: "You write pages.",
		Provider: fake, Tools: managerTools(t),
	})

	thread, err := a.Run(context.Background(), "a landing page", RunOptions{})
	require.NoError(t, err)

	require.Len(t, thread, 3)
	assert.Equal(t, []conversation.Role{conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant}, roles(thread))
	last := thread[2]
	assert.Equal(t, conversation.TagCode, last.Tag)
	assert.Equal(t, "export default function Page(){}", last.Text())
	assert.Empty(t, last.ToolCalls)

	require.Equal(t, 1, fake.Calls())
	assert.Empty(t, fake.Requests()[0].Tools)

	assert.Equal(t, thread, f.load(t, conversation.OverallKey("u1")))
	assert.Len(t, f.load(t, conversation.AgentKey("coder", "u1")), 3)
}

func TestAgent_ManagerToolRound(t *testing.T) {
	f := newFixture(t)
	fake := providertest.New(provider.KindCompletion,
		providertest.ToolCalls(providertest.Call("c1", "get_files_with_description", map[string]any{"problem_statement": "todo app"})),
		providertest.Text("Here is the plan."),
	)

	a := f.agent(t, Config{
		Role: "manager", SessionID: "u1", Instructions: "You are the manager.",
		Provider: fake, Tools: managerTools(t),
	})

	thread, err := a.Run(context.Background(), "build a todo app", RunOptions{})
	require.NoError(t, err)

	require.Len(t, thread, 5)
	assert.Equal(t, []conversation.Role{
		conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant,
		conversation.RoleTool, conversation.RoleAssistant,
	}, roles(thread))

	assistant := thread[2]
	assert.Nil(t, assistant.Content)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "c1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "manager", assistant.AgentName)

	tool := thread[3]
	assert.Equal(t, "c1", tool.ToolCallID)
	assert.Equal(t, "get_files_with_description", tool.Name)
	assert.Equal(t, conversation.TagJSONFiles, tool.Tag)
	assert.JSONEq(t, `{"files":[{"file_path":"src/app/page.tsx","description":"todo list page"}]}`, tool.Text())

	assert.Equal(t, "Here is the plan.", thread[4].Text())
	assert.Empty(t, thread.PendingToolCalls())

	requests := fake.Requests()
	require.Len(t, requests, 2)
	assert.Len(t, requests[0].Tools, 2)
	assert.Empty(t, requests[1].Tools, "bound reached: final turn offers no tools")
	assert.Len(t, requests[1].Thread, 4)
	assert.Empty(t, requests[1].Thread.PendingToolCalls())
}

func TestAgent_ExpiredThreadStartsFresh(t *testing.T) {
	mr := miniredis.RunT(t)
	kv := kvstore.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	store := conversation.NewStore(conversation.StoreConfig{KV: kv, TTL: time.Hour})
	ctx := context.Background()

	old := conversation.NewThread("route").Append(conversation.UserMessage("old question"))
	require.NoError(t, store.Save(ctx, conversation.AgentKey("router", "u2"), old))
	require.NoError(t, store.Save(ctx, conversation.OverallKey("u2"), old))

	mr.FastForward(2 * time.Hour)

	a, err := New(ctx, Config{
		Role: "router", SessionID: "u2", Instructions: "route",
		Provider: providertest.New(provider.KindCompletion), Store: store, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	assert.Equal(t, conversation.NewThread("route"), a.Thread())
	assert.Equal(t, conversation.NewThread("route"), a.OverallThread())
}

func TestAgent_SystemMessageInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("fresh agents start with their instructions", func(t *testing.T) {
		a := f.agent(t, Config{Role: "manager", SessionID: "s1", Instructions: "v1", Provider: providertest.New(provider.KindCompletion)})
		thread := a.Thread()
		require.Len(t, thread, 1)
		assert.Equal(t, conversation.RoleSystem, thread[0].Role)
		assert.Equal(t, "v1", thread[0].Text())
	})

	t.Run("changed instructions replace the stored head of the local thread", func(t *testing.T) {
		prior := conversation.NewThread("v1").Append(conversation.UserMessage("hi"))
		require.NoError(t, f.store.Save(ctx, conversation.AgentKey("editor", "s2"), prior))
		require.NoError(t, f.store.Save(ctx, conversation.OverallKey("s2"), prior))

		a := f.agent(t, Config{Role: "editor", SessionID: "s2", Instructions: "v2", Provider: providertest.New(provider.KindCompletion)})

		thread := a.Thread()
		require.Len(t, thread, 2)
		assert.Equal(t, "v2", thread[0].Text())
		assert.Equal(t, "hi", thread[1].Text())
		assert.Equal(t, prior, a.OverallThread())
	})
}

func TestAgent_UnknownToolIsReportedNotRaised(t *testing.T) {
	f := newFixture(t)
	fake := providertest.New(provider.KindCompletion,
		providertest.ToolCalls(providertest.Call("c1", "search_web", map[string]any{"q": "x"})),
		providertest.Text("Sorry, I cannot search."),
	)

	a := f.agent(t, Config{Role: "manager", SessionID: "u3", Instructions: "m", Provider: fake, Tools: managerTools(t)})

	thread, err := a.Run(context.Background(), "search", RunOptions{})
	require.NoError(t, err)
	require.Len(t, thread, 5)

	tool := thread[3]
	assert.Equal(t, conversation.RoleTool, tool.Role)
	assert.Equal(t, "c1", tool.ToolCallID)
	assert.Equal(t, conversation.TagError, tool.Tag)
	assert.JSONEq(t, `{"error":"unknown tool: search_web"}`, tool.Text())
	assert.Equal(t, "Sorry, I cannot search.", thread[4].Text())
}

func TestAgent_UnknownToolWithoutRegistry(t *testing.T) {
	f := newFixture(t)
	fake := providertest.New(provider.KindCompletion,
		providertest.ToolCalls(providertest.Call("c1", "anything", nil)),
		providertest.Text("done"),
	)

	a := f.agent(t, Config{Role: "editor", SessionID: "u4", Instructions: "e", Provider: fake})

	thread, err := a.Run(context.Background(), "go", RunOptions{})
	require.NoError(t, err)
	assert.Len(t, thread, 5)
	assert.Empty(t, thread.PendingToolCalls())
}

func TestAgent_ToolFailureIsData(t *testing.T) {
	f := newFixture(t)
	fake := providertest.New(provider.KindCompletion,
		providertest.ToolCalls(providertest.Call("c1", "fail", nil)),
		providertest.Text("The tool failed."),
	)

	a := f.agent(t, Config{Role: "manager", SessionID: "u5", Instructions: "m", Provider: fake, Tools: managerTools(t)})

	thread, err := a.Run(context.Background(), "try", RunOptions{})
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(thread[3].Text()), &payload))
	assert.Equal(t, "tool fail failed: disk on fire", payload["error"])
	assert.Equal(t, "The tool failed.", thread[4].Text())
}

func TestAgent_LoopBound(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		f := newFixture(t)
		fake := providertest.New(provider.KindCompletion)
		for i := 0; i < n; i++ {
			fake.Push(providertest.ToolCalls(providertest.Call("c"+string(rune('0'+i)), "get_files_with_description",
				map[string]any{"problem_statement": "x"})))
		}
		// Ignores that no tools were offered.
		fake.Push(providertest.ToolCalls(providertest.Call("extra", "get_files_with_description",
			map[string]any{"problem_statement": "x"})))

		a := f.agent(t, Config{
			Role: "manager", SessionID: "bound", Instructions: "m",
			MaxToolCalls: n, Provider: fake, Tools: managerTools(t),
		})

		thread, err := a.Run(context.Background(), "loop", RunOptions{})
		require.NoError(t, err)

		toolMessages := 0
		for _, m := range thread {
			if m.Role == conversation.RoleTool {
				toolMessages++
			}
		}
		assert.Equal(t, n, toolMessages, "max tool calls %d", n)
		assert.Equal(t, n+1, fake.Calls())

		last, _ := thread.Last()
		assert.Equal(t, conversation.RoleAssistant, last.Role)
		assert.Empty(t, last.ToolCalls, "calls beyond the bound are dropped")
		assert.Empty(t, thread.PendingToolCalls())
	}
}

func TestAgent_BackendErrorPersistsPartialTurn(t *testing.T) {
	f := newFixture(t)
	fake := providertest.New(provider.KindCompletion,
		providertest.ToolCalls(providertest.Call("c1", "get_files_with_description", map[string]any{"problem_statement": "todo"})),
		providertest.Fail(errors.New("503 service unavailable")),
	)

	a := f.agent(t, Config{Role: "manager", SessionID: "u6", Instructions: "m", Provider: fake, Tools: managerTools(t)})

	_, err := a.Run(context.Background(), "build", RunOptions{})
	var backendErr *provider.BackendError
	require.ErrorAs(t, err, &backendErr)

	persisted := f.load(t, conversation.AgentKey("manager", "u6"))
	assert.Equal(t, []conversation.Role{
		conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant, conversation.RoleTool,
	}, roles(persisted))
	assert.Len(t, f.load(t, conversation.OverallKey("u6")), 4)

	// A resumed turn continues from the persisted point without a second
	// user message.
	fake.Push(providertest.Text("recovered"))
	thread, err := a.Resume(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []conversation.Role{
		conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant,
		conversation.RoleTool, conversation.RoleAssistant,
	}, roles(thread))
	assert.Equal(t, "recovered", thread[4].Text())

	_, err = a.Resume(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestAgent_ResumeAfterFailedFirstCall(t *testing.T) {
	f := newFixture(t)
	fake := providertest.New(provider.KindCompletion,
		providertest.Fail(errors.New("connection reset")),
		providertest.Text("hello"),
	)

	a := f.agent(t, Config{Role: "manager", SessionID: "u6r", Instructions: "m", Provider: fake})

	_, err := a.Run(context.Background(), "hi", RunOptions{})
	require.Error(t, err)

	thread, err := a.Run(context.Background(), "ignored", RunOptions{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, []conversation.Role{
		conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant,
	}, roles(thread))
	assert.Equal(t, "hi", thread[1].Text())

	users := 0
	for _, msg := range a.Thread() {
		if msg.Role == conversation.RoleUser {
			users++
		}
	}
	assert.Equal(t, 1, users)

	requests := fake.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, requests[0].Thread, requests[1].Thread)
}

func TestAgent_ResumeOnFreshThread(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, Config{Role: "manager", SessionID: "u6f", Instructions: "m", Provider: providertest.New(provider.KindCompletion)})

	_, err := a.Resume(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestAgent_CallerDeadlineDuringTool(t *testing.T) {
	f := newFixture(t)
	reg := toolexecutor.NewRegistry(toolexecutor.Options{Timeout: time.Minute})
	require.NoError(t, reg.Register(toolexecutor.ToolDefinition{
		Name: "slow", Description: "waits for cancellation",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	fake := providertest.New(provider.KindCompletion,
		providertest.ToolCalls(providertest.Call("c1", "slow", nil)),
	)

	a := f.agent(t, Config{Role: "manager", SessionID: "u7", Instructions: "m", Provider: fake, Tools: reg})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := a.Run(ctx, "go", RunOptions{})
	var execErr *toolexecutor.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "slow", execErr.ToolName)

	persisted := f.load(t, conversation.AgentKey("manager", "u7"))
	assert.Len(t, persisted, 4)
	assert.Empty(t, persisted.PendingToolCalls())
}

func TestAgent_OverallThreadIsAppendOnly(t *testing.T) {
	f := newFixture(t)
	fake := providertest.New(provider.KindCompletion,
		providertest.Text("one"),
		providertest.ToolCalls(providertest.Call("c1", "get_files_with_description", map[string]any{"problem_statement": "p"})),
		providertest.Text("two"),
		providertest.Text("three"),
	)
	a := f.agent(t, Config{Role: "manager", SessionID: "u8", Instructions: "m", Provider: fake, Tools: managerTools(t)})

	var previous conversation.Thread
	for _, input := range []string{"a", "b", "c"} {
		thread, err := a.Run(context.Background(), input, RunOptions{})
		require.NoError(t, err)
		require.Greater(t, len(thread), len(previous))
		assert.Equal(t, previous, thread[:len(previous)])
		previous = thread
	}
}

func TestAgent_RolesShareTheOverallThread(t *testing.T) {
	f := newFixture(t)
	manager := f.agent(t, Config{
		Role: "manager", SessionID: "u9", Instructions: "m",
		Provider: providertest.New(provider.KindCompletion, providertest.Text("plan"), providertest.Text("plan 2")),
	})
	coder := f.agent(t, Config{
		Role: "coder", SessionID: "u9", Instructions: "c",
		Provider: providertest.New(provider.KindInstruction, providertest.Text("code")),
	})

	ctx := context.Background()
	_, err := manager.Run(ctx, "first", RunOptions{})
	require.NoError(t, err)
	_, err = coder.Run(ctx, "second", RunOptions{})
	require.NoError(t, err)
	thread, err := manager.Run(ctx, "third", RunOptions{})
	require.NoError(t, err)

	var users []string
	for _, m := range thread {
		if m.Role == conversation.RoleUser {
			users = append(users, m.Text())
		}
	}
	assert.Equal(t, []string{"first", "second", "third"}, users)
	assert.Len(t, thread, 7)
	assert.Equal(t, thread, f.load(t, conversation.OverallKey("u9")))

	// Agent-local threads stay separate.
	assert.Len(t, manager.Thread(), 5)
	assert.Len(t, coder.Thread(), 3)
}

func TestAgent_TurnsOfOneIdentityAreSerialized(t *testing.T) {
	f := newFixture(t)

	var inFlight, maxInFlight int32
	before := func(ctx context.Context, req provider.Request) error {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	}

	// Two instances of the same identity, as after a registry clear.
	var agents []*Agent
	for i := 0; i < 2; i++ {
		fake := providertest.New(provider.KindCompletion, providertest.Text("a"), providertest.Text("b"))
		fake.Before = before
		agents = append(agents, f.agent(t, Config{Role: "manager", SessionID: "same", Instructions: "m", Provider: fake}))
	}

	var wg sync.WaitGroup
	for _, a := range agents {
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(a *Agent) {
				defer wg.Done()
				_, err := a.Run(context.Background(), "hi", RunOptions{})
				assert.NoError(t, err)
			}(a)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Len(t, f.load(t, conversation.OverallKey("same")), 1+4*2)
}

func TestAgent_DifferentIdentitiesRunConcurrently(t *testing.T) {
	f := newFixture(t)

	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	before := func(ctx context.Context, req provider.Request) error {
		arrived <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var wg sync.WaitGroup
	for _, sid := range []string{"a", "b"} {
		fake := providertest.New(provider.KindCompletion, providertest.Text("ok"))
		fake.Before = before
		a := f.agent(t, Config{Role: "manager", SessionID: sid, Instructions: "m", Provider: fake})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Run(context.Background(), "hi", RunOptions{})
			assert.NoError(t, err)
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("turns of different identities did not overlap")
		}
	}
	close(release)
	wg.Wait()
}

func TestAgent_RunStream(t *testing.T) {
	f := newFixture(t)
	fake := providertest.New(provider.KindCompletion,
		providertest.ToolCalls(providertest.Call("c1", "get_files_with_description", map[string]any{"problem_statement": "todo app"})),
		providertest.Text("Here is the plan."),
	)
	a := f.agent(t, Config{Role: "manager", SessionID: "s", Instructions: "m", Provider: fake, Tools: managerTools(t)})

	var deltas []string
	thread, err := a.RunStream(context.Background(), "build", RunOptions{}, func(fr provider.Fragment) error {
		assert.Nil(t, fr.ToolCall)
		deltas = append(deltas, fr.Content)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, thread, 5)
	assert.Equal(t, "c1", thread[2].ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"problem_statement": "todo app"}, thread[2].ToolCalls[0].Arguments)
	assert.Equal(t, "c1", thread[3].ToolCallID)
	assert.Equal(t, "Here is the plan.", thread[4].Text())
	assert.Equal(t, "Here is the plan.", joined(deltas))
}

func TestAgent_RunStreamClientGone(t *testing.T) {
	f := newFixture(t)
	fake := providertest.New(provider.KindInstruction, providertest.Text("export default function Page(){}"))
	a := f.agent(t, Config{Role: "coder", SessionID: "s", Instructions: "c", Provider: fake})

	gone := errors.New("client disconnected")
	_, err := a.RunStream(context.Background(), "page", RunOptions{}, func(provider.Fragment) error { return gone })
	assert.ErrorIs(t, err, gone)

	// The user message is kept so a retry does not lose it.
	assert.Len(t, f.load(t, conversation.AgentKey("coder", "s")), 2)
}

func TestAgent_ParallelToolsKeepRequestOrder(t *testing.T) {
	f := newFixture(t)
	reg := toolexecutor.NewRegistry(toolexecutor.Options{})
	require.NoError(t, reg.Register(toolexecutor.ToolDefinition{
		Name: "sleep", Description: "sleeps for ms",
		Parameters: []toolexecutor.ToolParameter{{Name: "ms", Type: "integer", Required: true}},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			ms, _ := params["ms"].(float64)
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return params["ms"], nil
		},
	}))

	fake := providertest.New(provider.KindCompletion,
		providertest.ToolCalls(
			providertest.Call("slow", "sleep", map[string]any{"ms": float64(40)}),
			providertest.Call("fast", "sleep", map[string]any{"ms": float64(1)}),
		),
		providertest.Text("done"),
	)
	a := f.agent(t, Config{Role: "manager", SessionID: "p", Instructions: "m", Provider: fake, Tools: reg, ParallelTools: true})

	thread, err := a.Run(context.Background(), "go", RunOptions{})
	require.NoError(t, err)
	require.Len(t, thread, 6)
	assert.Equal(t, "slow", thread[3].ToolCallID)
	assert.Equal(t, "fast", thread[4].ToolCallID)
}

func TestAgent_ResponseFormat(t *testing.T) {
	f := newFixture(t)
	fake := providertest.New(provider.KindCompletion,
		providertest.Text(`{"agent":"coder_agent"}`),
		providertest.Text(`plain`),
	)
	a := f.agent(t, Config{
		Role: "router", SessionID: "r", Instructions: "route",
		ResponseFormat: provider.FormatJSON, Provider: fake,
	})

	_, err := a.Run(context.Background(), "write code", RunOptions{})
	require.NoError(t, err)
	_, err = a.Run(context.Background(), "write code", RunOptions{ResponseFormat: provider.FormatJSON})
	require.NoError(t, err)

	for _, req := range fake.Requests() {
		assert.Equal(t, provider.FormatJSON, req.ResponseFormat)
	}
}

func TestNew_Validation(t *testing.T) {
	store := conversation.NewStore(conversation.StoreConfig{KV: kvstore.NewMemory()})
	p := providertest.New(provider.KindCompletion)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing role", Config{SessionID: "s", Provider: p, Store: store}},
		{"missing session", Config{Role: "r", Provider: p, Store: store}},
		{"missing provider", Config{Role: "r", SessionID: "s", Store: store}},
		{"missing store", Config{Role: "r", SessionID: "s", Provider: p}},
		{"negative bound", Config{Role: "r", SessionID: "s", Provider: p, Store: store, MaxToolCalls: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			assert.Error(t, err)
		})
	}
}

func joined(parts []string) string {
	out := ""
	for _, p := range parts {
		out += p
	}
	return out
}
