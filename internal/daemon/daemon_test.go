package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/curie/internal/config"
	"github.com/harun/curie/internal/logger"
	"github.com/harun/curie/pkg/agent"
	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/devtools"
	"github.com/harun/curie/pkg/provider"
	"github.com/harun/curie/pkg/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakes map[string]*providertest.Fake

// withFakeProviders replaces backend construction with scripted fakes, one
// per configured provider name.
func withFakeProviders(t *testing.T) fakes {
	t.Helper()
	created := fakes{}
	original := newProvider
	newProvider = func(cfg provider.Config) (provider.Provider, error) {
		kind := provider.KindCompletion
		if cfg.Type == provider.TypeAnthropic {
			kind = provider.KindInstruction
		}
		fake := providertest.New(kind)
		created[cfg.Name] = fake
		return fake, nil
	}
	t.Cleanup(func() { newProvider = original })
	return created
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Store.Driver = "memory"
	cfg.Tracing.Enabled = false
	cfg.Tools.WorkspaceRoot = dir
	return cfg
}

func createTestDaemon(t *testing.T, cfg *config.Config) (*Daemon, fakes) {
	t.Helper()
	backends := withFakeProviders(t)

	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, backends
}

func TestNew(t *testing.T) {
	t.Run("should wire every core module", func(t *testing.T) {
		d, backends := createTestDaemon(t, testConfig(t))

		assert.NotNil(t, d.queue)
		assert.NotNil(t, d.conversations)
		assert.NotNil(t, d.registry)
		assert.NotNil(t, d.server)
		assert.NotNil(t, d.lifecycle)
		assert.Len(t, backends, 2)
		assert.Nil(t, d.index)
		assert.Nil(t, d.indexer)
	})

	t.Run("should register tools whose dependencies are configured", func(t *testing.T) {
		d, _ := createTestDaemon(t, testConfig(t))

		tools := d.GetTools()
		assert.True(t, tools.Has(devtools.ToolReadFileContent))
		assert.True(t, tools.Has(devtools.ToolFilesWithDescription))
		assert.True(t, tools.Has(devtools.ToolFileSummary))
		assert.False(t, tools.Has(devtools.ToolRelevantFiles))
	})

	t.Run("should reject an invalid config", func(t *testing.T) {
		withFakeProviders(t)
		cfg := testConfig(t)
		cfg.Agents = nil

		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(cfg, log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one agent")
	})

	t.Run("should surface provider construction failures", func(t *testing.T) {
		original := newProvider
		newProvider = func(cfg provider.Config) (provider.Provider, error) {
			return nil, fmt.Errorf("no key")
		}
		defer func() { newProvider = original }()

		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(testConfig(t), log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider openai: no key")
	})
}

func TestDaemon_Agent(t *testing.T) {
	t.Run("should build agents from the role catalog", func(t *testing.T) {
		d, backends := createTestDaemon(t, testConfig(t))
		backends["openai"].Push(providertest.Text("Here is the plan."))

		ctx := context.Background()
		manager, err := d.Agent(ctx, "manager", "s1")
		require.NoError(t, err)
		assert.Equal(t, conversation.Identity{Role: "manager", SessionID: "s1"}, manager.Identity())

		thread, err := manager.Run(ctx, "build a todo app", agent.RunOptions{})
		require.NoError(t, err)
		last, ok := thread.Last()
		require.True(t, ok)
		assert.Equal(t, "Here is the plan.", last.Text())

		requests := backends["openai"].Requests()
		require.Len(t, requests, 1)
		assert.Equal(t, "gpt-4o", requests[0].Model)
		require.Len(t, requests[0].Tools, 1)
		assert.Equal(t, devtools.ToolFilesWithDescription, requests[0].Tools[0].Name)

		again, err := d.Agent(ctx, "manager", "s1")
		require.NoError(t, err)
		assert.Same(t, manager, again)
	})

	t.Run("should give instruction-style roles no tools", func(t *testing.T) {
		d, _ := createTestDaemon(t, testConfig(t))

		coder, err := d.Agent(context.Background(), "coder", "s1")
		require.NoError(t, err)
		assert.Equal(t, provider.KindInstruction, coder.Kind())
	})

	t.Run("should skip tools that are not registered", func(t *testing.T) {
		d, backends := createTestDaemon(t, testConfig(t))
		backends["openai"].Push(providertest.Text("ok"))

		ctx := context.Background()
		editor, err := d.Agent(ctx, "editor", "s1")
		require.NoError(t, err)

		_, err = editor.Run(ctx, "fix the bug", agent.RunOptions{})
		require.NoError(t, err)

		requests := backends["openai"].Requests()
		require.Len(t, requests, 1)
		require.Len(t, requests[0].Tools, 1)
		assert.Equal(t, devtools.ToolReadFileContent, requests[0].Tools[0].Name)
	})

	t.Run("should load instructions from a file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.BaseDir = t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(cfg.BaseDir, "router.md"), []byte("Classify the request."), 0644))
		for i := range cfg.Agents {
			if cfg.Agents[i].Role == "router" {
				cfg.Agents[i].Instructions = ""
				cfg.Agents[i].InstructionsFile = "router.md"
			}
		}
		d, _ := createTestDaemon(t, cfg)

		router, err := d.Agent(context.Background(), "router", "s1")
		require.NoError(t, err)
		thread := router.Thread()
		require.NotEmpty(t, thread)
		assert.Equal(t, conversation.RoleSystem, thread[0].Role)
		assert.Equal(t, "Classify the request.", thread[0].Text())
	})

	t.Run("should reject unknown roles", func(t *testing.T) {
		d, _ := createTestDaemon(t, testConfig(t))

		_, err := d.Agent(context.Background(), "designer", "s1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown role: designer")
	})
}

func TestDaemon_Sessions(t *testing.T) {
	t.Run("should list and clear persisted threads", func(t *testing.T) {
		d, backends := createTestDaemon(t, testConfig(t))
		backends["openai"].Push(providertest.Text("hello"))

		ctx := context.Background()
		manager, err := d.Agent(ctx, "manager", "s1")
		require.NoError(t, err)
		_, err = manager.Run(ctx, "hi", agent.RunOptions{})
		require.NoError(t, err)

		threads, err := d.SessionThreads(ctx, "s1")
		require.NoError(t, err)
		assert.Contains(t, threads, conversation.OverallKey("s1"))
		assert.Contains(t, threads, conversation.AgentKey("manager", "s1"))
		assert.NotContains(t, threads, conversation.AgentKey("coder", "s1"))

		require.NoError(t, d.ClearSession(ctx, "s1"))
		assert.Equal(t, 0, d.GetRegistry().Len())

		threads, err = d.SessionThreads(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, threads)
	})
}

func TestDaemon_IndexDir(t *testing.T) {
	t.Run("should fail when the vector index is disabled", func(t *testing.T) {
		d, _ := createTestDaemon(t, testConfig(t))

		_, err := d.IndexDir(context.Background(), t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vector index is disabled")
	})
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())

	status = d.Status()
	require.True(t, status.Running)
	require.NotEmpty(t, status.Addr)

	_, err := os.Stat(d.lifecycle.PIDFile())
	assert.NoError(t, err)

	resp, err := http.Get("http://" + status.Addr + "/health")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	err = d.Start()
	assert.Error(t, err)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)

	_, err = os.Stat(d.lifecycle.PIDFile())
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, d.Stop())
}
