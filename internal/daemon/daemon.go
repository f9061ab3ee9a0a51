package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/curie/internal/config"
	"github.com/harun/curie/internal/logger"
	"github.com/harun/curie/internal/observability"
	"github.com/harun/curie/internal/tracing"
	"github.com/harun/curie/pkg/agent"
	"github.com/harun/curie/pkg/commandqueue"
	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/devtools"
	"github.com/harun/curie/pkg/kvstore"
	"github.com/harun/curie/pkg/provider"
	"github.com/harun/curie/pkg/server"
	"github.com/harun/curie/pkg/session"
	"github.com/harun/curie/pkg/toolexecutor"
	"github.com/harun/curie/pkg/vectorindex"
	"github.com/rs/zerolog"
)

// Daemon wires the runtime together from a Config.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	// Core modules
	queue         *commandqueue.CommandQueue
	kv            kvstore.Store
	conversations *conversation.Store
	providers     map[string]provider.Provider
	tools         *toolexecutor.Registry
	summarizer    *devtools.Summarizer
	index         *vectorindex.Store
	embedder      vectorindex.Embedder
	registry      *session.Registry

	// Services
	server    *server.Server
	indexer   *vectorindex.Indexer
	lifecycle *LifecycleManager
	listener  net.Listener

	wg        sync.WaitGroup
	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a snapshot of the daemon state.
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
	Agents    int           `json:"agents"`
	Addr      string        `json:"addr,omitempty"`
}

var newProvider = func(cfg provider.Config) (provider.Provider, error) {
	return provider.New(cfg)
}

var newEmbedder = func(cfg vectorindex.EmbedderConfig) vectorindex.Embedder {
	return vectorindex.NewOpenAIEmbedder(cfg)
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config:    cfg,
		logger:    log,
		log:       log.Component("daemon"),
		providers: make(map[string]provider.Provider),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initializeCoreModules builds storage, backends and tools.
func (d *Daemon) initializeCoreModules() error {
	log := d.log

	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	d.queue = commandqueue.New()

	kv, err := kvstore.Open(kvstore.Config{
		Driver:        d.config.Store.Driver,
		Path:          d.config.Store.Path,
		PurgeSchedule: d.config.Store.PurgeSchedule,
		Addr:          d.config.Store.Addr,
		Password:      d.config.Store.Password,
		DB:            d.config.Store.DB,
		URL:           d.config.Store.URL,
	})
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	d.kv = kv
	d.conversations = conversation.NewStore(conversation.StoreConfig{
		KV:     kv,
		TTL:    d.config.Store.TTL,
		Logger: d.logger.Component("store"),
	})
	log.Info().Str("backend", kv.Backend()).Dur("ttl", d.config.Store.TTL).Msg("Conversation store initialized")

	for _, pc := range d.config.Providers {
		p, err := newProvider(provider.Config{
			Name:    pc.Name,
			Type:    pc.Type,
			APIKey:  pc.ResolvedAPIKey(),
			BaseURL: pc.BaseURL,
			Timeout: pc.Timeout,
		})
		if err != nil {
			return fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		d.providers[pc.Name] = p
	}
	log.Info().Int("providers", len(d.providers)).Msg("Providers initialized")

	if d.config.VectorIndex.Enabled {
		if err := d.initializeIndex(); err != nil {
			return err
		}
	}

	if err := d.initializeTools(); err != nil {
		return err
	}

	componentLogger := d.logger.Component("session")
	d.registry = session.NewRegistry(session.Options{
		MaxAgents: d.config.Session.MaxAgents,
		Logger:    &componentLogger,
	})
	return nil
}

func (d *Daemon) initializeIndex() error {
	vc := d.config.VectorIndex
	pc, _ := d.config.Provider(vc.EmbeddingProvider)
	d.embedder = newEmbedder(vectorindex.EmbedderConfig{
		APIKey:  pc.ResolvedAPIKey(),
		BaseURL: pc.BaseURL,
		Model:   vc.EmbeddingModel,
		Timeout: pc.Timeout,
	})

	dimension := vc.Dimension
	if d.embedder.Dimension() != dimension {
		d.log.Warn().
			Int("configured", dimension).
			Int("model", d.embedder.Dimension()).
			Msg("Embedding model dimension overrides the configured one")
		dimension = d.embedder.Dimension()
	}

	indexLogger := d.logger.Component("vectorindex")
	index, err := vectorindex.Open(vectorindex.Config{
		Path:      vc.Path,
		Dimension: dimension,
		Logger:    &indexLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open vector index: %w", err)
	}
	d.index = index
	return nil
}

func (d *Daemon) initializeTools() error {
	tc := d.config.Tools
	d.tools = toolexecutor.NewRegistry(toolexecutor.Options{Timeout: tc.Timeout})

	opts := devtools.Options{
		WorkspaceRoot: tc.WorkspaceRoot,
		MaxFileBytes:  int64(tc.MaxFileBytes),
		Index:         d.index,
		Embedder:      d.embedder,
		TopK:          tc.TopK,
	}

	if p, ok := d.providers[tc.PlannerProvider]; ok && tc.PlannerModel != "" {
		planner, err := devtools.NewPlanner(devtools.PlannerConfig{Provider: p, Model: tc.PlannerModel})
		if err != nil {
			return fmt.Errorf("failed to create planner: %w", err)
		}
		opts.Planner = planner
	}
	if p, ok := d.providers[tc.SummaryProvider]; ok && tc.SummaryModel != "" {
		summaryLogger := d.logger.Component("summarizer")
		summarizer, err := devtools.NewSummarizer(devtools.SummarizerConfig{
			Provider: p,
			Model:    tc.SummaryModel,
			Cache:    d.kv,
			TTL:      tc.SummaryTTL,
			Logger:   &summaryLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to create summarizer: %w", err)
		}
		d.summarizer = summarizer
		opts.Summarizer = summarizer
	}

	names, err := devtools.Register(d.tools, opts)
	if err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	d.log.Info().Strs("tools", names).Msg("Tools registered")
	return nil
}

// initializeServices builds the HTTP server and the workspace indexer.
func (d *Daemon) initializeServices() error {
	sc := d.config.Server
	srv, err := server.New(server.Options{
		Host:               sc.Host,
		Port:               sc.Port,
		RateLimitPerMinute: sc.RateLimitPerMinute,
		TurnTimeout:        sc.TurnTimeout,
		Roles:              d.config.Roles(),
		DefaultRole:        sc.DefaultRole,
		RouterRole:         sc.RouterRole,
		Logger:             d.logger.Zerolog(),
	}, d.registry, d.newAgent)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	d.server = srv

	if d.index != nil && d.config.Tools.WorkspaceRoot != "" {
		indexer, err := d.newIndexer(d.config.Tools.WorkspaceRoot)
		if err != nil {
			return err
		}
		d.indexer = indexer
	}
	return nil
}

func (d *Daemon) newIndexer(root string) (*vectorindex.Indexer, error) {
	if d.index == nil {
		return nil, fmt.Errorf("vector index is disabled")
	}
	vc := d.config.VectorIndex
	indexLogger := d.logger.Component("indexer")
	cfg := vectorindex.IndexerConfig{
		Root:         root,
		Store:        d.index,
		Embedder:     d.embedder,
		Extensions:   vc.Extensions,
		IgnoreDirs:   vc.IgnoreDirs,
		MaxFileBytes: int64(d.config.Tools.MaxFileBytes),
		Logger:       &indexLogger,
	}
	if d.summarizer != nil {
		cfg.Summarize = d.summarizer.Summarize
	}
	indexer, err := vectorindex.NewIndexer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}
	return indexer, nil
}

// newAgent builds the agent of id from the role catalog.
func (d *Daemon) newAgent(ctx context.Context, id conversation.Identity) (*agent.Agent, error) {
	ac, ok := d.config.Agent(id.Role)
	if !ok {
		return nil, fmt.Errorf("unknown role: %s", id.Role)
	}
	p, ok := d.providers[ac.Provider]
	if !ok {
		return nil, fmt.Errorf("agent %s: unknown provider %q", ac.Role, ac.Provider)
	}
	instructions, err := ac.LoadInstructions(d.config.BaseDir)
	if err != nil {
		return nil, err
	}
	tools, err := d.toolsFor(ac)
	if err != nil {
		return nil, err
	}

	format := provider.FormatText
	if strings.EqualFold(ac.ResponseFormat, string(provider.FormatJSON)) {
		format = provider.FormatJSON
	}

	return agent.New(ctx, agent.Config{
		Role:           id.Role,
		SessionID:      id.SessionID,
		Instructions:   instructions,
		Model:          ac.Model,
		Temperature:    ac.Temperature,
		MaxTokens:      ac.MaxTokens,
		MaxToolCalls:   ac.MaxToolCalls,
		ResponseFormat: format,
		ParallelTools:  ac.ParallelTools,
		Provider:       p,
		Tools:          tools,
		Store:          d.conversations,
		Queue:          d.queue,
		Logger:         d.logger.Component("agent"),
	})
}

// toolsFor returns the registered subset of the role's tools. Tools whose
// dependencies are not configured are skipped with a warning.
func (d *Daemon) toolsFor(ac config.AgentConfig) (*toolexecutor.Registry, error) {
	if len(ac.Tools) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(ac.Tools))
	for _, name := range ac.Tools {
		if d.tools.Has(name) {
			names = append(names, name)
			continue
		}
		d.log.Warn().
			Str("role", ac.Role).
			Str("tool", name).
			Msg("Tool is not available; check its provider or index settings")
	}
	return d.tools.Subset(names)
}

// Agent returns the live agent of (role, sessionID), building it on first use.
func (d *Daemon) Agent(ctx context.Context, role, sessionID string) (*agent.Agent, error) {
	return d.registry.GetOrCreate(ctx, role, sessionID, d.newAgent)
}

// SessionThreads loads the persisted threads of sessionID, keyed by store
// key. Missing threads are omitted.
func (d *Daemon) SessionThreads(ctx context.Context, sessionID string) (map[string]conversation.Thread, error) {
	keys := []string{conversation.OverallKey(sessionID)}
	for _, role := range d.config.Roles() {
		keys = append(keys, conversation.AgentKey(role, sessionID))
	}

	threads := make(map[string]conversation.Thread, len(keys))
	for _, key := range keys {
		thread, ok, err := d.conversations.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			threads[key] = thread
		}
	}
	return threads, nil
}

// ClearSession drops the live agents of sessionID and deletes its persisted
// threads.
func (d *Daemon) ClearSession(ctx context.Context, sessionID string) error {
	d.registry.ClearSession(sessionID)

	keys := []string{conversation.OverallKey(sessionID)}
	for _, role := range d.config.Roles() {
		keys = append(keys, conversation.AgentKey(role, sessionID))
	}
	for _, key := range keys {
		if err := d.conversations.Delete(ctx, key); err != nil {
			return err
		}
	}
	d.log.Info().Str("session_id", sessionID).Msg("Session deleted")
	return nil
}

// IndexDir embeds the files under root into the vector index.
func (d *Daemon) IndexDir(ctx context.Context, root string) (vectorindex.Report, error) {
	indexer := d.indexer
	if indexer == nil || (root != "" && root != d.config.Tools.WorkspaceRoot) {
		var err error
		if indexer, err = d.newIndexer(root); err != nil {
			return vectorindex.Report{}, err
		}
	}
	return indexer.IndexDir(ctx)
}

// Start writes the PID file, starts listening and launches the indexer.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting Curie daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", d.config.Server.Host, d.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server stopped unexpectedly")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("Server started")

	if d.indexer != nil {
		d.startIndexer()
	}

	log.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) startIndexer() {
	log := d.log
	vc := d.config.VectorIndex

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		report, err := d.indexer.IndexDir(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("Initial workspace indexing failed")
			return
		}
		log.Info().Interface("report", report).Msg("Workspace indexed")
	}()

	if vc.Watch {
		if err := d.indexer.Watch(); err != nil {
			log.Warn().Err(err).Msg("Failed to watch workspace")
		}
	}
	if vc.ResyncSchedule != "" {
		if err := d.indexer.StartResync(vc.ResyncSchedule); err != nil {
			log.Warn().Err(err).Msg("Failed to schedule index resync")
		}
	}
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully and releases its resources.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping Curie daemon")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.server.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop server")
	}
	d.mu.Lock()
	if d.listener != nil {
		_ = d.listener.Close()
	}
	d.mu.Unlock()

	if d.indexer != nil {
		if err := d.indexer.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop indexer")
		}
	}
	d.wg.Wait()

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.Close()
	log.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close releases storage, the queue and tracing. It is safe to call on a
// daemon that was never started.
func (d *Daemon) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	log := d.log
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.index != nil {
		if err := d.index.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close vector index")
		}
	}
	if d.kv != nil {
		if err := d.kv.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close conversation store")
		}
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.registry != nil {
		status.Agents = d.registry.Len()
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
		if d.listener != nil {
			status.Addr = d.listener.Addr().String()
		}
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.log.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config { return d.config }

// GetRegistry returns the live agent registry.
func (d *Daemon) GetRegistry() *session.Registry { return d.registry }

// GetTools returns the full tool registry.
func (d *Daemon) GetTools() *toolexecutor.Registry { return d.tools }

// GetConversations returns the conversation store.
func (d *Daemon) GetConversations() *conversation.Store { return d.conversations }
