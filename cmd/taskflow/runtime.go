// Package main provides runtime wiring for workflow runs.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/telemetry"
	"github.com/vinayprograms/taskflow/internal/capability"
	"github.com/vinayprograms/taskflow/internal/checkpoint"
	"github.com/vinayprograms/taskflow/internal/config"
	"github.com/vinayprograms/taskflow/internal/executor"
	"github.com/vinayprograms/taskflow/internal/resilience"
	"github.com/vinayprograms/taskflow/internal/trace"
)

// runtime owns the long-lived components shared by every run of a
// taskflow process: providers, tool peers, sinks and the executor.
type runtime struct {
	cfg   *config.Config
	creds *credentials.Credentials
	debug bool

	// Components
	provider llm.Provider
	telem    telemetry.Exporter
	tools    *capability.MCP
	sink     *trace.Async
	exec     *executor.Executor

	storagePath string

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime from loaded configuration.
func newRuntime(cfg *config.Config, creds *credentials.Credentials) *runtime {
	return &runtime{
		cfg:         cfg,
		creds:       creds,
		debug:       cfg.Engine.Debug,
		storagePath: cfg.StoragePath(),
	}
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup(ctx context.Context) error {
	if err := os.MkdirAll(rt.storagePath, 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	rt.createProvider()
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	rt.setupMCP(ctx)
	if err := rt.createExecutor(); err != nil {
		return err
	}
	if err := rt.setupResilience(); err != nil {
		return err
	}
	if err := rt.setupTrace(); err != nil {
		return err
	}
	if err := rt.setupTranscripts(); err != nil {
		return err
	}
	rt.setupCallbacks()
	return nil
}

// createProvider creates the default LLM provider. A missing model is not
// fatal: workflows without infer or agent tasks never need one.
func (rt *runtime) createProvider() {
	p, err := rt.newProvider(rt.cfg.LLM, rt.defaultAPIKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: no default LLM provider: %v\n", err)
		return
	}
	rt.provider = p
}

// providerFor builds a provider for a task-selected model or profile.
func (rt *runtime) providerFor(model string, maxTokens int) (llm.Provider, error) {
	pc := rt.cfg.GetProfile(model)
	if maxTokens > 0 {
		pc.MaxTokens = maxTokens
	}
	return rt.newProvider(pc, func(provider string) string {
		if pc.APIKeyEnv != "" {
			if key := os.Getenv(pc.APIKeyEnv); key != "" {
				return key
			}
		}
		return rt.defaultAPIKey(provider)
	})
}

func (rt *runtime) newProvider(pc config.LLMConfig, apiKey func(provider string) string) (llm.Provider, error) {
	providerName := pc.Provider
	if providerName == "" {
		providerName = llm.InferProviderFromModel(pc.Model)
	}
	if providerName == "" && pc.Model == "" {
		return nil, fmt.Errorf("LLM model not configured")
	}

	p, err := llm.NewProvider(llm.ProviderConfig{
		Provider:    providerName,
		Model:       pc.Model,
		APIKey:      apiKey(providerName),
		MaxTokens:   pc.MaxTokens,
		BaseURL:     pc.BaseURL,
		Thinking:    llm.ThinkingConfig{Level: llm.ThinkingLevel(pc.Thinking)},
		RetryConfig: parseRetryConfig(pc.MaxRetries, pc.RetryBackoff),
	})
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}
	return p, nil
}

// defaultAPIKey prefers the credentials file, then the configured env var.
func (rt *runtime) defaultAPIKey(provider string) string {
	if rt.creds != nil {
		if key := rt.creds.GetAPIKey(provider); key != "" {
			return key
		}
	}
	if key := rt.cfg.GetAPIKey(); key != "" {
		return key
	}
	return os.Getenv(config.DefaultAPIKeyEnv(provider))
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupMCP connects configured tool peers. A peer that fails to start is
// reported and left unconnected; invoking it fails the task instead.
func (rt *runtime) setupMCP(ctx context.Context) {
	rt.tools = capability.NewMCP()
	rt.addCloser(rt.tools.Close)
	if len(rt.cfg.MCP.Servers) == 0 {
		return
	}

	timeout := time.Duration(rt.cfg.Timeouts.MCPConnect) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	names := make([]string, 0, len(rt.cfg.MCP.Servers))
	for name := range rt.cfg.MCP.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		serverCfg := rt.cfg.MCP.Servers[name]
		err := rt.tools.Connect(ctx, name, capability.PeerConfig{
			Command:     serverCfg.Command,
			Args:        serverCfg.Args,
			Env:         serverCfg.Env,
			DeniedTools: serverCfg.DeniedTools,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			continue
		}
		fmt.Fprintf(os.Stderr, "✓ Connected MCP server: %s\n", name)
		if len(serverCfg.DeniedTools) > 0 {
			fmt.Fprintf(os.Stderr, "  └─ Denied %d tools\n", len(serverCfg.DeniedTools))
		}
	}
}

// createExecutor assembles the capability set and the executor.
func (rt *runtime) createExecutor() error {
	fetcher, err := capability.NewHTTPFetcher(time.Duration(rt.cfg.Timeouts.Fetch) * time.Second)
	if err != nil {
		return err
	}

	workdir := rt.cfg.Engine.Workdir
	if workdir != "" && !filepath.IsAbs(workdir) {
		workdir, _ = filepath.Abs(workdir)
	}

	rt.exec = executor.NewExecutor(capability.Set{
		Inferrer: capability.NewLLM(rt.provider, rt.providerFor),
		Shell:    &capability.ExecShell{Dir: workdir},
		Fetcher:  fetcher,
		Tools:    rt.tools,
	})
	rt.exec.SetDebug(rt.debug)
	rt.exec.SetMaxParallel(rt.cfg.Engine.MaxParallel)
	return nil
}

// setupResilience installs the configured policies.
func (rt *runtime) setupResilience() error {
	defaults, opts, err := rt.cfg.ResilienceOptions()
	if err != nil {
		return fmt.Errorf("loading resilience config: %w", err)
	}
	rt.exec.SetResilience(resilience.NewRegistry(defaults, opts...))
	return nil
}

// setupTrace fans events out to the configured sinks behind one
// non-blocking buffer.
func (rt *runtime) setupTrace() error {
	var sinks trace.Multi

	if path := rt.cfg.TracePath(); path != "" {
		fs, err := trace.NewFileSink(path)
		if err != nil {
			return err
		}
		rt.addCloser(func() {
			if err := fs.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: trace file: %v\n", err)
			}
		})
		sinks = append(sinks, fs)
	}
	if rt.cfg.Trace.NATSURL != "" {
		ns, err := trace.NewNATSSink(rt.cfg.Trace.NATSURL, rt.cfg.Trace.NATSSubject)
		if err != nil {
			return err
		}
		rt.addCloser(func() {
			if err := ns.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: trace NATS: %v\n", err)
			}
		})
		sinks = append(sinks, ns)
	}
	if rt.cfg.Telemetry.Enabled {
		sinks = append(sinks, trace.NewTelemetrySink(rt.telem))
	}
	if len(sinks) == 0 {
		return nil
	}

	rt.sink = trace.NewAsync(sinks, rt.cfg.Trace.Buffer)
	rt.addCloser(func() {
		rt.sink.Close()
		if n := rt.sink.Dropped(); n > 0 {
			fmt.Fprintf(os.Stderr, "warning: %d trace events dropped\n", n)
		}
	})
	rt.exec.SetTraceSink(rt.sink)
	return nil
}

// setupTranscripts persists agent turns under the storage path.
func (rt *runtime) setupTranscripts() error {
	store, err := checkpoint.NewStore(transcriptDir(rt.storagePath))
	if err != nil {
		return fmt.Errorf("creating transcript store: %w", err)
	}
	rt.exec.SetTranscriptStore(store)
	return nil
}

// setupCallbacks prints progress to stderr.
func (rt *runtime) setupCallbacks() {
	rt.exec.OnTaskStart = func(id string) {
		fmt.Fprintf(os.Stderr, "▶ %s\n", id)
	}
	rt.exec.OnTaskComplete = func(id string, status executor.TaskStatus, err error) {
		switch status {
		case executor.TaskSucceeded:
			fmt.Fprintf(os.Stderr, "✓ %s\n", id)
		case executor.TaskSkipped:
			fmt.Fprintf(os.Stderr, "⊘ %s skipped\n", id)
		default:
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", id, err)
		}
	}
	rt.exec.OnToolCall = func(task, tool string, args map[string]interface{}, result interface{}, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "  ✗ [%s] Tool error [%s]: %v\n", task, tool, err)
			return
		}
		fmt.Fprintf(os.Stderr, "  → [%s] Tool: %s\n", task, tool)
	}
}

func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// close runs cleanup in reverse order.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func transcriptDir(storagePath string) string {
	return filepath.Join(storagePath, "transcripts")
}

// parseRetryConfig converts config values to RetryConfig.
func parseRetryConfig(maxRetries int, backoffStr string) llm.RetryConfig {
	cfg := llm.RetryConfig{
		MaxRetries: maxRetries,
	}
	if backoffStr != "" {
		if d, err := time.ParseDuration(backoffStr); err == nil {
			cfg.MaxBackoff = d
		}
	}
	return cfg
}
