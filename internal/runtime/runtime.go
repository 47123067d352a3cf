// Package runtime assembles and drives the agent: queue, processor, state
// machine, initialization and shutdown, incident analysis, and the
// observation intake.
package runtime

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ciris/internal/audit"
	"ciris/internal/bus"
	"ciris/internal/clock"
	"ciris/internal/config"
	"ciris/internal/conscience"
	"ciris/internal/dma"
	"ciris/internal/graph"
	"ciris/internal/handlers"
	"ciris/internal/logging"
	"ciris/internal/policy"
	"ciris/internal/providers"
	"ciris/internal/registry"
	"ciris/internal/telemetry"
	"ciris/internal/types"
)

var ErrObservationFiltered = errors.New("runtime: observation matched an adaptive filter")

// Runtime owns every subsystem for one agent occurrence.
type Runtime struct {
	cfg *config.Config
	clk clock.Clock

	store    *graph.Store
	auditLog *audit.Log
	rules    *policy.Engine
	registry *registry.Registry

	memoryBus  *bus.MemoryBus
	llmBus     *bus.LLMBus
	wisdomBus  *bus.WisdomBus
	toolBus    *bus.ToolBus
	commBus    *bus.CommBus
	controlBus *bus.RuntimeControlBus

	comm   *providers.LoopbackComm
	wisdom *providers.LocalWisdom

	queue      *Queue
	processor  *Processor
	states     *StateMachine
	analyzer   *IncidentAnalyzer
	shutdown   *ShutdownManager
	aggregator *telemetry.Aggregator
	exporter   *telemetry.Exporter

	authorityKeys map[string]ed25519.PublicKey

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  chan struct{}
	stopOnce sync.Once
}

// New wires the runtime from configuration. Nothing starts until Start.
func New(cfg *config.Config, clk clock.Clock) (*Runtime, error) {
	if clk == nil {
		clk = clock.NewSystem()
	}
	logging.Initialize(logging.Settings{
		Dir:        cfg.DataDir,
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	})

	store, err := graph.New(cfg.Graph.DatabasePath, clk)
	if err != nil {
		return nil, fmt.Errorf("graph store: %w", err)
	}

	signingKey, err := audit.LoadOrGenerateKey(cfg.Audit.SigningKeyPath)
	if err != nil {
		store.Close()
		return nil, err
	}
	auditLog, err := audit.Open(filepath.Join(cfg.DataDir, "audit.db"), signingKey, clk)
	if err != nil {
		store.Close()
		return nil, err
	}
	authorityKeys, err := audit.LoadAuthorityKeys(cfg.Audit.AuthorityKeysPath)
	if err != nil {
		store.Close()
		auditLog.Close()
		return nil, err
	}

	rules, err := policy.New()
	if err != nil {
		store.Close()
		auditLog.Close()
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	reg := registry.New(cfg.Registry.BreakerFailureThreshold, cfg.BreakerCooldown(), clk)

	r := &Runtime{
		cfg:           cfg,
		clk:           clk,
		store:         store,
		auditLog:      auditLog,
		rules:         rules,
		registry:      reg,
		authorityKeys: authorityKeys,
		stopped:       make(chan struct{}),
	}
	if err := r.registerProviders(); err != nil {
		store.Close()
		auditLog.Close()
		return nil, err
	}
	r.wire()
	return r, nil
}

func (r *Runtime) registerProviders() error {
	cfg, clk := r.cfg, r.clk

	memory := providers.NewGraphMemory(r.store, clk)
	r.comm = providers.NewLoopbackComm(clk)
	r.wisdom = providers.NewLocalWisdom(r.store, cfg.OccurrenceID, clk)
	tools := providers.NewYaegiTools(clk)

	regs := []*registry.Registration{
		{Name: memory.Name(), Kind: types.KindMemory, Priority: 0, Provider: memory},
		{Name: r.comm.Name(), Kind: types.KindCommunication, Priority: 0, Provider: r.comm},
		{Name: r.wisdom.Name(), Kind: types.KindWisdom, Priority: 0,
			Capabilities: r.wisdom.Capabilities(), Provider: r.wisdom},
		{Name: tools.Name(), Kind: types.KindTool, Priority: 0, Provider: tools},
	}

	switch cfg.LLM.Provider {
	case "gemini":
		gemini, err := providers.NewGeminiLLM(cfg.LLM.APIKey, cfg.LLM.Model, clk)
		if err != nil {
			return err
		}
		regs = append(regs,
			&registry.Registration{Name: gemini.Name(), Kind: types.KindLLM, Priority: 0, Provider: gemini},
			// The echo model backstops a broken API so the agent can still
			// defer instead of stalling.
			&registry.Registration{Name: "echo_llm", Kind: types.KindLLM, Priority: 100, Provider: providers.NewEchoLLM(clk)})
	default:
		regs = append(regs,
			&registry.Registration{Name: "echo_llm", Kind: types.KindLLM, Priority: 0, Provider: providers.NewEchoLLM(clk)})
	}

	for _, reg := range regs {
		if err := r.registry.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) wire() {
	cfg, clk := r.cfg, r.clk

	llmTimeout := cfg.LLMTimeout()
	r.memoryBus = bus.NewMemoryBus(r.registry, llmTimeout, clk)
	r.llmBus = bus.NewLLMBus(r.registry, llmTimeout, clk)
	r.wisdomBus = bus.NewWisdomBus(r.registry, llmTimeout, clk)
	r.toolBus = bus.NewToolBus(r.registry, llmTimeout, clk)
	r.commBus = bus.NewCommBus(r.registry, llmTimeout, clk)

	cascade := dma.NewCascade(cfg.DMATimeout(), cfg.Pipeline.DMARetryLimit,
		dma.NewPrincipled(r.llmBus),
		dma.NewCommonSense(r.llmBus),
		dma.NewDomain(r.llmBus))
	selector := dma.NewSelector(r.llmBus, cfg.DMATimeout(), cfg.Pipeline.DMARetryLimit)

	review := conscience.New(r.rules, cfg.FacultyTimeout(), cfg.Pipeline.MaxDepth,
		conscience.NewEntropy(r.llmBus, cfg.Conscience.EntropyThreshold),
		conscience.NewCoherence(r.llmBus, cfg.Conscience.CoherenceThreshold),
		conscience.NewOptimizationVeto(r.llmBus),
		conscience.NewEpistemicHumility(r.llmBus))

	dispatcher := handlers.NewDispatcher(handlers.Deps{
		Memory:       r.memoryBus,
		Comm:         r.commBus,
		Tools:        r.toolBus,
		Wisdom:       r.wisdomBus,
		Store:        r.store,
		Rules:        r.rules,
		Clk:          clk,
		OccurrenceID: cfg.OccurrenceID,
	})

	r.queue = NewQueue(r.store, r.rules, clk, cfg.OccurrenceID,
		cfg.Queue.MaxActiveTasks, cfg.Queue.MaxActiveThoughts)
	r.processor = NewProcessor(r.queue, cascade, selector, review, dispatcher,
		r.auditLog, r.store, clk, ProcessorConfig{
			OccurrenceID:         cfg.OccurrenceID,
			RoundDelay:           cfg.RoundDelay(),
			ConscienceRetryLimit: cfg.Pipeline.ConscienceRetryLimit,
			BatchSize:            cfg.Queue.MaxActiveThoughts,
		})

	r.states = NewStateMachine(r.rules, r.auditLog)
	r.states.AddGuard(func(_, to types.CognitiveState) error {
		if to != types.StateDream {
			return nil
		}
		active, err := r.queue.ActiveTaskCount()
		if err != nil {
			return err
		}
		if active > 0 || r.queue.Depth() > 0 {
			return fmt.Errorf("%d active tasks, %d queued thoughts", active, r.queue.Depth())
		}
		return nil
	})

	control := newControlService(r.processor, r.states, clk)
	if err := r.registry.Register(&registry.Registration{
		Name: control.Name(), Kind: types.KindRuntimeControl, Priority: 0, Provider: control,
	}); err != nil {
		logging.Registry("control service registration: %v", err)
	}
	r.controlBus = bus.NewRuntimeControlBus(r.registry, llmTimeout, clk)

	r.analyzer = NewIncidentAnalyzer(r.store, clk, cfg.OccurrenceID)
	r.shutdown = NewShutdownManager(cfg.GracePeriod(), cfg.EmergencyKill(), clk)
	r.aggregator = telemetry.NewAggregator(r.registry, 5*time.Second, clk,
		telemetry.Source{Name: "memory_bus", Provider: r.memoryBus},
		telemetry.Source{Name: "llm_bus", Provider: r.llmBus},
		telemetry.Source{Name: "wisdom_bus", Provider: r.wisdomBus},
		telemetry.Source{Name: "tool_bus", Provider: r.toolBus},
		telemetry.Source{Name: "comm_bus", Provider: r.commBus},
		telemetry.Source{Name: "control_bus", Provider: r.controlBus})
	r.exporter = telemetry.NewExporter(r.aggregator)
}

// Start runs the boot phases and launches the processing loops.
func (r *Runtime) Start(ctx context.Context) error {
	boot := NewInitializer(30*time.Second, 10*time.Second)
	boot.AddPhase(Phase{Name: "infrastructure", Critical: true,
		Run: func(context.Context) error { return nil },
	})
	boot.AddPhase(Phase{Name: "database", Critical: true,
		Run: func(context.Context) error { _, err := r.store.Stats(); return err },
	})
	boot.AddPhase(Phase{Name: "memory", Critical: true,
		Run: func(ctx context.Context) error {
			_, err := r.memoryBus.Recall(ctx, r.cfg.OccurrenceID, types.NodeFilter{Limit: 1})
			return err
		},
	})
	boot.AddPhase(Phase{Name: "identity", Critical: true,
		Run: func(context.Context) error { return r.ensureIdentity() },
	})
	boot.AddPhase(Phase{Name: "security", Critical: true,
		Run: func(context.Context) error {
			_, err := r.auditLog.Append("boot", map[string]string{"occurrence_id": r.cfg.OccurrenceID})
			return err
		},
		Verify: func(context.Context) error {
			_, err := r.auditLog.Verify(r.auditLog.PublicKey())
			return err
		},
	})
	boot.AddPhase(Phase{Name: "services", Critical: true,
		Run: func(ctx context.Context) error { return r.startServices(ctx) },
		Verify: func(context.Context) error {
			if len(r.registry.Kinds()) == 0 {
				return errors.New("no services registered")
			}
			return nil
		},
	})
	boot.AddPhase(Phase{Name: "components", Critical: true,
		Run: func(context.Context) error { return r.restoreChannels() },
	})
	boot.AddPhase(Phase{Name: "verification", Critical: false,
		Run: func(ctx context.Context) error {
			for _, m := range r.aggregator.Snapshot(ctx) {
				if !m.Healthy {
					return fmt.Errorf("service %s unhealthy at boot", m.ServiceName)
				}
			}
			return nil
		},
	})
	if err := boot.Run(ctx); err != nil {
		return err
	}

	if err := r.states.TransitionTo(types.StateWork, "boot complete"); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		defer close(r.stopped)
		r.processor.Run(runCtx)
	}()
	go r.watchObservations(runCtx)
	if r.cfg.Telemetry.Enabled {
		go func() {
			if err := r.exporter.Serve(runCtx, r.cfg.Telemetry.ListenAddr); err != nil {
				logging.Telemetry("metrics server: %v", err)
			}
		}()
	}
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	for _, kind := range r.registry.Kinds() {
		for _, reg := range r.registry.All(kind) {
			if svc, ok := reg.Provider.(types.Lifecycle); ok {
				if err := svc.Start(ctx); err != nil {
					return fmt.Errorf("start %s/%s: %w", kind, reg.Name, err)
				}
			}
		}
	}
	return nil
}

// ensureIdentity writes the agent's identity node on first boot.
func (r *Runtime) ensureIdentity() error {
	id := "identity_" + r.cfg.OccurrenceID
	if _, err := r.store.GetNode(r.cfg.OccurrenceID, id); err == nil {
		return nil
	} else if !errors.Is(err, graph.ErrNotFound) {
		return err
	}

	attrs, _ := json.Marshal(map[string]string{
		"name":    r.cfg.Name,
		"version": r.cfg.Version,
	})
	_, err := r.store.PutNode(r.cfg.OccurrenceID, types.GraphNode{
		ID:         id,
		Type:       types.NodeIdentity,
		Scope:      types.ScopeIdentity,
		Attributes: attrs,
	})
	return err
}

// restoreChannels recreates channel bookkeeping for tasks that survived a
// restart, so conversation context picks up where the last process left off.
func (r *Runtime) restoreChannels() error {
	var channels []string
	seen := map[string]bool{}
	for _, status := range []types.TaskStatus{types.TaskPending, types.TaskActive, types.TaskDeferred} {
		tasks, err := r.store.TasksByStatus(r.cfg.OccurrenceID, status)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.ChannelRef != "" && !seen[t.ChannelRef] {
				seen[t.ChannelRef] = true
				channels = append(channels, t.ChannelRef)
			}
		}
	}
	for _, ref := range channels {
		if err := r.ensureChannelNode(ref); err != nil {
			return err
		}
	}
	if len(channels) > 0 {
		logging.Boot("restored %d channels with open work", len(channels))
	}
	return nil
}

func (r *Runtime) ensureChannelNode(channelRef string) error {
	id := "channel_" + channelRef
	if _, err := r.store.GetNode(r.cfg.OccurrenceID, id); err == nil {
		return nil
	} else if !errors.Is(err, graph.ErrNotFound) {
		return err
	}
	attrs, _ := json.Marshal(map[string]string{
		"channel_ref": channelRef,
		"adapter":     "loopback",
	})
	_, err := r.store.PutNode(r.cfg.OccurrenceID, types.GraphNode{
		ID:         id,
		Type:       types.NodeChannel,
		Scope:      types.ScopeEnvironment,
		Attributes: attrs,
	})
	return err
}

// watchObservations feeds inbound messages into the queue.
func (r *Runtime) watchObservations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.comm.Notifications():
			if _, err := r.SubmitObservation(msg.ChannelRef, msg.Content, map[string]string{
				"author_id":  msg.AuthorID,
				"message_id": msg.MessageID,
			}); err != nil && !errors.Is(err, ErrObservationFiltered) {
				logging.Queue("observation on %s dropped: %v", msg.ChannelRef, err)
			}
		}
	}
}

// SubmitObservation runs the adaptive filters and hands the message to the
// queue.
func (r *Runtime) SubmitObservation(channelRef, content string, context map[string]string) (types.Task, error) {
	filtered, pattern, err := r.matchesFilter(content)
	if err != nil {
		return types.Task{}, err
	}
	if filtered {
		logging.Queue("observation on %s matched filter %q", channelRef, pattern)
		return types.Task{}, fmt.Errorf("%w: %q", ErrObservationFiltered, pattern)
	}
	if err := r.ensureChannelNode(channelRef); err != nil {
		return types.Task{}, err
	}
	return r.queue.SubmitObservation(channelRef, content, context)
}

// matchesFilter checks the content against memorized adaptive filters,
// which REJECT actions create for channels that keep producing junk.
func (r *Runtime) matchesFilter(content string) (bool, string, error) {
	nodes, err := r.store.SearchNodes(r.cfg.OccurrenceID, types.NodeFilter{
		Type:     types.NodeConfig,
		IDPrefix: "filter_",
	})
	if err != nil {
		return false, "", err
	}
	lower := strings.ToLower(content)
	for _, node := range nodes {
		var attrs map[string]string
		if err := json.Unmarshal(node.Attributes, &attrs); err != nil {
			continue
		}
		pattern := attrs["value"]
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return true, pattern, nil
		}
	}
	return false, "", nil
}

// ApplyTunables picks up the runtime-adjustable settings from a reloaded
// configuration. Structural settings (paths, providers, breaker thresholds)
// need a restart and are ignored here.
func (r *Runtime) ApplyTunables(cfg *config.Config) {
	r.queue.SetLimits(cfg.Queue.MaxActiveTasks, cfg.Queue.MaxActiveThoughts)
	logging.Boot("applied reloaded queue limits: tasks=%d thoughts=%d",
		cfg.Queue.MaxActiveTasks, cfg.Queue.MaxActiveThoughts)
}

// ResolveDeferral records a human decision and returns the matching task to
// pending when approved.
func (r *Runtime) ResolveDeferral(deferralID string, resolution types.DeferralResolution) (types.DeferralRecord, error) {
	rec, err := r.wisdom.Resolve(deferralID, resolution)
	if err != nil {
		return types.DeferralRecord{}, err
	}
	if resolution.Approved {
		task, err := r.store.GetTask(r.cfg.OccurrenceID, rec.TaskID)
		if err == nil && task.Status == types.TaskDeferred {
			task.Status = types.TaskPending
			if resolution.Guidance != "" {
				task.UpdatedInfoAvailable = true
				task.UpdatedInfoContent = "authority guidance: " + resolution.Guidance
			}
			task.UpdatedAt = r.clk.Now()
			if err := r.store.SaveTask(task); err != nil {
				return rec, err
			}
		}
	}
	if _, err := r.auditLog.Append("deferral_resolved", rec); err != nil {
		logging.Audit("deferral resolution audit failed: %v", err)
	}
	return rec, nil
}

// Dream runs memory maintenance: consolidation of recent metrics and
// incident pattern analysis. It requires an idle queue.
func (r *Runtime) Dream(ctx context.Context) error {
	if err := r.states.TransitionTo(types.StateDream, "maintenance window"); err != nil {
		return err
	}
	defer func() {
		if err := r.states.TransitionTo(types.StateWork, "maintenance done"); err != nil {
			logging.State("return from dream failed: %v", err)
		}
	}()

	window := r.cfg.ConsolidationWindow()
	start := r.clk.Now().Add(-window).Truncate(window)
	for _, nodeType := range []types.NodeType{types.NodeMetric, types.NodeMessage} {
		if _, _, err := r.store.Consolidate(r.cfg.OccurrenceID, nodeType, start, window); err != nil {
			return fmt.Errorf("consolidate %s: %w", nodeType, err)
		}
	}
	if _, err := r.analyzer.Analyze(); err != nil {
		return fmt.Errorf("incident analysis: %w", err)
	}

	snapshot := r.aggregator.Snapshot(ctx)
	if err := r.aggregator.Memorize(ctx, r.memoryBus, r.cfg.OccurrenceID, snapshot); err != nil {
		logging.Telemetry("metric memorization failed: %v", err)
	}
	return nil
}

// HandleEmergency authenticates and executes an out-of-band command.
func (r *Runtime) HandleEmergency(cmd EmergencyCommand) error {
	if err := VerifyEmergency(cmd, r.authorityKeys, r.clk.Now()); err != nil {
		if _, aerr := r.auditLog.Append("emergency_rejected", cmd); aerr != nil {
			logging.Audit("emergency audit failed: %v", aerr)
		}
		return err
	}
	if _, err := r.auditLog.Append("emergency_accepted", cmd); err != nil {
		logging.Audit("emergency audit failed: %v", err)
	}

	switch cmd.Command {
	case EmergencyShutdownNow:
		r.Stop("emergency shutdown by " + cmd.AuthorityID)
	case EmergencyFreeze:
		r.processor.Pause()
		logging.Shutdown("frozen by %s", cmd.AuthorityID)
	case EmergencySafeMode:
		r.processor.Pause()
		r.queue.CloseIntake()
		logging.Shutdown("safe mode by %s", cmd.AuthorityID)
	}
	return nil
}

// Stop drains and shuts the runtime down. Repeated calls are no-ops.
func (r *Runtime) Stop(reason string) {
	r.stopOnce.Do(func() { r.stop(reason) })
}

func (r *Runtime) stop(reason string) {
	r.shutdown.Register(ShutdownHandler{Name: "state", Run: func(context.Context) {
		if err := r.states.TransitionTo(types.StateShutdown, reason); err != nil {
			logging.Shutdown("state transition: %v", err)
		}
	}})
	r.shutdown.Register(ShutdownHandler{Name: "intake", Run: func(context.Context) {
		r.queue.CloseIntake()
	}})
	r.shutdown.Register(ShutdownHandler{Name: "loops", Run: func(context.Context) {
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
			<-r.stopped
		}
	}})
	r.shutdown.Register(ShutdownHandler{Name: "drain", Run: func(ctx context.Context) {
		for r.queue.Depth() > 0 && ctx.Err() == nil {
			r.processor.RunRound(ctx)
		}
	}})
	r.shutdown.Register(ShutdownHandler{Name: "audit", Async: true, Run: func(context.Context) {
		if _, err := r.auditLog.Append("shutdown", map[string]string{"reason": reason}); err != nil {
			logging.Shutdown("final audit append: %v", err)
		}
		r.auditLog.Close()
	}})
	r.shutdown.Register(ShutdownHandler{Name: "store", Async: true, Run: func(context.Context) {
		r.store.Close()
	}})
	r.shutdown.Execute(reason)
	logging.CloseAll()
}

// Accessors for the control surface.

func (r *Runtime) State() types.CognitiveState      { return r.states.Current() }
func (r *Runtime) Control() *bus.RuntimeControlBus  { return r.controlBus }
func (r *Runtime) Processor() *Processor            { return r.processor }
func (r *Runtime) Queue() *Queue                    { return r.queue }
func (r *Runtime) Comm() *providers.LoopbackComm    { return r.comm }
func (r *Runtime) Audit() *audit.Log                { return r.auditLog }
func (r *Runtime) Snapshot(ctx context.Context) []types.ServiceMetrics {
	return r.aggregator.Snapshot(ctx)
}
