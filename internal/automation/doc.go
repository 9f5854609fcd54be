// Package automation provides the prompt pack engine for packflow.
//
// A pack is an ordered list of prompt steps. Events fire triggers, each
// trigger creates an execution of one pack, and chains run several packs
// in sequence while carrying results forward.
//
// Architecture:
//
//	┌───────────────────────────────────────────────────────────┐
//	│  Emitter (emitter.go)         Orchestrator (chain.go)      │
//	│   record event → Matcher       StartChain / Advance        │
//	│   create executions            step() → NextAction         │
//	│        │                              │                    │
//	│        ▼                              ▼                    │
//	│  ┌──────────────────────────────────────────────────┐     │
//	│  │  Engine (engine.go)                               │     │
//	│  │  1. Claim pending → running (version check)       │     │
//	│  │  2. Load pack (Registry, cached with TTL)         │     │
//	│  │  3. Build context (ContextBuilder)                │     │
//	│  │  4. Per step: Render → StepExecutor → progress    │     │
//	│  │  5. Apply outputs (Applier → TargetRegistry)      │     │
//	│  │  6. Completed / failed, MQTT + WebSocket notify   │     │
//	│  └──────────────────────────────────────────────────┘     │
//	│        │                                                   │
//	│        ▼                                                   │
//	│  Repository (repository*.go)   Sweeper (sweeper.go)        │
//	└───────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Pack, PackStep: prompt definitions
//   - Trigger: event name plus condition rules bound to a pack
//   - Execution: one run of a pack with persisted progress
//   - Chain, ChainExecution: packs run in sequence
//   - TargetHandler: writes an output into a downstream table
//
// # Thread Safety
//
// Registry, Engine, Orchestrator, Emitter and Sweeper are safe for
// concurrent use. Concurrent writers to one execution are separated by
// the optimistic version column.
//
// # Usage
//
//	repo := automation.NewSQLiteRepository(db.DB)
//	packs := automation.NewRegistry(repo, cfg.PackCacheTTL())
//	engine := automation.NewEngine(automation.EngineDeps{
//	    Repo:    repo,
//	    Packs:   packs,
//	    Context: automation.NewContextBuilder(store),
//	    Steps:   automation.NewStepExecutor(gateway),
//	    Applier: automation.NewApplier(targets),
//	})
//	emitter := automation.NewEmitter(engine, automation.NewMatcher(repo))
//	res, err := emitter.Emit(ctx, automation.EmitRequest{EventName: "wizard_completed"})
package automation
