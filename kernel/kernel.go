// Package kernel wires every subsystem package into one running kernel,
// the way the teacher's cmd/semspec App ties NATS, storage, and tool
// executors together behind a single NewApp/Start/Close lifecycle. Here
// the wired set is the orchestration kernel's own component graph: bus,
// clock, registry, scheduler, ticket engine, discovery, validation loop,
// diagnostic monitor, supervisor, persistence façade, and metrics.
package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/c360studio/agentkernel/internal/agent"
	"github.com/c360studio/agentkernel/internal/artifact"
	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/diagnostic"
	"github.com/c360studio/agentkernel/internal/discovery"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/kconfig"
	"github.com/c360studio/agentkernel/internal/kernelerr"
	"github.com/c360studio/agentkernel/internal/kmetrics"
	"github.com/c360studio/agentkernel/internal/store"
	"github.com/c360studio/agentkernel/internal/supervisor"
	"github.com/c360studio/agentkernel/internal/task"
	"github.com/c360studio/agentkernel/internal/ticket"
	"github.com/c360studio/agentkernel/internal/validation"
)

// taskOwnershipAdapter satisfies artifact.OwnershipChecker against the
// scheduler, the same no-shared-import adapter shape as taskActivityAdapter.
type taskOwnershipAdapter struct{ sched *task.Scheduler }

func (a taskOwnershipAdapter) AssignedAgentID(taskID string) (string, bool) {
	t, ok := a.sched.Get(taskID)
	if !ok || t.AssignedAgentID == "" {
		return "", false
	}
	return t.AssignedAgentID, true
}

// taskActivityAdapter satisfies ticket.TaskActivityChecker against the
// task store, since the two packages don't import each other directly
// (ticket.go's doc comment: avoids a ticket<->task import cycle).
type taskActivityAdapter struct{ store *task.Store }

var activeTaskStatus = map[task.Status]bool{
	task.StatusPending:              true,
	task.StatusAssigned:             true,
	task.StatusInProgress:           true,
	task.StatusUnderReview:          true,
	task.StatusValidationInProgress: true,
	task.StatusNeedsWork:            true,
}

func (a taskActivityAdapter) HasActiveWork(ticketID string) bool {
	for _, t := range a.store.ListByTicket(ticketID) {
		if activeTaskStatus[t.Status] {
			return true
		}
	}
	return false
}

// noopResultChecker is used when no persistence façade is wired: every
// workflow looks unvalidated, so the diagnostic monitor never suppresses
// a sweep trigger on that basis alone.
type noopResultChecker struct{}

func (noopResultChecker) HasValidatedResult(string) bool { return false }

// Kernel bundles every wired subsystem. Exported fields let cmd/kernel
// (and tests) reach individual components directly, the same shallow
// wiring style the teacher's App exposes its store/executors through.
type Kernel struct {
	Config *kconfig.Config

	Bus      busx.Bus
	Clock    kclock.Clock
	Metrics  *kmetrics.Metrics
	Store    *store.Store // nil when running without persistence

	Registry   *agent.Registry
	TaskStore  *task.Store
	Scheduler  *task.Scheduler
	Board      *ticket.Board
	Catalogue  *ticket.Catalogue
	Engine     *ticket.Engine
	Discovery  *discovery.Service
	Validation *validation.Loop
	Diagnostic *diagnostic.Monitor
	Supervisor *supervisor.Supervisor

	dq *kclock.DeadlineQueue
}

// Options carries the pieces of startup state the config file alone
// doesn't express: the phase catalogue and board layout, and which
// dependencies to swap for fakes in tests.
type Options struct {
	Phases  []*ticket.Phase
	Columns []*ticket.Column
	Clock   kclock.Clock // defaults to kclock.System()
	Log     *slog.Logger
}

// New wires every component per cfg and opts, connecting to Postgres only
// when cfg.Store.DSN is set.
func New(ctx context.Context, cfg *kconfig.Config, opts Options) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernel: invalid config: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = kclock.System()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	var bus busx.Bus
	if cfg.Bus.NATSURL != "" {
		nb, err := busx.DialNATSBus(ctx, busx.NATSBusOptions{
			URL:        cfg.Bus.NATSURL,
			StreamName: cfg.Bus.NATSStreamName,
			Subjects:   cfg.Bus.NATSSubjects,
		}, cfg.Bus.ToBusx(), log)
		if err != nil {
			return nil, fmt.Errorf("kernel: dial nats bus: %w", err)
		}
		bus = nb
	} else {
		bus = busx.NewInProcessBus(cfg.Bus.ToBusx(), log)
	}
	metrics := kmetrics.New()

	var st *store.Store
	var results diagnostic.ResultChecker = noopResultChecker{}
	if cfg.Store.DSN != "" {
		s, err := store.Open(ctx, cfg.Store.DSN, store.Config{
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("kernel: open store: %w", err)
		}
		st = s
		results = s
	}

	registry := agent.NewRegistry(bus, clock, cfg.Registry.ToAgentConfig(), nil)
	taskStore := task.NewStore()

	board := ticket.NewBoard(bus, opts.Columns)
	catalogue := ticket.NewCatalogue(opts.Phases)
	engine := ticket.New(bus, clock, catalogue, board, ticket.Config{
		ApprovalTimeout: cfg.Approval.DefaultDeadline,
		OnReject:        ticket.OnRejectArchive,
	}, taskActivityAdapter{store: taskStore}, nil)

	sched := task.NewScheduler(taskStore, registry, bus, clock, engine, task.Config{
		ReadyBatchLimit:         cfg.Scheduler.ReadyBatchLimit,
		MaxValidationIterations: cfg.Scheduler.MaxValidationIterations,
		Default:                 cfg.Scheduler.TaskInProgressTimeout,
	}, log)

	disc := discovery.New(bus, clock, sched)

	dq := kclock.NewDeadlineQueue(clock)
	vloop := validation.NewLoop(bus, clock, sched, registry, dq, validation.Config{
		IterationTimeout: cfg.Validation.IterationTimeout,
	}, log)

	mon := diagnostic.New(bus, clock, sched, disc, engine, results, diagnostic.Config{
		SweepInterval:  cfg.Diagnostic.EvalInterval,
		StuckThreshold: cfg.Diagnostic.StuckThreshold,
		Cooldown:       cfg.Diagnostic.Cooldown,
	}, log)

	sup := supervisor.New(bus, clock, sched, registry, supervisor.DefaultConfig(), log)

	// Hydrate every in-memory index from the persistence façade before
	// wiring write-through, so replaying already-durable rows back through
	// Persist doesn't happen on startup (spec §5: the façade is the only
	// shared mutable state; every mutation after this point goes through it).
	if st != nil {
		if err := hydrate(ctx, st, taskStore, registry, engine, disc, vloop, sup); err != nil {
			return nil, fmt.Errorf("kernel: hydrate from store: %w", err)
		}
		taskStore.Persist = st
		registry.Persist = st
		engine.Persist = st
		disc.Persist = st
		vloop.Persist = st
		sup.Persist = st
	}

	registry.Metrics = metrics
	sched.Metrics = metrics
	vloop.Metrics = metrics
	mon.Metrics = metrics
	sup.Metrics = metrics

	return &Kernel{
		Config:     cfg,
		Bus:        bus,
		Clock:      clock,
		Metrics:    metrics,
		Store:      st,
		Registry:   registry,
		TaskStore:  taskStore,
		Scheduler:  sched,
		Board:      board,
		Catalogue:  catalogue,
		Engine:     engine,
		Discovery:  disc,
		Validation: vloop,
		Diagnostic: mon,
		Supervisor: sup,
		dq:         dq,
	}, nil
}

// hydrate rebuilds every component's in-memory index from a durable
// persistence façade at kernel startup (spec §5). Tasks load before tickets
// since the ticket engine's board placement and the task store are
// independent snapshots, but agents must load before the registry's names
// index can answer idempotent re-registrations.
func hydrate(ctx context.Context, st *store.Store, taskStore *task.Store, registry *agent.Registry, engine *ticket.Engine, disc *discovery.Service, vloop *validation.Loop, sup *supervisor.Supervisor) error {
	tasks, err := st.ListAllTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	taskStore.LoadAll(tasks)

	agents, err := st.ListAllAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	registry.LoadAll(agents)

	tickets, err := st.ListAllTickets(ctx)
	if err != nil {
		return fmt.Errorf("list tickets: %w", err)
	}
	if err := engine.LoadAll(tickets); err != nil {
		return fmt.Errorf("load tickets: %w", err)
	}

	discoveries, err := st.ListAllDiscoveries(ctx)
	if err != nil {
		return fmt.Errorf("list discoveries: %w", err)
	}
	disc.LoadAll(discoveries)

	reviews, err := st.ListAllReviews(ctx)
	if err != nil {
		return fmt.Errorf("list reviews: %w", err)
	}
	vloop.LoadAll(reviews)

	actions, err := st.ListAllSupervisorActions(ctx)
	if err != nil {
		return fmt.Errorf("list supervisor actions: %w", err)
	}
	sup.LoadAll(actions)

	return nil
}

// Start begins the diagnostic monitor's ticker loop. It does not start a
// periodic Scheduler.SweepTimeouts run; overdue in-progress tasks are moved
// to blocked only when SweepTimeouts is called. Callers are expected to
// drive ctx's cancellation on shutdown.
func (k *Kernel) Start(ctx context.Context) (stop func()) {
	stopDiag := k.Diagnostic.Start(ctx)
	return func() {
		stopDiag()
	}
}

// Close releases every resource the kernel owns: the deadline queue, the
// agent registry's heartbeat sweeper, the ticket engine's approval
// sweeper, the bus, and (if wired) the persistence façade.
func (k *Kernel) Close() error {
	k.dq.Stop()
	k.Registry.Close()
	k.Engine.Close()
	if err := k.Bus.Close(); err != nil {
		return fmt.Errorf("kernel: close bus: %w", err)
	}
	if k.Store != nil {
		if err := k.Store.Close(); err != nil {
			return fmt.Errorf("kernel: close store: %w", err)
		}
	}
	return nil
}

// SubmitAgentResult implements the AgentResult submission operation named
// in the data model (spec §3) and gated by the artifact constraints (spec
// §6): a markdown writeup an agent attaches to the task it owns. The path
// is validated (absolute, no traversal, .md extension, size limit,
// submitter-owns-task) before it is recorded against the persistence
// façade and registered with the ticket engine's artifact bookkeeping, so a
// later phase-gate evaluation can see it against expected_outputs.
func (k *Kernel) SubmitAgentResult(ctx context.Context, taskID, agentID, resultType, summary, path string) (*store.AgentResult, error) {
	if err := artifact.ValidateSubmission(taskOwnershipAdapter{k.Scheduler}, taskID, agentID, path); err != nil {
		return nil, err
	}
	t, ok := k.Scheduler.Get(taskID)
	if !ok {
		return nil, kernelerr.New(kernelerr.KindNotFound, "task %s not found", taskID)
	}

	result := &store.AgentResult{
		ID:                 uuid.New().String(),
		TaskID:             taskID,
		AgentID:            agentID,
		MarkdownPath:       path,
		Type:               resultType,
		Summary:            summary,
		VerificationStatus: store.VerificationPending,
		CreatedAt:          k.Clock.Now(),
	}
	if k.Store != nil {
		if err := k.Store.InsertAgentResult(ctx, result); err != nil {
			return nil, fmt.Errorf("kernel: insert agent result: %w", err)
		}
	}

	k.Engine.RecordArtifact(t.TicketID, path)
	return result, nil
}

// SubmitWorkflowResult implements the WorkflowResult submission operation:
// the rolled-up result for a whole ticket/workflow. A passed submission is
// what the diagnostic monitor's stuck predicate (spec §4.8 clause iii)
// checks for via HasValidatedResult before recommending a sweep action.
func (k *Kernel) SubmitWorkflowResult(ctx context.Context, workflowID string, evidence []string, passed bool, path string) (*store.WorkflowResult, error) {
	if err := artifact.ValidatePath(path); err != nil {
		return nil, err
	}

	status := store.ValidationStatusFailed
	if passed {
		status = store.ValidationStatusPassed
	}
	result := &store.WorkflowResult{
		ID:               uuid.New().String(),
		WorkflowID:       workflowID,
		MarkdownPath:     path,
		Evidence:         evidence,
		ValidationStatus: status,
		CreatedAt:        k.Clock.Now(),
	}
	if k.Store == nil {
		return nil, kernelerr.New(kernelerr.KindStoreUnavailable, "workflow result submission requires a persistence façade")
	}
	if err := k.Store.InsertWorkflowResult(ctx, result); err != nil {
		return nil, fmt.Errorf("kernel: insert workflow result: %w", err)
	}
	return result, nil
}

// SubmitWorkflowResultHTML converts html to markdown (via
// artifact.Converter, covering submissions that arrive as rendered HTML
// rather than already-authored markdown) and writes it to path before
// delegating to SubmitWorkflowResult.
func (k *Kernel) SubmitWorkflowResultHTML(ctx context.Context, workflowID, html string, evidence []string, passed bool, path string) (*store.WorkflowResult, error) {
	md, err := artifact.NewConverter().Convert(html)
	if err != nil {
		return nil, fmt.Errorf("kernel: convert workflow result to markdown: %w", err)
	}
	if err := artifact.WriteMarkdown(path, []byte(md)); err != nil {
		return nil, err
	}
	return k.SubmitWorkflowResult(ctx, workflowID, evidence, passed, path)
}
