// Package agent implements the agent registry: registration, heartbeat
// tracking, the status state machine, and the capability index used by the
// scheduler during dispatch. Its registry shape is modeled on the model
// package's capability-keyed registry (mutex-guarded maps, an inverted
// index for O(1) lookup, a pluggable health tracker) but built around
// agent lifecycle rather than model endpoint selection.
package agent

import (
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of agent registered against the kernel.
type Type string

const (
	TypeWorker    Type = "worker"
	TypeMonitor   Type = "monitor"
	TypeWatchdog  Type = "watchdog"
	TypeGuardian  Type = "guardian"
	TypeValidator Type = "validator"
)

// AuthorityLevel orders agent types for supervisor-action authorization.
func (t Type) AuthorityLevel() int {
	switch t {
	case TypeWorker:
		return 1
	case TypeWatchdog:
		return 2
	case TypeMonitor:
		return 3
	case TypeGuardian:
		return 4
	default:
		return 0
	}
}

// Status is the agent's position in the registry state machine.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusFailed      Status = "failed"
	StatusQuarantined Status = "quarantined"
	StatusUnresponsive Status = "unresponsive"
)

// validTransitions enumerates the edges of the status state machine. Any
// status may move to quarantined; only an explicit supervisor action moves
// a quarantined agent back to idle (enforced by the caller, not this map).
var validTransitions = map[Status][]Status{
	StatusIdle:         {StatusRunning, StatusFailed, StatusUnresponsive, StatusQuarantined},
	StatusRunning:      {StatusIdle, StatusFailed, StatusUnresponsive, StatusQuarantined},
	StatusFailed:       {StatusQuarantined, StatusIdle},
	StatusUnresponsive: {StatusQuarantined, StatusIdle, StatusRunning},
	StatusQuarantined:  {StatusIdle},
}

// CanTransition reports whether from → to is a legal status edge.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HealthStatus is a coarse summary derived from heartbeat recency and
// restart history, distinct from Status (which also reflects task binding
// and supervisor intervention).
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// Capacity bounds how many tasks an agent may hold concurrently.
type Capacity struct {
	MaxConcurrentTasks int
}

// Agent is the registry entity described in the data model: every worker,
// monitor, watchdog, guardian, and validator process the kernel knows
// about.
type Agent struct {
	ID              string
	Name            string
	Type            Type
	PhaseID         string
	Capabilities    map[string]struct{}
	Status          Status
	HealthStatus    HealthStatus
	CurrentTaskID   string
	LastHeartbeatAt time.Time
	RestartCount    int
	PublicKey       ed25519.PublicKey
	Capacity        Capacity
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasCapability reports whether the agent advertises cap.
func (a *Agent) HasCapability(cap string) bool {
	_, ok := a.Capabilities[cap]
	return ok
}

// HasAllCapabilities reports whether the agent advertises every entry in caps.
func (a *Agent) HasAllCapabilities(caps []string) bool {
	for _, c := range caps {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

// newID mints a fresh identifier. Extracted so tests can override generation
// indirectly via dependency injection at the Registry level if needed.
func newID() string { return uuid.New().String() }
