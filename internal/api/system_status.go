package api

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/recomma/flipledger/engine"
)

// SystemStatusTracker tracks the current health state of the pipeline.
type SystemStatusTracker struct {
	mu sync.RWMutex
	now func() time.Time

	engineRunning  bool
	lastUpdate     *time.Time
	updates        int64
	storageFailure *string
	pendingFunc    func() int

	collaborators map[string]*CollaboratorStatus
}

// CollaboratorStatus is the health of one auxiliary service, keyed by the
// best-effort operation name prefix ("ledger", "orderbook", "notify").
type CollaboratorStatus struct {
	Name      string     `json:"name"`
	Healthy   bool       `json:"healthy"`
	LastError *string    `json:"last_error,omitempty"`
	LastCall  *time.Time `json:"last_call,omitempty"`
}

// SystemStatus is a point-in-time view served by /api/status.
type SystemStatus struct {
	Timestamp     time.Time            `json:"timestamp"`
	Engine        EngineStatus         `json:"engine"`
	Collaborators []CollaboratorStatus `json:"collaborators,omitempty"`
}

type EngineStatus struct {
	Running      bool       `json:"running"`
	Updates      int64      `json:"updates"`
	Pending      int        `json:"pending"`
	LastUpdate   *time.Time `json:"last_update,omitempty"`
	StorageError *string    `json:"storage_error,omitempty"`
}

func NewSystemStatusTracker() *SystemStatusTracker {
	return &SystemStatusTracker{
		now:           time.Now,
		collaborators: make(map[string]*CollaboratorStatus),
	}
}

// SetPendingFunc sets the function reporting queued updates.
func (s *SystemStatusTracker) SetPendingFunc(fn func() int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFunc = fn
}

func (s *SystemStatusTracker) SetEngineRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engineRunning = running
}

// RecordUpdate folds an applied update into the status: the update clock,
// durable write failures and the outcome of every auxiliary call.
func (s *SystemStatusTracker) RecordUpdate(report engine.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	s.lastUpdate = &now
	s.updates++

	if err := report.StorageErrors(); err != nil {
		msg := err.Error()
		s.storageFailure = &msg
	} else if len(report.Lines) > 0 {
		s.storageFailure = nil
	}

	for _, line := range report.Lines {
		for _, res := range line.Aux {
			s.recordCall(collaboratorOf(res.Op), res.Err, now)
		}
	}
	if report.Snapshot != nil {
		for _, res := range report.Snapshot.Notifications {
			s.recordCall(collaboratorOf(res.Op), res.Err, now)
		}
	}
}

func (s *SystemStatusTracker) recordCall(name string, err error, at time.Time) {
	status, ok := s.collaborators[name]
	if !ok {
		status = &CollaboratorStatus{Name: name}
		s.collaborators[name] = status
	}
	status.LastCall = &at
	status.Healthy = err == nil
	status.LastError = nil
	if err != nil {
		msg := err.Error()
		status.LastError = &msg
	}
}

// Snapshot returns a point-in-time view of system status.
func (s *SystemStatusTracker) Snapshot() SystemStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := 0
	if s.pendingFunc != nil {
		pending = s.pendingFunc()
	}

	collaborators := make([]CollaboratorStatus, 0, len(s.collaborators))
	for _, c := range s.collaborators {
		collaborators = append(collaborators, *c)
	}
	sort.Slice(collaborators, func(i, j int) bool { return collaborators[i].Name < collaborators[j].Name })

	return SystemStatus{
		Timestamp: s.now().UTC(),
		Engine: EngineStatus{
			Running:      s.engineRunning,
			Updates:      s.updates,
			Pending:      pending,
			LastUpdate:   s.lastUpdate,
			StorageError: s.storageFailure,
		},
		Collaborators: collaborators,
	}
}

func collaboratorOf(op string) string {
	name, _, _ := strings.Cut(op, ".")
	return name
}
