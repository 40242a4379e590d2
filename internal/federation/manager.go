package federation

import (
	"context"
	"sync"
	"time"

	"frameworks/fedmgr/internal/logging"
	"frameworks/fedmgr/internal/metrics"
	"frameworks/fedmgr/internal/scheduler"
	"frameworks/fedmgr/internal/transport"
)

// Manager is the federation manager: it owns the named synchronization
// primitives (FedLock, per-peer mutexes via PeerTable,
// JobListMutex via JobRegistry, OpenSendMutex, UpdateMutex, InitMutex) and
// wires together the five worker loops plus the submission orchestrator.
type Manager struct {
	// FedLock: the federation record (name + peer list) is read/written
	// under this lock. Handlers must never hold it across a blocking peer
	// send; the established pattern is read-lock, copy what's
	// needed, unlock, then send.
	FedLock sync.RWMutex
	fedName string
	peers   *PeerTable

	localID   ClusterID
	localName string

	jobs *JobRegistry

	openSendMu sync.Mutex // serializes fan-out of Open across peers
	updateMu   sync.Mutex // serializes membership transitions
	initMu     sync.Mutex // one-time init/fini

	// recvConns maps a transport-level connection name (an ephemeral
	// remote address over TCP) to the peer it turned out to belong to,
	// learned from the ClusterID on its first message. Used to detach the
	// peer's recv reference when the transport reports the connection
	// finished.
	recvMu    sync.Mutex
	recvConns map[string]ClusterID

	scheduler scheduler.Scheduler
	transport transport.Transport
	store     ConfigStore
	metrics   *metrics.Collector
	logger    logging.Logger

	stateSaveDir string

	agent      *AgentLoop
	jobUpdate  *JobUpdateLoop
	ping       *PingLoop
	drain      *DrainWatcher
	membership *MembershipController
	orch       *Orchestrator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles the production collaborators a Manager needs.
type Config struct {
	LocalName    string
	Scheduler    scheduler.Scheduler
	Transport    transport.Transport
	Store        ConfigStore
	Metrics      *metrics.Collector
	Logger       logging.Logger
	StateSaveDir string
	ProtoTimeout time.Duration
	CommFailWin  time.Duration
}

// NewManager constructs a Manager with every worker loop wired but not yet
// started; call Start to begin the three long-lived loops plus the
// membership controller's watch consumer.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		peers:        NewPeerTable(),
		recvConns:    make(map[string]ClusterID),
		localName:    cfg.LocalName,
		jobs:         NewJobRegistry(),
		scheduler:    cfg.Scheduler,
		transport:    cfg.Transport,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		stateSaveDir: cfg.StateSaveDir,
	}
	if cfg.CommFailWin > 0 {
		m.peers.SetCommFailWindow(cfg.CommFailWin)
	}
	protoTimeout := cfg.ProtoTimeout
	if protoTimeout == 0 {
		protoTimeout = transport.DefaultProtocolTimeout
	}

	m.agent = NewAgentLoop(m, protoTimeout)
	m.jobUpdate = NewJobUpdateLoop(m)
	m.ping = NewPingLoop(m)
	m.drain = NewDrainWatcher(m)
	m.orch = NewOrchestrator(m)
	m.membership = NewMembershipController(m)
	return m
}

// Start launches the three long-lived worker loops and the membership
// controller's config-store watch consumer.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(3)
	go func() { defer m.wg.Done(); m.agent.Run(ctx) }()
	go func() { defer m.wg.Done(); m.jobUpdate.Run(ctx) }()
	go func() { defer m.wg.Done(); m.ping.Run(ctx) }()

	m.wg.Add(1)
	go func() { defer m.wg.Done(); m.membership.Run(ctx) }()
}

// Stop signals shutdown_time and waits
// for every worker loop to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// LocalID returns this controller's cluster id within the federation, or 0
// if it has not yet joined one.
func (m *Manager) LocalID() ClusterID {
	m.FedLock.RLock()
	defer m.FedLock.RUnlock()
	return m.localID
}

// EnqueueUpdate is the single entry point external callers (RPC handlers,
// the transport's recv dispatch) use to hand work to the Job-Update Loop.
func (m *Manager) EnqueueUpdate(u JobUpdate) {
	m.jobUpdate.Enqueue(u)
}

// Submit is the scheduler's submit-handler entry point into the
// Submission Orchestrator: a new user job, submitted
// locally, becomes the origin copy of a federated job and is fanned out
// to every viable sibling. requestedJobID must be zero; a nonzero value
// means the caller tried to preselect an id and is rejected.
func (m *Manager) Submit(ctx context.Context, desc scheduler.JobDesc, requestedJobID FedJobID) (FedJobID, error) {
	return m.orch.Submit(ctx, desc, requestedJobID)
}

// UpdateClusters is the scheduler's update-handler entry point for delta
// updates: called when a pending job's Clusters or ClusterFeatures
// change, it recomputes the viable set and reconciles SiblingsActive
// toward it. Must only be called at jobID's origin.
func (m *Manager) UpdateClusters(ctx context.Context, jobID FedJobID, desc scheduler.JobDesc) {
	m.orch.Rebalance(ctx, jobID, desc)
}

// ReleaseHold is the scheduler's hold-release entry point: a job
// submitted with Priority 0 skipped fan-out; once the hold clears, this
// fans it out to the viable sibling set for the first time.
func (m *Manager) ReleaseHold(ctx context.Context, jobID FedJobID, desc scheduler.JobDesc) {
	m.orch.FanOut(ctx, jobID, desc)
}

// SaveSnapshot writes fed_mgr_state for the current federation + job table.
func (m *Manager) SaveSnapshot() error {
	m.FedLock.RLock()
	rec := m.currentRecordLocked()
	m.FedLock.RUnlock()

	return WriteSnapshot(m.stateSaveDir, PersistedState{
		ProtocolVersion: SnapshotProtocolVersion,
		WrittenAt:       now(),
		Federation:      rec,
		Jobs:            m.jobs.Snapshot().Jobs,
	})
}

// ManagerStatus is the full admin/status payload.
type ManagerStatus struct {
	FederationName string
	LocalID        ClusterID
	Peers          []PeerStatus
	Jobs           FederationStatus
}

// Status assembles a point-in-time snapshot for the status HTTP handler.
func (m *Manager) Status() ManagerStatus {
	m.FedLock.RLock()
	name := m.fedName
	local := m.localID
	m.FedLock.RUnlock()

	return ManagerStatus{
		FederationName: name,
		LocalID:        local,
		Peers:          m.peers.Status(),
		Jobs:           m.jobs.Snapshot(),
	}
}

// currentRecordLocked rebuilds a FederationRecord from the live peer table
// plus local identity. Caller must hold FedLock (read or write).
func (m *Manager) currentRecordLocked() FederationRecord {
	rec := FederationRecord{Name: m.fedName}
	for _, p := range m.peers.Snapshot() {
		rec.Peers = append(rec.Peers, p.Spec)
	}
	return rec
}

// RestoreSnapshot loads fed_mgr_state. FedJobInfo entries originated at
// this peer are retained only if the scheduler still recognizes their
// local id; entries originated at other peers are retained without that
// check. Must be called before Start.
func (m *Manager) RestoreSnapshot(ctx context.Context) error {
	st, err := ReadSnapshot(m.stateSaveDir)
	if err != nil {
		return err
	}

	// Restore runs before the initial Join, so localID is not yet
	// assigned; the snapshot's own federation record supplies it.
	localID := m.LocalID()
	if localID == 0 {
		for _, p := range st.Federation.Peers {
			if p.Name == m.localName {
				localID = p.ID
				break
			}
		}
	}

	kept := make([]FedJobInfo, 0, len(st.Jobs))
	for _, j := range st.Jobs {
		if j.JobID.Origin() != localID && j.JobID.Origin() != 0 {
			// Not ours to re-adopt from a local scheduler lookup; keep as
			// a sibling record, reconciliation will repair it on reconnect.
			kept = append(kept, j)
			continue
		}
		if _, err := m.scheduler.FindJob(ctx, j.JobID.LocalID()); err != nil {
			m.logger.WithField("job_id", j.JobID).Info("dropping orphaned fed job record on restart")
			continue
		}
		kept = append(kept, j)
	}
	m.jobs.LoadSnapshot(kept)
	return nil
}
