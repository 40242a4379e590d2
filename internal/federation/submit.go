package federation

import (
	"context"
	"math/bits"

	"frameworks/fedmgr/internal/scheduler"
)

// Orchestrator implements the submission fan-out: decide
// which peers are viable for a newly allocated job, record that set, and
// enqueue a SUBMIT RPC to every viable peer other than the origin itself.
//
// Submit and Rebalance are the "External RPCs ... call Submission
// Orchestrator" path: unlike the rest of
// this package, they are called directly by the scheduler's submit/update
// handlers rather than routed through the Job-Update Loop's queue, because
// they only ever create or adjust the single job they're given and do not
// need FIFO ordering against unrelated jobs. Everything they touch on the
// shared JobRegistry still goes through JobRegistry's own mutex.
type Orchestrator struct {
	m *Manager
}

func NewOrchestrator(m *Manager) *Orchestrator {
	return &Orchestrator{m: m}
}

// Submit implements the local submission entry point: reject a
// caller-preselected job id, refuse while this cluster is draining or
// being removed, validate the requested cluster features, allocate a
// fresh FedJobID with this peer as origin, submit locally, and fan out
// to every other viable sibling unless the job was submitted held or the
// local allocation already failed.
func (o *Orchestrator) Submit(ctx context.Context, desc scheduler.JobDesc, requestedJobID FedJobID) (FedJobID, error) {
	if requestedJobID != 0 {
		return 0, &PolicyError{Code: PolicyJobIDPreset, Msg: "caller may not preselect a federated job id"}
	}
	// While draining, jobs already here keep being scheduled, but new
	// submissions are turned away.
	if o.localDraining() {
		return 0, &PolicyError{Code: PolicyClusterDraining, Msg: "cluster is draining, new submissions refused"}
	}
	if err := o.checkClusterFeatures(desc); err != nil {
		return 0, err
	}

	localID, err := o.m.scheduler.NextLocalID(ctx)
	if err != nil {
		return 0, err
	}
	jobID := NewFedJobID(o.m.localID, localID)

	st, err := o.m.scheduler.Allocate(ctx, localID, desc)
	if err != nil {
		return jobID, err
	}

	viable := o.viableMask(desc)
	info := &FedJobInfo{JobID: jobID, SubmitTime: now(), SiblingsViable: viable, Desc: desc}
	if viable&Bit(o.m.localID) != 0 {
		info.SiblingsActive = Bit(o.m.localID)
	}
	if st.Failed {
		// Local allocation itself failed. Register the
		// terminal record so status queries still find it, but never fan
		// out a job that's already dead at its only copy.
		info.Revoked = true
		info.ReturnCode = -1
		o.m.jobs.Put(info)
		return jobID, nil
	}
	o.m.jobs.Put(info)

	if desc.Priority == 0 {
		// Submitted held. Siblings are created when the hold
		// is released, via a later Submit/FanOut-equivalent call from the
		// scheduler's hold-release handler.
		return jobID, nil
	}

	o.m.jobs.Mutate(jobID, func(j *FedJobInfo) { j.SiblingsActive = viable })
	o.fanOutTo(ctx, jobID, desc, viable)
	return jobID, nil
}

// localDraining reports whether this controller's own PeerSpec carries
// the DRAIN or REMOVE flag.
func (o *Orchestrator) localDraining() bool {
	p, ok := o.m.peers.Get(o.m.LocalID())
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Spec.Draining() || p.Spec.Removing()
}

// checkClusterFeatures validates the request: every requested feature
// must be advertised by at least one known peer, and every explicitly
// named cluster must be a peer we actually know about.
func (o *Orchestrator) checkClusterFeatures(desc scheduler.JobDesc) error {
	names := make(map[string]bool)
	features := make(map[string]bool)
	for _, p := range o.m.peers.Snapshot() {
		p.mu.Lock()
		spec := p.Spec
		p.mu.Unlock()
		names[spec.Name] = true
		for _, f := range spec.Features {
			features[f] = true
		}
	}
	for _, f := range desc.ClusterFeatures {
		if !features[f] {
			return &PolicyError{Code: PolicyInvalidClusterFeature, Msg: "no peer advertises feature " + f}
		}
	}
	for _, c := range desc.Clusters {
		if !names[c] {
			return &PolicyError{Code: PolicyInvalidCluster, Msg: "unknown cluster " + c}
		}
	}
	return nil
}

// FanOut records jobID's viable sibling set from desc and sends a SUBMIT
// envelope to each viable peer besides the local one. It does not wait for
// replies; SUBMIT_RESP (handled by the Job-Update Loop) narrows the
// bitmasks down as siblings decline or accept. Used for hold-release
// re-fan-out, where the job already has a FedJobID and local copy from an
// earlier held Submit.
func (o *Orchestrator) FanOut(ctx context.Context, jobID FedJobID, desc scheduler.JobDesc) {
	viable := o.viableMask(desc)
	o.m.jobs.Mutate(jobID, func(j *FedJobInfo) {
		j.SiblingsViable = viable
		j.SiblingsActive = viable
		j.Desc = desc
	})
	o.fanOutTo(ctx, jobID, desc, viable)
}

// Rebalance handles a delta update: recompute Viable for a
// pending job whose Clusters or ClusterFeatures changed, revoke siblings
// that fell out of the viable set, fan out to newly-viable ones, and flip
// the origin's own REVOKED bit if its own viability crossed the line.
// Must only be called at the job's origin.
func (o *Orchestrator) Rebalance(ctx context.Context, jobID FedJobID, desc scheduler.JobDesc) {
	viable := o.viableMask(desc)
	origin := jobID.Origin()

	var add, rem uint64
	var originBecameNonViable bool
	found := o.m.jobs.Mutate(jobID, func(j *FedJobInfo) {
		j.Desc = desc
		active := j.SiblingsActive
		wasOriginViable := active&Bit(origin) != 0
		add = viable &^ active
		rem = active &^ viable
		j.SiblingsViable = viable
		j.SiblingsActive = (active &^ rem) | add

		if origin != o.m.localID {
			return
		}
		nowOriginViable := viable&Bit(origin) != 0
		switch {
		case !wasOriginViable && nowOriginViable:
			j.Revoked = false
		case wasOriginViable && !nowOriginViable:
			originBecameNonViable = true
		}
	})
	if !found {
		return
	}

	if rem != 0 {
		o.m.RevokeSiblings(jobID, 0, rem, now(), 0)
	}
	if originBecameNonViable {
		o.m.Revoke(ctx, jobID, false, 0, now())
	}
	if add == 0 {
		return
	}
	o.fanOutTo(ctx, jobID, desc, add)
}

// fanOutTo enqueues a SUBMIT envelope to every peer in mask other than the
// local one; it never blocks on peer I/O and never waits for a reply.
func (o *Orchestrator) fanOutTo(ctx context.Context, jobID FedJobID, desc scheduler.JobDesc, mask uint64) {
	payload, err := encodeJobDesc(desc)
	if err != nil {
		o.m.logger.WithError(err).WithField("job_id", jobID).Error("fan-out: failed to encode job descriptor")
		return
	}

	mask &^= Bit(o.m.localID)
	for mask != 0 {
		bit := bits.TrailingZeros64(mask)
		mask &^= 1 << bit
		peerID := ClusterID(bit + 1)

		msg := SibMsg{
			Type:      MsgSubmitBatch,
			JobID:     jobID,
			ClusterID: o.m.localID,
			Inner:     payload,
		}
		o.m.agent.Enqueue(peerID, &PendingRpc{
			Msg:     msg,
			JobID:   jobID,
			MsgType: MsgSubmitBatch,
			LastTry: now(),
		})
	}
}

// viableMask computes the eligible peer set: every active, non-draining,
// non-removing peer qualifies unless the submission named an explicit
// cluster list, in which case only those names qualify; a requested
// feature set further narrows it to peers advertising every named feature.
func (o *Orchestrator) viableMask(desc scheduler.JobDesc) uint64 {
	named := make(map[string]bool, len(desc.Clusters))
	for _, name := range desc.Clusters {
		named[name] = true
	}

	var mask uint64
	for _, p := range o.m.peers.Snapshot() {
		p.mu.Lock()
		spec := p.Spec
		p.mu.Unlock()

		if spec.State != StateActive || spec.Draining() || spec.Removing() {
			continue
		}
		if len(named) > 0 && !named[spec.Name] {
			continue
		}
		if !hasAllFeatures(spec.Features, desc.ClusterFeatures) {
			continue
		}
		mask |= Bit(spec.ID)
	}
	return mask
}

func hasAllFeatures(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, f := range have {
		set[f] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
