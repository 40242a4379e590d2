package federation

import "context"

// ClusterDelta describes an administrative change to one peer's state, as
// applied by ConfigStore.ModifyClusters.
type ClusterDelta struct {
	ID    ClusterID
	State State
	Flags Flag
}

// FederationDelta describes an administrative federation-level change
// (e.g. removing this controller), applied by ConfigStore.ModifyFederations.
type FederationDelta struct {
	RemoveSelf bool
}

// ConfigStore is the federation configuration store's contract: the
// authoritative, externally-owned source of truth for federation
// membership. The manager never persists membership decisions itself; it
// reads and mutates them here and reacts to asynchronous Watch
// notifications. The interface lives in
// this package, next to its consumer; internal/configstore supplies the
// production HTTP implementation and FakeConfigStore the test one.
type ConfigStore interface {
	// GetFederations returns the federation record this controller
	// currently belongs to, or ok=false if it belongs to none.
	GetFederations(ctx context.Context, controllerName string) (rec FederationRecord, ok bool, err error)

	// ModifyClusters applies administrative per-peer state changes.
	ModifyClusters(ctx context.Context, fedName string, deltas []ClusterDelta) error

	// ModifyFederations applies administrative federation-level changes,
	// e.g. removing the local controller from the federation.
	ModifyFederations(ctx context.Context, fedName string, delta FederationDelta) error

	// Watch streams federation-record snapshots whenever the store's view
	// of this controller's federation changes. The channel is closed when
	// ctx is cancelled or the store connection ends for good.
	Watch(ctx context.Context, controllerName string) (<-chan FederationRecord, error)
}
