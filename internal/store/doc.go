// Package store defines the repository configuration model shared by every
// other layer: the StoreKey identity, the sealed ArtifactStore union over
// hosted/remote/group repositories, and the allow/exclude path filters.
// Values are immutable by replacement: callers Clone a store, edit the clone
// and hand it to the registry, which publishes it as a new revision. A store
// obtained from the registry must never be mutated in place.
package store
