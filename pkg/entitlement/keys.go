package entitlement

// Keys builds store keys for snapshots, counters and idempotency markers.
// Prefix, when set, is prepended verbatim (e.g. "sage:").
type Keys struct {
	Prefix string
}

// Snapshot returns the cache key for a workspace's entitlement snapshot.
func (k Keys) Snapshot(workspaceID string) string {
	return k.Prefix + "entitlements:" + workspaceID
}

// Counter returns the key of a workspace's usage counter for meter.
func (k Keys) Counter(workspaceID, meter string) string {
	return k.Prefix + "usage:" + workspaceID + ":" + meter
}

// Applied returns the marker key recording that a workspace's idempotency
// key was counted.
func (k Keys) Applied(workspaceID, idempotencyKey string) string {
	return k.Prefix + "usage:applied:" + workspaceID + ":" + idempotencyKey
}
