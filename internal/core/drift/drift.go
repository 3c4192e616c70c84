// Package drift decides whether a host needs re-provisioning by
// comparing the fingerprint last known to have been applied against the
// freshly rendered one.
package drift

// NeedsApply reports whether the host has drifted: the fingerprints
// differ, or no applied fingerprint is on record. The answer is
// advisory - the orchestrator may force-apply regardless - but default
// behavior skips converged hosts, which is what makes repeated runs
// cheap and safe.
func NeedsApply(freshFingerprint, lastApplied string) bool {
	return lastApplied == "" || freshFingerprint != lastApplied
}
