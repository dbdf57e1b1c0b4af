// Package syncer keeps the in-memory task and activity lists consistent with
// whichever store is authoritative for the current session, and merges the
// anonymous local data into an account exactly once on login.
package syncer

import "prism-sync/domain"

// Backend names the store a session reads from and writes to.
type Backend int

const (
	// Local is the device cache used while anonymous.
	Local Backend = iota
	// Remote is the per-account store used once authenticated.
	Remote
)

func (b Backend) String() string {
	switch b {
	case Local:
		return "local"
	case Remote:
		return "remote"
	}
	return "unknown"
}

// AuthoritativeBackend selects the backend for a session snapshot. It has no
// side effects.
func AuthoritativeBackend(s domain.Session) Backend {
	if s.Anonymous() {
		return Local
	}
	return Remote
}
