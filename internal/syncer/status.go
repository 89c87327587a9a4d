package syncer

// Status describes where an entity sits in the dual-write lifecycle.
type Status string

const (
	// StatusLocalOnly means the entity exists in the local cache and no
	// remote push has been attempted this session.
	StatusLocalOnly Status = "saved-locally"

	// StatusPending means a debounced remote push is armed.
	StatusPending Status = "pending"

	// StatusSynced means the most recent remote push succeeded.
	StatusSynced Status = "synced"

	// StatusRetry means the most recent remote push failed; the entity
	// is safe locally and will be reconciled on the next save or load.
	StatusRetry Status = "retry"
)

// Status reports the sync state of an entity id.
func (s *Syncer) Status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.status[id]; ok {
		return st
	}

	return StatusLocalOnly
}
