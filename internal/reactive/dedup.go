package reactive

import "sync"

// SignatureSet remembers recently processed transaction signatures.
// Insertion order is kept so the oldest half can be dropped when the
// set outgrows its cap. Loss on restart is acceptable: a replayed event
// at worst triggers one duplicate counter-trade, still bounded by the
// per-token cooldown.
type SignatureSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

func NewSignatureSet(capacity int) *SignatureSet {
	if capacity <= 0 {
		capacity = 4000
	}
	return &SignatureSet{
		seen: make(map[string]struct{}, capacity),
		cap:  capacity,
	}
}

// Seen records the signature and reports whether it was already present.
func (s *SignatureSet) Seen(sig string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[sig]; ok {
		return true
	}
	s.seen[sig] = struct{}{}
	s.order = append(s.order, sig)
	if len(s.order) > s.cap {
		half := len(s.order) / 2
		for _, old := range s.order[:half] {
			delete(s.seen, old)
		}
		s.order = append([]string(nil), s.order[half:]...)
	}
	return false
}

func (s *SignatureSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
