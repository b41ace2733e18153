package playsync

import (
	"log/slog"
	"math/rand/v2"
)

// RequestJoin handles a newly attached client's peer-sync request. One
// existing connection, chosen uniformly at random and excluding the
// requester, is nudged with a client_join event; that peer is expected to
// react by re-announcing its live position, which then reaches the
// requester through the ordinary update fan-out. Returns false when no
// candidate exists (the requester keeps the snapshot it got at attach).
func (e *Engine) RequestJoin(s *Session, requesterID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneClosed()

	candidates := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.ID != requesterID {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return false
	}

	peer := candidates[rand.IntN(len(candidates))]
	if !peer.handle.push(Frame{Event: EventClientJoin, Data: []byte("{}")}) {
		slog.Debug("join nudge dropped", "session", s.ID, "peer", peer.ID)
		return false
	}
	slog.Debug("join nudge sent", "session", s.ID, "requester", requesterID, "peer", peer.ID)
	return true
}
