package session

// Matchmaker is the FIFO waiting queue of connections seeking a partner.
// Not safe for concurrent use on its own; the Coordinator's lock guards it,
// which also makes pairing and queue mutation a single atomic step.
type Matchmaker struct {
	queue []*Connection
}

// RequestPairing pops and returns the oldest waiting connection if the queue
// is non-empty (paired result). Otherwise it appends conn and reports a
// waiting result with a nil partner.
func (m *Matchmaker) RequestPairing(conn *Connection) (partner *Connection, paired bool) {
	if len(m.queue) > 0 {
		partner = m.queue[0]
		m.queue = m.queue[1:]
		return partner, true
	}
	m.queue = append(m.queue, conn)
	return nil, false
}

// RemoveIfWaiting removes conn from the queue if present. No-op if absent.
func (m *Matchmaker) RemoveIfWaiting(conn *Connection) {
	for i, c := range m.queue {
		if c == conn {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// Len returns the number of waiting connections.
func (m *Matchmaker) Len() int {
	return len(m.queue)
}
