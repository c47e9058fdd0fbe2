package models

// Event is a typed notification delivered to the UI layer through the
// engine's single event channel.
type Event interface {
	event()
}

// ConnectionStateChanged reports a peer connection state transition.
//
// Reason is non-empty when the transition carries an explanation the UI
// should surface, e.g. the reconnect window being exhausted.
type ConnectionStateChanged struct {
	Peer   string
	State  ConnectionState
	Reason string
}

// TransferProgress reports confirmed progress for one job. Emitted at a
// throttled rate, not once per chunk.
type TransferProgress struct {
	JobID     string
	Peer      string
	Direction Direction
	BytesDone int64
	Total     int64
	// Rate is the instantaneous transfer rate in bytes per second.
	Rate float64
	// ETASeconds estimates remaining time at the current rate; zero when
	// the rate is unknown.
	ETASeconds float64
}

// TransferTerminal reports that a job reached a terminal status.
type TransferTerminal struct {
	JobID  string
	Peer   string
	Status JobStatus
	Reason string
}

func (ConnectionStateChanged) event() {}
func (TransferProgress) event()       {}
func (TransferTerminal) event()       {}
