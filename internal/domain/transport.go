package domain

// TransportState is the lifecycle state of a transport.
// Legal transitions: Created -> Connected -> Closed, Created -> Closed.
// Closed is terminal.
type TransportState int

const (
	TransportCreated TransportState = iota
	TransportConnected
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportCreated:
		return "created"
	case TransportConnected:
		return "connected"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}
