package adapter

// Status is the connection state of one adapter.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Errored
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets statuses appear by name in JSON status reports.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
