package network

// Status is the coarse network state reported to the application. Only
// the feature state machines change it.
type Status int

const (
	StatusError Status = iota
	StatusIdle
	StatusConnecting
	StatusReady
	StatusGprsReady
	StatusTransparentConnected
	StatusOff
)

func (s Status) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusGprsReady:
		return "gprs-ready"
	case StatusTransparentConnected:
		return "transparent-connected"
	case StatusOff:
		return "off"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
