package modem

import (
	"strconv"
	"strings"

	"i4.energy/across/cellular/at"
)

type EventType int

const (
	EvUnknown EventType = iota
	EvNewMessage
	EvMessageReport
	EvRing
	EvSocketRing
	EvSocketClosed
	EvNoCarrier
	EvSignalUpdate
)

func (t EventType) String() string {
	switch t {
	case EvNewMessage:
		return "new-message"
	case EvMessageReport:
		return "message-report"
	case EvRing:
		return "ring"
	case EvSocketRing:
		return "socket-ring"
	case EvSocketClosed:
		return "socket-closed"
	case EvNoCarrier:
		return "no-carrier"
	case EvSignalUpdate:
		return "signal"
	default:
		return "unknown"
	}
}

// Event is a parsed unsolicited line.
type Event struct {
	Type EventType
	// Storage is the message storage of +CMTI/+CDSI, e.g. "SM".
	Storage string
	// Index is the storage index of a message, or the socket id of socket
	// events. It is -1 when absent.
	Index int
	// Value carries the remaining payload, e.g. the pending byte count of
	// SRING or the signal quality.
	Value string
	// Raw is the line as received.
	Raw string
}

// socketClosedLength is the length a Telit modem reports in a #SRECV
// notification for a socket closed by the peer.
const socketClosedLength = "4294967295"

// ParseEvent classifies an unsolicited or orphaned line.
func ParseEvent(line string) Event {
	ev := Event{Index: -1, Raw: line}
	switch {
	case strings.HasPrefix(line, at.UrcNewMsg):
		ev.Type = EvNewMessage
		ev.Storage, ev.Index = storageIndex(strings.TrimPrefix(line, at.UrcNewMsg))
	case strings.HasPrefix(line, at.UrcMessageReport):
		ev.Type = EvMessageReport
		ev.Storage, ev.Index = storageIndex(strings.TrimPrefix(line, at.UrcMessageReport))
	case line == at.UrcCall:
		ev.Type = EvRing
	case strings.HasPrefix(line, at.UrcSocketRing):
		ev.Type = EvSocketRing
		ev.Index, ev.Value = socketFields(strings.TrimPrefix(line, at.UrcSocketRing))
	case strings.HasPrefix(line, at.UrcSSLSocketRing):
		ev.Type = EvSocketRing
		ev.Index, ev.Value = socketFields(strings.TrimPrefix(line, at.UrcSSLSocketRing))
	case strings.HasPrefix(line, at.UrcSocketRecv):
		ev.Index, ev.Value = socketFields(strings.TrimPrefix(line, at.UrcSocketRecv))
		if ev.Value == socketClosedLength {
			ev.Type = EvSocketClosed
		}
	case line == at.NoCarrier:
		ev.Type = EvNoCarrier
	case strings.HasPrefix(line, at.UrcSignalStrength):
		ev.Type = EvSignalUpdate
		ev.Value = strings.TrimSpace(strings.TrimPrefix(line, at.UrcSignalStrength))
	}
	return ev
}

func storageIndex(s string) (string, int) {
	storage, idx, ok := strings.Cut(s, ",")
	if !ok {
		return "", -1
	}
	i, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil {
		i = -1
	}
	return strings.Trim(strings.TrimSpace(storage), `"`), i
}

func socketFields(s string) (int, string) {
	id, rest, _ := strings.Cut(strings.TrimSpace(s), ",")
	i, err := strconv.Atoi(id)
	if err != nil {
		i = -1
	}
	return i, strings.TrimSpace(rest)
}
