package modem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"i4.energy/across/cellular/modem"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		line    string
		typ     modem.EventType
		storage string
		index   int
		value   string
	}{
		{`+CMTI: "SM",3`, modem.EvNewMessage, "SM", 3, ""},
		{`+CDSI: "SR",12`, modem.EvMessageReport, "SR", 12, ""},
		{"RING", modem.EvRing, "", -1, ""},
		{"SRING: 2,128", modem.EvSocketRing, "", 2, "128"},
		{"#SSLSRING: 1,64", modem.EvSocketRing, "", 1, "64"},
		{"#SRECV: 3,4294967295", modem.EvSocketClosed, "", 3, "4294967295"},
		{"#SRECV: 3,10", modem.EvUnknown, "", 3, "10"},
		{"NO CARRIER", modem.EvNoCarrier, "", -1, ""},
		{"+CSQ: 21,99", modem.EvSignalUpdate, "", -1, "21,99"},
		{"+CMTI: garbage", modem.EvNewMessage, "", -1, ""},
		{"something else", modem.EvUnknown, "", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ev := modem.ParseEvent(tt.line)
			require.Equal(t, tt.typ, ev.Type, ev.Type.String())
			require.Equal(t, tt.storage, ev.Storage)
			require.Equal(t, tt.index, ev.Index)
			require.Equal(t, tt.value, ev.Value)
			require.Equal(t, tt.line, ev.Raw)
		})
	}
}
