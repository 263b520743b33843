package at_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"i4.energy/across/cellular/at"
)

func TestResponse(t *testing.T) {
	t.Run("Lines and data", func(t *testing.T) {
		lines := []string{"+CGATT: 1", "OK"}
		r := at.NewResponse(7, "AT+CGATT?", at.Valid, lines, nil)
		lines[0] = "mutated"

		require.Equal(t, uint64(7), r.ID)
		require.True(t, r.Valid())
		require.Equal(t, 2, r.Len())
		require.Equal(t, []string{"+CGATT: 1"}, r.Data())
		require.Equal(t, "+CGATT: 1", r.First())
		require.Equal(t, "OK", r.Final())
		require.Equal(t, "+CGATT: 1\r\nOK\r\n", r.Raw())

		l, ok := r.Line(0)
		require.True(t, ok)
		require.Equal(t, "+CGATT: 1", l)

		_, ok = r.Line(2)
		require.False(t, ok, "past the end must report the end marker")
	})

	t.Run("Lines returns a copy", func(t *testing.T) {
		r := at.NewResponse(1, "AT", at.Valid, []string{"OK"}, nil)
		got := r.Lines()
		got[0] = "ERROR"
		require.Equal(t, "OK", r.Final())
	})

	t.Run("Empty response", func(t *testing.T) {
		r := at.Pending(3, "AT#SRECV=1,512")
		require.True(t, r.Busy())
		require.Zero(t, r.Len())
		require.Empty(t, r.Raw())
		require.Empty(t, r.Final())
		require.Empty(t, r.First())
	})

	t.Run("Find and last field", func(t *testing.T) {
		r := at.NewResponse(2, "AT+COPS?", at.Valid, []string{`+COPS: 0,0,"Operator",8`, "OK"}, nil)

		line, ok := r.Find("+COPS:")
		require.True(t, ok)
		require.Equal(t, `+COPS: 0,0,"Operator",8`, line)

		field, ok := r.LastField("+COPS:")
		require.True(t, ok)
		require.Equal(t, "8", field)

		_, ok = r.LastField("+CREG:")
		require.False(t, ok)
		require.True(t, r.Contains("Operator"))
	})
}

func TestLastField(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{line: "+CGATT: 1", want: "1"},
		{line: "+CGREG: 0,5", want: "5"},
		{line: `+CGPADDR: 1,"10.0.0.7"`, want: "10.0.0.7"},
		{line: "READY", want: "READY"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			require.Equal(t, tt.want, at.LastField(tt.line))
		})
	}
}

func TestParseResult(t *testing.T) {
	require.NoError(t, at.ParseResult("OK"))
	require.ErrorIs(t, at.ParseResult("ERROR"), at.ErrCommandFailed)
	require.ErrorIs(t, at.ParseResult("NO CARRIER"), at.ErrNoCarrier)

	var re *at.ResultError
	require.ErrorAs(t, at.ParseResult("+CME ERROR: 10"), &re)
	require.Equal(t, "CME", re.Kind)
	require.Equal(t, 10, re.Code)

	require.ErrorAs(t, at.ParseResult("+CMS ERROR: invalid memory index"), &re)
	require.Equal(t, "CMS", re.Kind)
	require.Equal(t, -1, re.Code)
	require.Equal(t, "invalid memory index", re.Message)
}

func TestIsOperationNotAllowed(t *testing.T) {
	require.True(t, at.IsOperationNotAllowed(at.ParseResult("+CME ERROR: 3")))
	require.True(t, at.IsOperationNotAllowed(at.ParseResult("+CME ERROR: operation not allowed")))
	require.False(t, at.IsOperationNotAllowed(at.ParseResult("+CME ERROR: 10")))
	require.False(t, at.IsOperationNotAllowed(errors.New("boom")))
}
