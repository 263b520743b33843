package at_test

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"i4.energy/across/cellular/at"
)

func scan(input string) ([]string, error) {
	var tokens []string
	sc := bufio.NewScanner(strings.NewReader(input))
	sc.Split(at.Splitter)
	for sc.Scan() {
		tokens = append(tokens, sc.Text())
	}
	return tokens, sc.Err()
}

func TestSplitter(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "Echo and answer",
			input: "AT+CGATT?\r\n+CGATT: 1\r\nOK\r\n",
			want:  []string{"AT+CGATT?", "+CGATT: 1", "OK"},
		},
		{
			name:  "Extended error",
			input: "\r\n+CME ERROR: SIM not inserted\r\n",
			want:  []string{"", "+CME ERROR: SIM not inserted"},
		},
		{
			name:  "SMS prompt",
			input: "\r\n> Hi\x1a\r\n+CMGS: 5\r\n\r\nOK\r\n",
			want:  []string{"", "> ", "Hi\x1a", "+CMGS: 5", "", "OK"},
		},
		{
			name:  "Socket send prompt",
			input: "AT#SSENDEXT=1,4\r\n> \r\nOK\r\n",
			want:  []string{"AT#SSENDEXT=1,4", "> ", "", "OK"},
		},
		{
			name:  "Certificate prompt",
			input: "> -----BEGIN CERTIFICATE-----\r\nOK\r\n",
			want:  []string{"> ", "-----BEGIN CERTIFICATE-----", "OK"},
		},
		{
			name:  "Socket status rows",
			input: "#SS: 1,2,10.0.0.2,1024,1.2.3.4,80\r\n#SS: 2,0\r\nOK\r\n",
			want:  []string{"#SS: 1,2,10.0.0.2,1024,1.2.3.4,80", "#SS: 2,0", "OK"},
		},
		{
			name:  "URC inside an answer",
			input: "+CSQ: 17,0\r\nSRING: 1,12\r\nOK\r\n",
			want:  []string{"+CSQ: 17,0", "SRING: 1,12", "OK"},
		},
		{
			name:  "Partial line at EOF",
			input: "+CEREG: 0,5\r\nOK\r\n#SSLSRING: 1",
			want:  []string{"+CEREG: 0,5", "OK", "#SSLSRING: 1"},
		},
		{
			name:  "Half prompt at EOF",
			input: "AT+CMGS=\"+4930\",145\r\n>",
			want:  []string{`AT+CMGS="+4930",145`, ">"},
		},
		{
			name:  "Nothing",
			input: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scan(tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]at.ResponseType{
		"OK":                   at.TypeFinal,
		"ERROR":                at.TypeFinal,
		"NO CARRIER":           at.TypeFinal,
		"BUSY":                 at.TypeFinal,
		"+CME ERROR: 30":       at.TypeFinal,
		"+CMS ERROR: 500":      at.TypeFinal,
		`+CMTI: "SM",1`:        at.TypeURC,
		`+CDSI: "SR",4`:        at.TypeURC,
		"RING":                 at.TypeURC,
		"SRING: 1":             at.TypeURC,
		"#SSLSRING: 1,20":      at.TypeURC,
		"AT+CSQ":               at.TypeData,
		"+CSQ: 15,99":          at.TypeData,
		"+CPIN: READY":         at.TypeData,
		"#SS: 1,0":             at.TypeData,
		"#SRECV: 1,4":          at.TypeData,
		"#SLASTCLOSURE: 1,3":   at.TypeData,
		"RINGING":              at.TypeData,
		"OK but not really":    at.TypeData,
		"> ":                   at.TypePrompt,
		">":                    at.TypeData,
		"":                     at.TypeData,
		"#SSLSECDATA: 1,1,256": at.TypeData,
	}

	for line, want := range tests {
		require.Equal(t, want, at.Classify(line), "line %q", line)
	}
}
