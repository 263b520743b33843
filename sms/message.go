package sms

import (
	"encoding/csv"
	"strconv"
	"strings"
)

// SMS represents a text message stored on the modem.
type SMS struct {
	Index  int
	Status string // "REC UNREAD", "REC READ", "STO UNSENT", "STO SENT"
	Sender string
	Time   string
	Text   string
}

const headerList = "+CMGL:"

// parseList splits a text mode listing into messages. Every "+CMGL:"
// header starts a message; the lines up to the next header are its text.
// The text is returned as the modem sent it.
func parseList(lines []string) []SMS {
	var (
		out  []SMS
		cur  *SMS
		body []string
	)
	flush := func() {
		if cur != nil {
			cur.Text = strings.Join(body, "\n")
			out = append(out, *cur)
		}
		cur, body = nil, nil
	}

	for _, line := range lines {
		if strings.HasPrefix(line, headerList) {
			flush()
			m := parseHeader(strings.TrimSpace(strings.TrimPrefix(line, headerList)))
			cur = &m
			continue
		}
		if cur != nil {
			body = append(body, line)
		}
	}
	flush()
	return out
}

// parseHeader reads <index>,<stat>,<oa>,<alpha>,<scts>. The timestamp
// contains a comma inside its quotes.
func parseHeader(s string) SMS {
	m := SMS{Index: -1}
	r := csv.NewReader(strings.NewReader(s))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		fields = strings.Split(s, ",")
	}
	field := func(i int) string {
		if i < len(fields) {
			return strings.Trim(strings.TrimSpace(fields[i]), `"`)
		}
		return ""
	}
	if i, err := strconv.Atoi(field(0)); err == nil {
		m.Index = i
	}
	m.Status = field(1)
	m.Sender = field(2)
	m.Time = field(4)
	return m
}
