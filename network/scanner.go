package network

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/cellular/at"
	"i4.energy/across/cellular/modem"
)

// networkScanTimeout bounds AT+COPS=?, which scans every band.
const networkScanTimeout = 3 * time.Minute

// Signal is the answer of AT+CSQ.
type Signal struct {
	// RSSI is the received signal strength indication, 0..31 or 99 when
	// unknown.
	RSSI int `json:"rssi"`
	// BER is the channel bit error rate, 0..7 or 99 when unknown.
	BER int `json:"ber"`
}

// Known reports whether the modem could measure the signal.
func (s Signal) Known() bool {
	return s.RSSI != 99
}

// DBm converts RSSI to dBm. It is only meaningful when Known.
func (s Signal) DBm() int {
	return -113 + 2*s.RSSI
}

// Scanner queries the serving operator and the radio conditions.
type Scanner struct {
	ch modem.Channel
}

func NewScanner(ch modem.Channel) *Scanner {
	return &Scanner{ch: ch}
}

// CurrentCarrier returns the name of the operator the modem is registered
// with, or "" when it is not registered.
func (s *Scanner) CurrentCarrier(ctx context.Context) (string, error) {
	r, err := modem.Exec(ctx, s.ch, at.Cmd(cmdOperator))
	if err != nil {
		return "", fmt.Errorf("read operator: %w", err)
	}
	line, _ := r.Find(prefixOperator)
	first := strings.IndexByte(line, '"')
	last := strings.LastIndexByte(line, '"')
	if first < 0 || last <= first {
		return "", nil
	}
	return line[first+1 : last], nil
}

// SignalStrength returns the current signal quality.
func (s *Scanner) SignalStrength(ctx context.Context) (Signal, error) {
	r, err := modem.Exec(ctx, s.ch, at.Cmd("AT+CSQ"))
	if err != nil {
		return Signal{}, fmt.Errorf("read signal quality: %w", err)
	}
	line, ok := r.Find(at.UrcSignalStrength)
	if !ok {
		return Signal{}, fmt.Errorf("read signal quality: unexpected response %q", r.Raw())
	}
	rssi, ber, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, at.UrcSignalStrength)), ",")
	var sig Signal
	if sig.RSSI, err = strconv.Atoi(rssi); err != nil {
		return Signal{}, fmt.Errorf("parse %q: %w", line, err)
	}
	if sig.BER, err = strconv.Atoi(ber); err != nil {
		return Signal{}, fmt.Errorf("parse %q: %w", line, err)
	}
	return sig, nil
}

// Networks scans for available operators and returns their long names.
func (s *Scanner) Networks(ctx context.Context) ([]string, error) {
	r, err := modem.Exec(ctx, s.ch, at.Cmd("AT+COPS=?").WithTimeout(networkScanTimeout))
	if err != nil {
		return nil, fmt.Errorf("scan networks: %w", err)
	}
	line, _ := r.Find(prefixOperator)

	// +COPS: (2,"Long","Short","26201",7),(1,"Other","O","26202",0),,(0-4),(0-2)
	var names []string
	for _, entry := range strings.Split(line, "(") {
		fields := strings.Split(strings.TrimRight(entry, "),"), ",")
		if len(fields) < 2 || !strings.HasPrefix(fields[1], `"`) {
			continue
		}
		names = append(names, strings.Trim(fields[1], `"`))
	}
	return names, nil
}
