package at

import (
	"bufio"
	"bytes"
	"strings"
)

var (
	crlf   = []byte(CRLF)
	prompt = []byte(Prompt)
)

// Splitter tokenizes modem output for a bufio.Scanner. Tokens are CRLF
// terminated lines, with the terminator removed, and the "> " input prompt
// of commands that take a payload (SMS text, certificate data, socket
// send), which is never followed by a line ending.
//
// Empty lines are returned as empty tokens. Command echoes are returned
// like any other line. A trailing partial line is returned at EOF.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	switch {
	case atEOF && len(data) == 0:
		return 0, nil, nil
	case bytes.HasPrefix(data, prompt):
		return len(prompt), data[:len(prompt)], nil
	}
	if i := bytes.Index(data, crlf); i >= 0 {
		return i + len(crlf), data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// finals are the result codes that end a command.
var finals = map[string]bool{
	OK:         true,
	ERROR:      true,
	NoCarrier:  true,
	NoDialtone: true,
	Busy:       true,
	NoAnswer:   true,
}

// urcPrefixes start lines the modem sends on its own.
var urcPrefixes = []string{
	UrcNewMsg,
	UrcMessageReport,
	UrcSocketRing,
	UrcSSLSocketRing,
}

// Classify identifies the nature of a modem output line.
func Classify(line string) ResponseType {
	if line == Prompt {
		return TypePrompt
	}
	if finals[line] || strings.HasPrefix(line, CmeError) || strings.HasPrefix(line, CmsError) {
		return TypeFinal
	}
	if line == UrcCall {
		return TypeURC
	}
	for _, p := range urcPrefixes {
		if strings.HasPrefix(line, p) {
			return TypeURC
		}
	}
	return TypeData
}
