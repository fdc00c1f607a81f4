package parser

import (
	"bytes"
	"io"
	"regexp"
	"sync"
)

// Escape sequences with a body: CSI, OSC, DCS/PM/APC/old-title strings and
// charset selection.
const ansiBody = `\[[0-?]*[ -/]*[@-~]|\].*?(?:\x07|\x1b\\)|[P^_k].*?\x1b\\|[()][0-9A-Za-z]`

var (
	ansiSeq      = regexp.MustCompile(`\x1b(?:` + ansiBody + `|.)`)
	ansiComplete = regexp.MustCompile(`^\x1b(?:` + ansiBody + `)`)
)

// StripANSI removes terminal escape sequences, carriage returns and other
// control bytes, applying backspaces. Newlines and tabs are kept.
func StripANSI(s string) string {
	s = ansiSeq.ReplaceAllString(s, "")

	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\r':
		case ch == '\b':
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
		case (ch < 0x20 || ch == 0x7f) && ch != '\n' && ch != '\t':
		default:
			result = append(result, ch)
		}
	}
	return string(result)
}

// maxHeldSequence bounds how much of an unterminated escape sequence a
// StripWriter keeps between writes.
const maxHeldSequence = 256

// StripWriter strips escape sequences from a byte stream before passing it
// on. A sequence split across writes is held until it completes; call Flush
// when the stream ends. Backspaces cannot erase text from earlier writes.
type StripWriter struct {
	mu      sync.Mutex
	w       io.Writer
	pending []byte
}

func NewStripWriter(w io.Writer) *StripWriter {
	return &StripWriter{w: w}
}

func (s *StripWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := append(s.pending, p...)
	s.pending = nil

	if i := bytes.LastIndexByte(data, 0x1b); i >= 0 {
		tail := data[i:]
		if len(tail) < maxHeldSequence && !ansiComplete.Match(tail) && !singleEscape(tail) {
			s.pending = append([]byte(nil), tail...)
			data = data[:i]
		}
	}
	if err := s.emit(data); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush writes whatever is still held back.
func (s *StripWriter) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.pending
	s.pending = nil
	return s.emit(data)
}

func (s *StripWriter) emit(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	clean := StripANSI(string(data))
	if clean == "" {
		return nil
	}
	_, err := io.WriteString(s.w, clean)
	return err
}

// singleEscape reports a complete two-byte sequence such as ESC = or ESC 7.
func singleEscape(tail []byte) bool {
	if len(tail) < 2 {
		return false
	}
	switch tail[1] {
	case '[', ']', 'P', '^', '_', 'k', '(', ')':
		return false
	}
	return true
}
