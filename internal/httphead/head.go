// Package httphead reads and rewrites raw HTTP/1.x message heads.
//
// Only the request or status line and the header block up to the blank line
// are interpreted. Everything after the delimiter is opaque and is handed back
// to the caller untouched.
package httphead

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"authproxy/internal/model"
)

// Delimiter terminates a message head.
const Delimiter = "\r\n\r\n"

const (
	crlf      = "\r\n"
	readChunk = 4096
)

var delimiter = []byte(Delimiter)

var (
	// ErrClosedBeforeHead is returned when the peer closes before the head is complete.
	ErrClosedBeforeHead = errors.New("connection closed before end of head")
	// ErrHeadTooLarge is returned when the head grows past the configured limit.
	ErrHeadTooLarge = errors.New("head exceeds size limit")
	// ErrMalformedRequest is returned for a request line with fewer than two tokens.
	ErrMalformedRequest = errors.New("malformed request line")
	// ErrMalformedStatus is returned for a status line that is not "HTTP/x.y NNN ...".
	ErrMalformedStatus = errors.New("malformed status line")
)

// Index returns the offset just past the first delimiter in buf, or -1.
// Bytes before from are assumed to have been searched already; the search
// backs up far enough to catch a delimiter straddling that boundary.
func Index(buf []byte, from int) int {
	start := max(from-(len(delimiter)-1), 0)
	if start > len(buf) {
		return -1
	}
	i := bytes.Index(buf[start:], delimiter)
	if i < 0 {
		return -1
	}
	return start + i + len(delimiter)
}

// Scanner accumulates bytes until a complete head has been seen.
// It never blocks; callers feed it whatever their reads return.
type Scanner struct {
	buf      []byte
	searched int
	end      int
	limit    int
}

// NewScanner returns a Scanner that rejects heads longer than limit bytes.
// A non-positive limit disables the check.
func NewScanner(limit int) *Scanner {
	return &Scanner{end: -1, limit: limit}
}

// Feed appends p and reports whether the head is now complete.
// Feeding a completed Scanner only extends the data after the head.
func (s *Scanner) Feed(p []byte) (bool, error) {
	s.buf = append(s.buf, p...)
	if s.end >= 0 {
		return true, nil
	}

	s.end = Index(s.buf, s.searched)
	s.searched = len(s.buf)

	switch {
	case s.end >= 0 && s.limit > 0 && s.end > s.limit:
		return false, ErrHeadTooLarge
	case s.end < 0 && s.limit > 0 && len(s.buf) > s.limit:
		return false, ErrHeadTooLarge
	}
	return s.end >= 0, nil
}

// Done reports whether the delimiter has been seen.
func (s *Scanner) Done() bool { return s.end >= 0 }

// Head returns the head including the delimiter, or nil if incomplete.
func (s *Scanner) Head() []byte {
	if s.end < 0 {
		return nil
	}
	return s.buf[:s.end]
}

// Rest returns the bytes read past the delimiter.
func (s *Scanner) Rest() []byte {
	if s.end < 0 {
		return nil
	}
	return s.buf[s.end:]
}

// ReadHead reads from r until a head is complete and returns it together with
// any bytes read past the delimiter. If r reaches EOF first the result is
// ErrClosedBeforeHead, regardless of how much was read.
func ReadHead(r io.Reader, limit int) (head, rest []byte, err error) {
	s := NewScanner(limit)
	chunk := make([]byte, readChunk)
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			done, ferr := s.Feed(chunk[:n])
			if ferr != nil {
				return nil, nil, ferr
			}
			if done {
				return s.Head(), s.Rest(), nil
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil, nil, ErrClosedBeforeHead
			}
			return nil, nil, fmt.Errorf("read head: %w", rerr)
		}
	}
}

// ParseRequest splits a request head into its request line and header lines.
// A CR or LF that is not part of a CRLF pair makes the head malformed, since
// the upstream may treat it as a line break that hides a header from InjectAuth.
func ParseRequest(head []byte) (*model.RequestHead, error) {
	lines := splitLines(head)
	for i, l := range lines {
		if strings.ContainsAny(l, "\r\n") {
			return nil, fmt.Errorf("%w: bare line break in line %d", ErrMalformedRequest, i+1)
		}
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRequest, lines[0])
	}
	return &model.RequestHead{
		RequestLine: lines[0],
		Method:      fields[0],
		Target:      fields[1],
		Lines:       lines[1:],
	}, nil
}

// ParseStatus returns the status code of a response head.
func ParseStatus(head []byte) (int, error) {
	line := splitLines(head)[0]
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") || len(fields[1]) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedStatus, line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedStatus, line)
	}
	return code, nil
}

// Assemble frames a request line and header lines into a head and appends rest.
func Assemble(requestLine string, lines []string, rest []byte) []byte {
	n := len(requestLine) + len(crlf) + len(crlf) + len(rest)
	for _, l := range lines {
		n += len(l) + len(crlf)
	}

	var b bytes.Buffer
	b.Grow(n)
	b.WriteString(requestLine)
	b.WriteString(crlf)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString(crlf)
	}
	b.WriteString(crlf)
	b.Write(rest)
	return b.Bytes()
}

// ConnectRequest builds the CONNECT head sent to the upstream proxy for target.
func ConnectRequest(target, authorization string) []byte {
	return Assemble("CONNECT "+target+" HTTP/1.1", []string{
		"Host: " + target,
		AuthLine(authorization),
	}, nil)
}

func splitLines(head []byte) []string {
	text := strings.TrimSuffix(string(head), Delimiter)
	return strings.Split(text, crlf)
}
