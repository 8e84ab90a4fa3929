// Package wire implements the archiver's TCP command protocol: one
// newline-terminated request line per connection, followed (for R) by a
// raw binary stream of the requested data until the connection is closed
// or the requested range is exhausted.
//
// Request line grammar:
//
//	<command><class><flags> <mask>[ <start>[ <end>]]
//
// command is one of:
//
//	S  report the archive's N, first/last timestamps, and decimation
//	   factors, then close
//	R  read a historical range [start, end)
//	M  modify the server's archive mask (privileged, not implemented)
//
// class is one of F (full rate), D (first-stage decimation), DD (double
// decimation); flags is zero or more of T (send timestamps), Z (send a
// leading sample count), A (all_data: don't stop at a gap), G (check
// id_zero across gaps). S takes nothing after its head; R and M require a
// mask, and R also requires start. start/end are microseconds since the
// Unix epoch; end defaults to "until now".
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dls-controls/fa-archiver/internal/archive"
	"github.com/dls-controls/fa-archiver/internal/mask"
)

// Command identifies the request's top-level verb.
type Command byte

const (
	CmdInfo   Command = 'S'
	CmdRead   Command = 'R'
	CmdModify Command = 'M'
)

// ParsedRequest is a fully decoded request line.
type ParsedRequest struct {
	Command Command
	Request archive.Request
}

// ErrMalformed wraps any request-line parse failure; the caller writes its
// message back as a single line and closes the connection, per spec.md
// 4.6's malformed-request handling.
type ErrMalformed struct{ Reason string }

func (e *ErrMalformed) Error() string { return "malformed request: " + e.Reason }

// Parse decodes one request line (without its trailing newline).
func Parse(line string, n int) (*ParsedRequest, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, &ErrMalformed{Reason: "empty request"}
	}
	head := fields[0]
	if len(head) < 2 {
		return nil, &ErrMalformed{Reason: "request too short"}
	}

	cmd := Command(head[0])
	switch cmd {
	case CmdInfo, CmdRead, CmdModify:
	default:
		return nil, &ErrMalformed{Reason: fmt.Sprintf("unknown command %q", head[0])}
	}

	rest := head[1:]
	class, flags, err := parseClassAndFlags(rest)
	if err != nil {
		return nil, err
	}

	req := archive.Request{Class: class}
	for _, f := range flags {
		switch f {
		case 'T':
			req.SendTimestamp = true
		case 'Z':
			req.SendSampleCount = true
		case 'A':
			req.AllData = true
		case 'G':
			req.CheckID0 = true
		default:
			return nil, &ErrMalformed{Reason: fmt.Sprintf("unknown flag %q", f)}
		}
	}

	if cmd == CmdInfo {
		return &ParsedRequest{Command: cmd, Request: req}, nil
	}

	if len(fields) < 2 {
		return nil, &ErrMalformed{Reason: "missing mask"}
	}
	m, err := mask.Parse(fields[1], n)
	if err != nil {
		return nil, &ErrMalformed{Reason: fmt.Sprintf("bad mask: %v", err)}
	}
	req.Mask = m

	if cmd == CmdRead {
		if len(fields) < 3 {
			return nil, &ErrMalformed{Reason: "read request missing start timestamp"}
		}
		start, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, &ErrMalformed{Reason: fmt.Sprintf("bad start timestamp: %v", err)}
		}
		req.Start = start
		if len(fields) >= 4 {
			end, err := strconv.ParseUint(fields[3], 10, 64)
			if err != nil {
				return nil, &ErrMalformed{Reason: fmt.Sprintf("bad end timestamp: %v", err)}
			}
			req.End = end
		}
	}

	return &ParsedRequest{Command: cmd, Request: req}, nil
}

func parseClassAndFlags(s string) (archive.DataClass, string, error) {
	switch {
	case strings.HasPrefix(s, "DD"):
		return archive.ClassDD, s[2:], nil
	case strings.HasPrefix(s, "D"):
		return archive.ClassFirstDecimation, s[1:], nil
	case strings.HasPrefix(s, "F"):
		return archive.ClassFA, s[1:], nil
	default:
		return 0, "", &ErrMalformed{Reason: fmt.Sprintf("unknown data class in %q", s)}
	}
}
