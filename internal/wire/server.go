package wire

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/dls-controls/fa-archiver/internal/archive"
)

// Server accepts connections and serves S/R/M requests against reader.
type Server struct {
	listener net.Listener
	reader   *archive.Reader
	n        int
	log      *zap.SugaredLogger
}

// NewServer wraps an already-bound listener.
func NewServer(l net.Listener, reader *archive.Reader, n int, log *zap.SugaredLogger) *Server {
	return &Server{listener: l, reader: reader, n: n, log: log}
}

// Serve accepts connections until ctx is cancelled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("wire: accept: %w", err)
			}
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return
	}
	line = trimEOL(line)

	parsed, err := Parse(line, s.n)
	if err != nil {
		fmt.Fprintf(conn, "ERROR %s\n", err.Error())
		if s.log != nil {
			s.log.Infow("malformed request", "remote", conn.RemoteAddr(), "error", err)
		}
		return
	}

	switch parsed.Command {
	case CmdInfo:
		s.writeServerInfo(conn)
	case CmdRead:
		s.stream(conn, parsed)
	case CmdModify:
		fmt.Fprintf(conn, "ERROR archive mask modification is not supported\n")
	}
}

// writeServerInfo answers an S request with the archive's id count,
// decimation factors, and readable timestamp range, per spec.md 4.6.
func (s *Server) writeServerInfo(conn net.Conn) {
	info, err := s.reader.ServerInfo()
	if err != nil {
		fmt.Fprintf(conn, "ERROR %s\n", err.Error())
		if s.log != nil {
			s.log.Infow("server info failed", "remote", conn.RemoteAddr(), "error", err)
		}
		return
	}
	fmt.Fprintf(conn, "N=%d D1=%d D2=%d first=%d last=%d\n", info.N, info.D1, info.D2, info.First, info.Last)
}

func (s *Server) stream(conn net.Conn, parsed *ParsedRequest) {
	if err := s.reader.Stream(conn, parsed.Request); err != nil {
		if s.log != nil {
			s.log.Infow("stream ended", "error", err)
		}
	}
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
