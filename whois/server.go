// Package whois serves enrichment queries over a line-oriented TCP protocol
// in the style of the Team Cymru whois service.
package whois

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	ztelnet "github.com/ziutek/telnet"

	"ipenrich/enrich"
	"ipenrich/internal/ratelimit"
)

const (
	TransportNative = "native"
	TransportTelnet = "telnet"

	defaultMaxConnections = 64
	defaultIdleTimeout    = 5 * time.Minute
	defaultQueryTimeout   = 10 * time.Second
	maxLineBytes          = 1024
	sendDeadline          = 10 * time.Second
	rejectLogInterval     = time.Minute
)

// Engine is the query surface the listener needs. *enrich.Engine
// implements it.
type Engine interface {
	EnrichIP(ctx context.Context, ip string) (enrich.IPResult, error)
	LookupASNString(ctx context.Context, raw string) (enrich.ASNResult, error)
	TriggerUpdate(ctx context.Context, force bool) error
}

// Options configures a Server.
type Options struct {
	Listen         string
	MaxConnections int
	Transport      string
	IdleTimeout    time.Duration
	QueryTimeout   time.Duration
	// AllowUpdate enables the "!update" command.
	AllowUpdate bool
}

// Server accepts connections and answers one query per input line.
type Server struct {
	opts     Options
	engine   Engine
	listener net.Listener
	shutdown chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	rejected *ratelimit.Counter

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer returns a stopped server. Zero option values take defaults.
func NewServer(opts Options, engine Engine) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	opts.Transport = strings.ToLower(strings.TrimSpace(opts.Transport))
	if opts.Transport == "" {
		opts.Transport = TransportNative
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		engine:   engine,
		shutdown: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		rejected: ratelimit.NewCounter(rejectLogInterval),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	switch s.opts.Transport {
	case TransportNative, TransportTelnet:
	default:
		return fmt.Errorf("whois: unknown transport %q", s.opts.Transport)
	}
	listener, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to start whois server: %w", err)
	}
	s.listener = listener
	log.Info("whois server listening", "addr", listener.Addr().String(), "transport", s.opts.Transport)
	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// handlers to exit.
func (s *Server) Stop() {
	select {
	case <-s.shutdown:
		return
	default:
	}
	close(s.shutdown)
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	log.Info("whois server stopped")
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("error accepting connection", "error", err)
			continue
		}

		s.mu.Lock()
		current := len(s.conns)
		if current >= s.opts.MaxConnections {
			s.mu.Unlock()
			total, suppressed, ok := s.rejected.Hit()
			_, _ = conn.Write([]byte("% Server full. Try again later.\r\n"))
			conn.Close()
			if ok {
				log.Warn("rejected connection: max connections reached",
					"remote", conn.RemoteAddr().String(), "max", s.opts.MaxConnections,
					"total_rejected", total, "suppressed", suppressed)
			}
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleClient(conn)
	}
}

func (s *Server) handleClient(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	address := conn.RemoteAddr().String()
	log.Debug("whois connection", "remote", address)

	var rw io.ReadWriter = conn
	if s.opts.Transport == TransportTelnet {
		tconn, err := ztelnet.NewConn(conn)
		if err != nil {
			log.Warn("failed to wrap telnet connection", "remote", address, "error", err)
			return
		}
		rw = tconn
	}
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, maxLineBytes), maxLineBytes)
	writer := bufio.NewWriter(rw)
	staleNoted := false

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
				log.Debug("whois read ended", "remote", address, "error", err)
			}
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			return
		}
		reply, stale := s.answer(line)
		if stale && !staleNoted {
			reply = "% Warning: dataset is stale\n" + reply
			staleNoted = true
		}
		if err := send(conn, writer, reply); err != nil {
			log.Debug("whois write failed", "remote", address, "error", err)
			return
		}
	}
}

// answer handles one query line and reports whether the data behind it is
// stale.
func (s *Server) answer(line string) (string, bool) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.QueryTimeout)
	defer cancel()

	if strings.HasPrefix(line, "!") {
		return s.command(ctx, line), false
	}
	res, err := s.engine.EnrichIP(ctx, line)
	if err == nil {
		return FormatIP(res), res.Stale
	}
	if !errors.Is(err, enrich.ErrInvalidAddress) {
		return errorLine(err), false
	}
	asn, err := s.engine.LookupASNString(ctx, line)
	switch {
	case err == nil:
		return FormatASN(asn), asn.Stale
	case errors.Is(err, enrich.ErrInvalidASN):
		return fmt.Sprintf("Error: %q is neither an IP address nor an AS number", line), false
	default:
		return errorLine(err), false
	}
}

func (s *Server) command(ctx context.Context, line string) string {
	fields := strings.Fields(strings.ToLower(line))
	switch fields[0] {
	case "!update":
		if !s.opts.AllowUpdate {
			return "Error: updates are disabled on this server"
		}
		force := len(fields) > 1 && fields[1] == "force"
		if err := s.engine.TriggerUpdate(ctx, force); err != nil {
			return errorLine(err)
		}
		return "OK dataset updated"
	default:
		return fmt.Sprintf("Error: unknown command %q", fields[0])
	}
}

func errorLine(err error) string {
	switch {
	case errors.Is(err, enrich.ErrNotFound):
		return "Error: AS number not found"
	default:
		return "Error: " + err.Error()
	}
}

// FormatIP renders "ASN | IP | range | CC | owner". Uncovered addresses use
// NA placeholders.
func FormatIP(res enrich.IPResult) string {
	if !res.Covered {
		return fmt.Sprintf("NA | %s | NA | NA | NA", res.IP)
	}
	return fmt.Sprintf("%d | %s | %s-%s | %s | %s",
		res.ASN, res.IP, res.RangeStart, res.RangeEnd, orNA(res.CountryCode), orNA(res.Owner))
}

// FormatASN renders "ASN | CC | owner | prefixes".
func FormatASN(res enrich.ASNResult) string {
	prefixes := make([]string, 0, len(res.Prefixes))
	for _, p := range res.Prefixes {
		prefixes = append(prefixes, p.String())
	}
	list := strings.Join(prefixes, " ")
	if list == "" {
		list = "NA"
	}
	return fmt.Sprintf("%d | %s | %s | %s", res.ASN, orNA(res.CountryCode), orNA(res.Owner), list)
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "NA"
	}
	return s
}

// send writes msg with CRLF line endings under a write deadline.
func send(conn net.Conn, w *bufio.Writer, msg string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(sendDeadline)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})
	msg = strings.ReplaceAll(msg, "\r\n", "\n")
	msg = strings.ReplaceAll(msg, "\n", "\r\n")
	if _, err := w.WriteString(msg + "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}
