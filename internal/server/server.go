package server

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"valx.pw/shroud/internal/relay"
	"valx.pw/shroud/internal/resolver"
	"valx.pw/shroud/pkg/obfuscator"
	"valx.pw/shroud/pkg/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultDialTimeout      = 10 * time.Second
)

type Options struct {
	ListenAddr       string
	Cipher           cipher.AEAD
	Header           []byte
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	// Resolver is a DNS server used for upstream hosts. Empty means the
	// system resolver.
	Resolver  string
	RateLimit float64
	RateBurst int
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Stats struct {
	Accepted    uint64
	Established uint64
	Failed      uint64
}

type Server struct {
	options  Options
	listener net.Listener
	dialer   Dialer
	limiter  *limiter
	conns    map[net.Conn]struct{}
	mu       sync.Mutex
	stop     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *logrus.Logger

	accepted    atomic.Uint64
	established atomic.Uint64
	failed      atomic.Uint64
}

func New(opts Options) (*Server, error) {
	if opts.ListenAddr == "" {
		return nil, errors.New("listen address is not set")
	}
	if opts.Cipher == nil {
		return nil, errors.New("cipher is not set")
	}
	if opts.Header == nil {
		opts.Header = obfuscator.ServerHeader()
	}
	if err := obfuscator.Validate(opts.Header); err != nil {
		return nil, fmt.Errorf("fake header: %w", err)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}

	logger := logrus.New()

	var dialer Dialer = &net.Dialer{Timeout: opts.DialTimeout}
	if opts.Resolver != "" {
		r, err := resolver.New(opts.Resolver, opts.DialTimeout, logger)
		if err != nil {
			return nil, err
		}
		dialer = r
	}

	lim, err := newLimiter(opts.RateLimit, opts.RateBurst)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		options: opts,
		dialer:  dialer,
		limiter: lim,
		conns:   make(map[net.Conn]struct{}),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}, nil
}

func (s *Server) SetLogger(logger *logrus.Logger) {
	if logger == nil {
		return
	}
	s.logger = logger
	if r, ok := s.dialer.(*resolver.Resolver); ok {
		r.SetLogger(logger)
	}
}

func (s *Server) SetDialer(d Dialer) {
	if d != nil {
		s.dialer = d
	}
}

func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.options.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.WithField("addr", listener.Addr().String()).Info("Server listening")
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.WithError(err).Error("Accept failed")
			continue
		}

		s.accepted.Add(1)
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return
	default:
	}
	close(s.stop)
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()
	s.logger.Info("Server stopped")
}

func (s *Server) Stats() Stats {
	return Stats{
		Accepted:    s.accepted.Load(),
		Established: s.established.Load(),
		Failed:      s.failed.Load(),
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stop:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	log := s.logger.WithFields(logrus.Fields{
		"session": uuid.NewString(),
		"remote":  conn.RemoteAddr().String(),
	})

	if !s.limiter.Allow(conn.RemoteAddr()) {
		s.failed.Add(1)
		log.Warn("Handshake rate exceeded, dropping connection")
		return
	}

	upstream, req, err := s.handleHandshake(conn)
	if err != nil {
		s.failed.Add(1)
		log.WithError(err).Debug("Handshake failed")
		return
	}
	s.established.Add(1)

	log = log.WithField("target", req.Address())
	log.Info("Tunnel established")

	st, err := relay.Pipe(s.ctx, conn, upstream)
	entry := log.WithFields(logrus.Fields{"up": st.Up, "down": st.Down})
	if err != nil {
		entry.WithError(err).Debug("Relay ended with error")
		return
	}
	entry.Debug("Tunnel closed")
}

// handleHandshake reads the request, dials the target and only then replies,
// so the reply code reflects the dial outcome. Nothing is written back when
// the request itself cannot be read.
func (s *Server) handleHandshake(conn net.Conn) (net.Conn, protocol.Request, error) {
	conn.SetDeadline(time.Now().Add(s.options.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	sess, err := protocol.NewSession(conn, s.options.Cipher, s.options.Header)
	if err != nil {
		return nil, protocol.Request{}, err
	}

	req, err := sess.AcceptRequest()
	if err != nil {
		return nil, req, err
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.options.DialTimeout)
	defer cancel()

	upstream, dialErr := s.dialer.DialContext(ctx, "tcp", req.Address())
	code := byte(protocol.ReplyOK)
	if dialErr != nil {
		code = replyCode(dialErr)
	}

	if err := sess.Reply(code); err != nil {
		if upstream != nil {
			upstream.Close()
		}
		return nil, req, err
	}
	if dialErr != nil {
		return nil, req, fmt.Errorf("dial %s: %w", req.Address(), dialErr)
	}
	if early := sess.Buffered(); len(early) > 0 {
		if _, err := upstream.Write(early); err != nil {
			upstream.Close()
			return nil, req, fmt.Errorf("forward early data: %w", err)
		}
	}
	return upstream, req, nil
}

func replyCode(err error) byte {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return protocol.ReplyHostUnreachable
	case errors.Is(err, syscall.ECONNREFUSED):
		return protocol.ReplyConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return protocol.ReplyNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return protocol.ReplyHostUnreachable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.ReplyHostUnreachable
	}
	return protocol.ReplyGeneralFailure
}
