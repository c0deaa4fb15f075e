package client

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"valx.pw/shroud/internal/relay"
	"valx.pw/shroud/internal/socks"
	"valx.pw/shroud/pkg/obfuscator"
	"valx.pw/shroud/pkg/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultDialTimeout      = 10 * time.Second
)

type Options struct {
	ServerAddr       string
	LocalAddr        string
	Cipher           cipher.AEAD
	Header           []byte
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
}

type Stats struct {
	Accepted    uint64
	Established uint64
	Failed      uint64
}

type Client struct {
	options     Options
	socksServer net.Listener
	dialer      *net.Dialer
	conns       map[net.Conn]struct{}
	mu          sync.Mutex
	stop        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *logrus.Logger

	accepted    atomic.Uint64
	established atomic.Uint64
	failed      atomic.Uint64
}

func New(opts Options) (*Client, error) {
	if opts.ServerAddr == "" {
		return nil, errors.New("server address is not set")
	}
	if opts.LocalAddr == "" {
		return nil, errors.New("local SOCKS address is not set")
	}
	if opts.Cipher == nil {
		return nil, errors.New("cipher is not set")
	}
	if opts.Header == nil {
		opts.Header = obfuscator.ClientHeader()
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

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		options: opts,
		dialer:  &net.Dialer{Timeout: opts.DialTimeout},
		conns:   make(map[net.Conn]struct{}),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logrus.New(),
	}, nil
}

func (c *Client) SetLogger(logger *logrus.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Start opens the local SOCKS5 listener and serves it in the background.
func (c *Client) Start() error {
	listener, err := net.Listen("tcp", c.options.LocalAddr)
	if err != nil {
		return err
	}

	c.socksServer = listener
	c.logger.WithFields(logrus.Fields{
		"addr":   listener.Addr().String(),
		"server": c.options.ServerAddr,
	}).Info("SOCKS5 proxy listening")

	go c.handleSocksConnections()
	return nil
}

func (c *Client) Addr() net.Addr {
	if c.socksServer == nil {
		return nil
	}
	return c.socksServer.Addr()
}

func (c *Client) Stop() {
	c.mu.Lock()
	select {
	case <-c.stop:
		c.mu.Unlock()
		return
	default:
	}
	close(c.stop)
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()

	c.cancel()
	if c.socksServer != nil {
		c.socksServer.Close()
	}

	c.wg.Wait()
	c.logger.Info("Client stopped")
}

func (c *Client) Stats() Stats {
	return Stats{
		Accepted:    c.accepted.Load(),
		Established: c.established.Load(),
		Failed:      c.failed.Load(),
	}
}

func (c *Client) handleSocksConnections() {
	for {
		conn, err := c.socksServer.Accept()
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.WithError(err).Error("SOCKS accept failed")
			continue
		}

		c.accepted.Add(1)
		if !c.track(conn) {
			conn.Close()
			return
		}
		go c.handleSocksClient(conn)
	}
}

func (c *Client) track(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stop:
		return false
	default:
	}
	c.conns[conn] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Client) untrack(conn net.Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
	c.wg.Done()
}

func (c *Client) handleSocksClient(clientConn net.Conn) {
	defer c.untrack(clientConn)
	defer clientConn.Close()

	log := c.logger.WithFields(logrus.Fields{
		"session": uuid.NewString(),
		"remote":  clientConn.RemoteAddr().String(),
	})

	clientConn.SetDeadline(time.Now().Add(c.options.HandshakeTimeout))
	host, port, err := socks.Accept(clientConn)
	if err != nil {
		c.failed.Add(1)
		log.WithError(err).Debug("SOCKS handshake failed")
		return
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	log = log.WithField("target", target)

	tunnel, early, err := c.connect(host, port)
	if err != nil {
		c.failed.Add(1)
		socks.Reply(clientConn, socksReply(err))
		log.WithError(err).Warn("Tunnel setup failed")
		return
	}

	if err := socks.Reply(clientConn, socks.RepSuccess); err != nil {
		c.failed.Add(1)
		tunnel.Close()
		log.WithError(err).Debug("SOCKS reply failed")
		return
	}
	if len(early) > 0 {
		if _, err := clientConn.Write(early); err != nil {
			c.failed.Add(1)
			tunnel.Close()
			log.WithError(err).Debug("Forwarding early data failed")
			return
		}
	}
	clientConn.SetDeadline(time.Time{})

	c.established.Add(1)
	log.Info("Tunnel established")

	st, err := relay.Pipe(c.ctx, clientConn, tunnel)
	entry := log.WithFields(logrus.Fields{"up": st.Up, "down": st.Down})
	if err != nil {
		entry.WithError(err).Debug("Relay ended with error")
		return
	}
	entry.Debug("Tunnel closed")
}

// connect dials the server and runs the client side of the handshake. It
// also returns any target data that arrived together with the reply.
func (c *Client) connect(host string, port uint16) (net.Conn, []byte, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.options.DialTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.options.ServerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial server: %w", err)
	}

	early, err := c.performHandshake(conn, host, port)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, early, nil
}

func (c *Client) performHandshake(conn net.Conn, host string, port uint16) ([]byte, error) {
	conn.SetDeadline(time.Now().Add(c.options.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	sess, err := protocol.NewSession(conn, c.options.Cipher, c.options.Header)
	if err != nil {
		return nil, err
	}
	if err := sess.Client(host, port); err != nil {
		return nil, err
	}
	return sess.Buffered(), nil
}

// socksReply maps a tunnel failure to what the local application sees. A
// broken handshake is reported the same way as an unreachable host.
func socksReply(err error) byte {
	var replyErr *protocol.ReplyError
	if !errors.As(err, &replyErr) {
		return socks.RepHostUnreachable
	}

	switch replyErr.Code {
	case protocol.ReplyConnectionRefused:
		return socks.RepConnectionRefused
	case protocol.ReplyHostUnreachable, protocol.ReplyNetworkUnreachable:
		return socks.RepHostUnreachable
	default:
		return socks.RepServerFailure
	}
}
