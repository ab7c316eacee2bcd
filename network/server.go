package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lanxfer/models"
)

// acceptBackoff paces the accept loop after a listener error such as EMFILE.
const acceptBackoff = 50 * time.Millisecond

// Server accepts inbound TCP connections and turns valid offers into receiver sessions.
type Server struct {
	listener net.Listener
	options  TransferOptions
	log      zerolog.Logger

	incoming chan *Session

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and offer accept loop.
func Listen(address string, options TransferOptions) (*Server, error) {
	opts := options.withDefaults()

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		log:      opts.Logger.With().Str("component", "server").Logger(),
		incoming: make(chan *Session, 16),
		closed:   make(chan struct{}),
	}
	server.log.Info().Str("address", listener.Addr().String()).Msg("Listening for transfers")

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Incoming returns receiver sessions in OFFERED state. Sessions are not
// started; the consumer registers them with a Registry.
func (s *Server) Incoming() <-chan *Session {
	return s.incoming
}

// Close stops accepting and closes the Incoming channel.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("Accept failed")
			select {
			case <-time.After(acceptBackoff):
			case <-s.closed:
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	remote := conn.RemoteAddr().String()
	offer, err := ReadOffer(conn, s.options.OfferTimeout)
	if err != nil && !errors.Is(err, ErrProtocolViolation) {
		s.log.Debug().Err(err).Str("remote", remote).Msg("Dropping connection without a valid offer")
		_ = conn.Close()
		return
	}

	if offer.ProtocolVersion != ProtocolVersion {
		s.log.Warn().Int("version", offer.ProtocolVersion).Str("remote", remote).Msg("Rejecting offer with unsupported protocol version")
		_ = writeWithDeadline(conn, makeVersionMismatchError(offer.ProtocolVersion), signalWriteTimeout)
		_ = conn.Close()
		return
	}
	if err == nil {
		err = ValidateOffer(offer, s.options.MaxFileSize)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("Rejecting invalid offer")
		_ = writeWithDeadline(conn, newErrorMessage(errorCodeProtocolViolation, err.Error(), offer.TransferID), signalWriteTimeout)
		_ = conn.Close()
		return
	}

	session := newInboundSession(conn, remotePeer(conn, offer), offer, s.options)
	s.log.Info().
		Str("remote", remote).
		Str("file", offer.Filename).
		Uint64("size", offer.Filesize).
		Uint64("offset", offer.ResumeOffset).
		Msg("Received transfer offer")

	select {
	case s.incoming <- session:
	case <-s.closed:
		_ = conn.Close()
	}
}

// remotePeer builds a peer snapshot for an inbound connection. The port is the
// sender's ephemeral port; callers may replace it with a discovered peer.
func remotePeer(conn net.Conn, offer Offer) models.Peer {
	peer := models.Peer{Username: offer.SenderName}
	host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return peer
	}
	peer.Address = host
	peer.Addresses = []string{host}
	if p, err := strconv.Atoi(port); err == nil {
		peer.Port = p
	}
	return peer
}
