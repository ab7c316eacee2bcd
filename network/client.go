package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"lanxfer/models"
)

// ErrNoPeerAddress indicates a peer without a dialable address.
var ErrNoPeerAddress = errors.New("network: peer has no address")

// Dial connects to peer, sends an offer for sourcePath starting at
// resumeOffset, and returns a sender session in OFFERED state. The session
// is not started; register it with a Registry to begin waiting for the
// receiver's decision.
func Dial(ctx context.Context, peer models.Peer, sourcePath string, resumeOffset uint64, options TransferOptions) (*Session, error) {
	opts := options.withDefaults()

	info, err := opts.Fs.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrFileIO, sourcePath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrFileIO, sourcePath)
	}

	offer := Offer{
		Type:            TypeOffer,
		ProtocolVersion: ProtocolVersion,
		TransferID:      uuid.NewString(),
		Filename:        filepath.Base(sourcePath),
		Filesize:        uint64(info.Size()),
		ResumeOffset:    resumeOffset,
		SenderName:      opts.LocalName,
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := ValidateOffer(offer, opts.MaxFileSize); err != nil {
		return nil, err
	}

	conn, err := dialPeer(ctx, peer, opts.DialTimeout)
	if err != nil {
		return nil, err
	}

	if err := writeWithDeadline(conn, offer, opts.DialTimeout); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: send offer: %v", ErrConnectionLost, err)
	}

	session := newOutboundSession(conn, peer, offer, sourcePath, opts)
	session.log.Info().
		Str("peer", peer.Endpoint()).
		Str("file", offer.Filename).
		Uint64("size", offer.Filesize).
		Uint64("offset", offer.ResumeOffset).
		Msg("Sent transfer offer")
	return session, nil
}

// dialPeer tries the peer's advertised addresses in order.
func dialPeer(ctx context.Context, peer models.Peer, timeout time.Duration) (net.Conn, error) {
	candidates := peer.Addresses
	if len(candidates) == 0 && peer.Address != "" {
		candidates = []string{peer.Address}
	}
	if len(candidates) == 0 || peer.Port <= 0 {
		return nil, ErrNoPeerAddress
	}

	dialer := net.Dialer{Timeout: timeout}
	var lastErr error
	for _, host := range candidates {
		address := net.JoinHostPort(host, fmt.Sprint(peer.Port))
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			return conn, nil
		}
		lastErr = fmt.Errorf("dial %q: %w", address, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}
