package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted control frame payload size (64 KiB).
	MaxFrameSize = 64 * 1024
	// DefaultDialTimeout bounds TCP connect to a peer.
	DefaultDialTimeout = 10 * time.Second
	// DefaultOfferTimeout bounds how long an inbound connection may take to send its offer.
	DefaultOfferTimeout = 10 * time.Second
	// DefaultResponseTimeout bounds how long a sender waits for accept/reject.
	DefaultResponseTimeout = 2 * time.Minute
	// DefaultCompleteTimeout bounds how long a sender waits for the receiver's completion signal.
	DefaultCompleteTimeout = 30 * time.Second
	// DefaultChunkSize is the raw payload chunk size.
	DefaultChunkSize = 64 * 1024
	// DefaultMaxFileSize caps offered file sizes (1 TiB).
	DefaultMaxFileSize = 1 << 40
	// cancelLinger bounds the background drain after a receiver cancels.
	cancelLinger = 2 * time.Second
	// signalWriteTimeout bounds writes of small control frames.
	signalWriteTimeout = 5 * time.Second
)

const (
	TypeOffer         = "offer"
	TypeOfferResponse = "offer_response"
	TypeCancel        = "cancel"
	TypeComplete      = "complete"
	TypeError         = "error"
	TypePause         = "pause"
	TypeResume        = "resume"
)

const (
	offerStatusAccepted = "accepted"
	offerStatusRejected = "rejected"

	errorCodeProtocolViolation = "protocol_violation"
	errorCodeVersionMismatch   = "version_mismatch"
	errorCodeFile              = "file_error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrMalformedFrame indicates an undecodable or unexpected frame.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrProtocolViolation indicates an offer with invalid field values.
	ErrProtocolViolation = errors.New("network: protocol violation")
	// ErrConnectionLost indicates the connection closed or reset mid-transfer.
	ErrConnectionLost = errors.New("network: connection lost")
	// ErrFileIO indicates a local file open, read, or write failure.
	ErrFileIO = errors.New("network: file i/o error")
	// ErrResponseTimeout indicates the receiver never answered the offer.
	ErrResponseTimeout = errors.New("network: no response to offer")
	// ErrRemoteFailure indicates the peer reported an error and closed.
	ErrRemoteFailure = errors.New("network: peer reported failure")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Offer is sent once per connection by the sender before any file bytes.
type Offer struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	TransferID      string `json:"transfer_id"`
	Filename        string `json:"filename"`
	Filesize        uint64 `json:"filesize"`
	ResumeOffset    uint64 `json:"resume_offset"`
	SenderName      string `json:"sender_name,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// OfferResponse carries the receiver's accept/reject decision.
type OfferResponse struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Timestamp  int64  `json:"timestamp"`
}

// Signal is a cancel or complete notice on the reverse direction.
type Signal struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Timestamp  int64  `json:"timestamp"`
}

// ErrorMessage reports protocol or local failures before the sender hangs up.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	TransferID        string `json:"transfer_id,omitempty"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("%w: decode envelope: %v", ErrMalformedFrame, err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteMessage marshals message and writes it as one frame.
func WriteMessage(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// ReadOffer reads and decodes the first frame of an inbound connection.
// Framing and decoding problems are reported as ErrMalformedFrame. A size
// field that decodes but is negative or overflows is ErrProtocolViolation.
func ReadOffer(conn net.Conn, timeout time.Duration) (Offer, error) {
	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return Offer{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return Offer{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msgType != TypeOffer {
		return Offer{}, fmt.Errorf("%w: expected %q, got %q", ErrMalformedFrame, TypeOffer, msgType)
	}

	return decodeOffer(payload)
}

// wireOffer reads the size fields as raw numbers so out-of-range values are
// reported as protocol violations rather than undecodable frames.
type wireOffer struct {
	Offer
	Filesize     json.Number `json:"filesize"`
	ResumeOffset json.Number `json:"resume_offset"`
}

// decodeOffer decodes an offer payload. The returned offer carries the
// decoded header fields even when a size field is out of range.
func decodeOffer(payload []byte) (Offer, error) {
	var wire wireOffer
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Offer{}, fmt.Errorf("%w: decode offer: %v", ErrMalformedFrame, err)
	}

	offer := wire.Offer
	size, err := parseWireSize("filesize", wire.Filesize)
	if err != nil {
		return offer, err
	}
	offset, err := parseWireSize("resume_offset", wire.ResumeOffset)
	if err != nil {
		return offer, err
	}
	offer.Filesize = size
	offer.ResumeOffset = offset
	return offer, nil
}

func parseWireSize(field string, raw json.Number) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s is not a byte count", ErrProtocolViolation, field, raw)
	}
	return value, nil
}

func newSignal(kind, transferID string) Signal {
	return Signal{
		Type:       kind,
		TransferID: transferID,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func newErrorMessage(code, message, transferID string) ErrorMessage {
	return ErrorMessage{
		Type:       TypeError,
		Code:       code,
		Message:    message,
		TransferID: transferID,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func makeVersionMismatchError(got int) ErrorMessage {
	msg := newErrorMessage(errorCodeVersionMismatch,
		fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got), "")
	msg.SupportedVersions = []int{ProtocolVersion}
	return msg
}

// remoteError converts an error frame into a local error.
func remoteError(payload []byte) error {
	var msg ErrorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: decode error frame: %v", ErrMalformedFrame, err)
	}
	switch msg.Code {
	case errorCodeProtocolViolation:
		return fmt.Errorf("%w: %s", ErrProtocolViolation, msg.Message)
	case errorCodeVersionMismatch:
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, msg.Message)
	default:
		return fmt.Errorf("%w [%s]: %s", ErrRemoteFailure, msg.Code, msg.Message)
	}
}
