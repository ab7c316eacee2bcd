package network

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// maxFilenameBytes matches the common filesystem limit for one path element.
const maxFilenameBytes = 255

// TransferOptions configures the handshake and session behavior shared by
// Server, Dial, and Manager.
type TransferOptions struct {
	Fs     afero.Fs
	Logger *zerolog.Logger

	// LocalName is sent to receivers in each offer.
	LocalName string

	DialTimeout     time.Duration
	OfferTimeout    time.Duration
	ResponseTimeout time.Duration
	CompleteTimeout time.Duration
	ChunkSize       int
	MaxFileSize     uint64
}

func (o TransferOptions) withDefaults() TransferOptions {
	out := o
	if out.Fs == nil {
		out.Fs = afero.NewOsFs()
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.OfferTimeout <= 0 {
		out.OfferTimeout = DefaultOfferTimeout
	}
	if out.ResponseTimeout <= 0 {
		out.ResponseTimeout = DefaultResponseTimeout
	}
	if out.CompleteTimeout <= 0 {
		out.CompleteTimeout = DefaultCompleteTimeout
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.MaxFileSize == 0 {
		out.MaxFileSize = DefaultMaxFileSize
	}
	if out.MaxFileSize > math.MaxInt64 {
		out.MaxFileSize = math.MaxInt64
	}
	return out
}

// ValidateOffer checks the fields of a decoded offer. Failures wrap ErrProtocolViolation.
func ValidateOffer(offer Offer, maxFileSize uint64) error {
	if err := validateFilename(offer.Filename); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if offer.Filesize > maxFileSize {
		return fmt.Errorf("%w: file size %d exceeds limit %d", ErrProtocolViolation, offer.Filesize, maxFileSize)
	}
	if offer.ResumeOffset > offer.Filesize {
		return fmt.Errorf("%w: resume offset %d beyond file size %d", ErrProtocolViolation, offer.ResumeOffset, offer.Filesize)
	}
	if strings.TrimSpace(offer.TransferID) == "" {
		return fmt.Errorf("%w: transfer id is required", ErrProtocolViolation)
	}
	return nil
}

func validateFilename(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("file name is required")
	case len(name) > maxFilenameBytes:
		return fmt.Errorf("file name exceeds %d bytes", maxFilenameBytes)
	case !utf8.ValidString(name):
		return fmt.Errorf("file name is not valid UTF-8")
	case name == "." || name == "..":
		return fmt.Errorf("file name %q is reserved", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("file name %q must not contain path separators", name)
	case filepath.Base(name) != name:
		return fmt.Errorf("file name %q must be a single path element", name)
	}
	return nil
}
