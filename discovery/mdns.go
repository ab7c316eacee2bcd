package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanxfer._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the mDNS record TTL in seconds.
	DefaultTTL = 120
	// DefaultMissedScans is how many complete browse windows a peer may be
	// absent from before it is dropped.
	DefaultMissedScans = 3

	// maxUsernameBytes keeps the instance name within one DNS label.
	maxUsernameBytes = 63

	txtInstanceID = "instance_id"
	txtUsername   = "username"
	txtVersion    = "version"
)

// ErrDiscoveryUnavailable marks a recoverable announce or browse failure.
var ErrDiscoveryUnavailable = errors.New("discovery: unavailable")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	PeerStaleAfter  time.Duration
	MissedScans     int

	InstanceID    string
	Username      string
	ListeningPort int
	Interfaces    []net.Interface

	Logger *zerolog.Logger
	Now    func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 2 * time.Duration(out.TTL) * time.Second
		if floor := 3 * out.RefreshInterval; out.PeerStaleAfter < floor {
			out.PeerStaleAfter = floor
		}
	}
	if out.MissedScans <= 0 {
		out.MissedScans = DefaultMissedScans
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func validateIdentity(identity Identity) error {
	if strings.TrimSpace(identity.InstanceID) == "" {
		return errors.New("instance ID is required")
	}
	if strings.TrimSpace(identity.Username) == "" {
		return errors.New("username is required")
	}
	if len(identity.Username) > maxUsernameBytes {
		return fmt.Errorf("username exceeds %d bytes", maxUsernameBytes)
	}
	if identity.Port <= 0 || identity.Port > 65535 {
		return errors.New("listening port must be in 1..65535")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.InstanceID) == "" {
		return errors.New("instance ID is required")
	}
	return nil
}

// Identity is what this host publishes on the network.
type Identity struct {
	InstanceID string
	Username   string
	Port       int
}

// Broadcaster advertises local presence via mDNS. A failed announce leaves it
// unannounced; Announce may be called again to retry or rename.
type Broadcaster struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	server    *zeroconf.Server
	identity  Identity
	announced bool
	lastErr   error
	reported  bool
}

// NewBroadcaster creates an unannounced broadcaster.
func NewBroadcaster(config Config) *Broadcaster {
	cfg := config.withDefaults()
	return &Broadcaster{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "broadcaster").Logger(),
	}
}

// StartBroadcaster registers and starts mDNS broadcast using the config identity.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	b := NewBroadcaster(config)
	if err := b.Announce(config.Username, config.ListeningPort); err != nil {
		return b, err
	}
	return b, nil
}

// Announce publishes (username, port). Calling it again replaces the previous record.
func (b *Broadcaster) Announce(username string, port int) error {
	identity := Identity{
		InstanceID: b.cfg.InstanceID,
		Username:   strings.TrimSpace(username),
		Port:       port,
	}
	if err := validateIdentity(identity); err != nil {
		return err
	}

	txt := []string{
		txtInstanceID + "=" + identity.InstanceID,
		txtUsername + "=" + identity.Username,
		txtVersion + "=" + strconv.Itoa(b.cfg.Version),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.server != nil {
		b.server.Shutdown()
		b.server = nil
	}
	b.announced = false
	b.identity = identity

	server, err := b.cfg.registerFn(identity.Username, b.cfg.Service, b.cfg.Domain, identity.Port, txt, b.cfg.Interfaces)
	if err != nil {
		err = fmt.Errorf("%w: register mDNS service: %v", ErrDiscoveryUnavailable, err)
		b.lastErr = err
		if !b.reported {
			b.reported = true
			b.log.Error().Err(err).Str("username", identity.Username).Msg("announce failed, continuing unannounced")
		} else {
			b.log.Debug().Err(err).Msg("announce retry failed")
		}
		return err
	}
	if server != nil {
		server.TTL(b.cfg.TTL)
	}

	b.server = server
	b.announced = true
	b.lastErr = nil
	b.reported = false
	b.log.Info().
		Str("username", identity.Username).
		Int("port", identity.Port).
		Str("instance_id", identity.InstanceID).
		Msg("announced")
	return nil
}

// Announced reports whether a record is currently published.
func (b *Broadcaster) Announced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.announced
}

// Identity returns the most recently requested identity.
func (b *Broadcaster) Identity() Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

// LastError returns the error of the most recent failed announce, if any.
func (b *Broadcaster) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Stop withdraws the announcement.
func (b *Broadcaster) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server != nil {
		b.server.Shutdown()
		b.server = nil
	}
	b.announced = false
}
