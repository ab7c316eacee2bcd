package discovery

import (
	"sync"

	"github.com/rs/zerolog"

	"lanxfer/models"
	"lanxfer/peers"
)

// Service coordinates mDNS broadcast and scanning around one peer registry.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
	Peers       *peers.Registry

	log zerolog.Logger

	idMu        sync.RWMutex
	idObservers []func(Identity)
}

// Start announces the configured identity and starts browsing. An announce
// failure is not fatal: the service runs unannounced and browsing continues.
func Start(config Config, registry *peers.Registry) (*Service, error) {
	cfg := config.withDefaults()
	if registry == nil {
		registry = peers.NewRegistry()
	}

	scanner, err := NewPeerScanner(cfg, registry)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		Broadcaster: NewBroadcaster(cfg),
		Scanner:     scanner,
		Peers:       registry,
		log:         cfg.Logger.With().Str("component", "discovery").Logger(),
	}

	if cfg.Username != "" && cfg.ListeningPort > 0 {
		// Broadcaster already logged the failure.
		_ = svc.Announce(cfg.Username, cfg.ListeningPort)
	}
	scanner.Start()
	return svc, nil
}

// Announce publishes or re-publishes this host under username. In-flight
// transfers hold peer snapshots and are not touched.
func (s *Service) Announce(username string, port int) error {
	if err := s.Broadcaster.Announce(username, port); err != nil {
		return err
	}

	identity := s.Broadcaster.Identity()
	s.idMu.RLock()
	observers := append(([]func(Identity))(nil), s.idObservers...)
	s.idMu.RUnlock()
	for _, fn := range observers {
		fn(identity)
	}
	return nil
}

// Announced reports whether this host is currently discoverable.
func (s *Service) Announced() bool {
	return s.Broadcaster.Announced()
}

// OnIdentityChanged registers a callback fired after each successful announce.
func (s *Service) OnIdentityChanged(fn func(Identity)) {
	if fn == nil {
		return
	}
	s.idMu.Lock()
	s.idObservers = append(s.idObservers, fn)
	s.idMu.Unlock()
}

// OnPeerSeen registers a callback for newly resolved peers.
func (s *Service) OnPeerSeen(fn func(models.Peer)) {
	s.Peers.OnAdded(fn)
}

// OnPeerUpdated registers a callback for peers whose announcement changed.
func (s *Service) OnPeerUpdated(fn func(models.Peer)) {
	s.Peers.OnUpdated(fn)
}

// OnPeerLost registers a callback for withdrawn or expired peers.
func (s *Service) OnPeerLost(fn func(models.Peer)) {
	s.Peers.OnRemoved(fn)
}

// ListPeers returns the current peer snapshot.
func (s *Service) ListPeers() []models.Peer {
	return s.Peers.List()
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
