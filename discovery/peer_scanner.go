package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"lanxfer/models"
	"lanxfer/peers"
)

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse operations
// and keeps a peers.Registry in sync with what it sees.
type PeerScanner struct {
	cfg      Config
	log      zerolog.Logger
	registry *peers.Registry

	browseMu sync.Mutex
	browse   browseFunc

	// scanMu serializes browse windows; misses is guarded by it.
	scanMu sync.Mutex
	misses map[string]int

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config, registry *peers.Registry) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, errors.New("peer registry is required")
	}

	return &PeerScanner{
		cfg:             cfg,
		log:             cfg.Logger.With().Str("component", "scanner").Logger(),
		registry:        registry,
		browse:          cfg.browseFn,
		misses:          make(map[string]int),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Refresh triggers an immediate scan.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// Scan runs a single browse window on the caller's goroutine. It works
// without Start, which suits one-shot commands.
func (s *PeerScanner) Scan(ctx context.Context) error {
	return s.runScan(ctx)
}

// ListPeers returns the current registry snapshot.
func (s *PeerScanner) ListPeers() []models.Peer {
	return s.registry.List()
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	// Prime the available peer list immediately.
	s.scanAndLog(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanAndLog(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) scanAndLog(ctx context.Context) {
	if err := s.runScan(ctx); err != nil {
		s.log.Warn().Err(err).Msg("browse failed, retrying next interval")
	}
}

func (s *PeerScanner) browser() (browseFunc, error) {
	s.browseMu.Lock()
	defer s.browseMu.Unlock()

	if s.browse != nil {
		return s.browse, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create mDNS resolver: %v", ErrDiscoveryUnavailable, err)
	}
	s.browse = resolver.Browse
	return s.browse, nil
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	browse, err := s.browser()
	if err != nil {
		s.expireStale()
		return err
	}

	parent := s.ctx
	if parent == nil {
		parent = context.Background()
	}
	scanCtx, cancel := context.WithTimeout(parent, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})
	seen := make(map[string]struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				if key, ok := s.apply(entry); ok {
					seen[key] = struct{}{}
				}
			}
		}
	}()

	browseErr := browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		// The resolver may be bound to a vanished interface; build a new one next time.
		if s.cfg.browseFn == nil {
			s.browseMu.Lock()
			s.browse = nil
			s.browseMu.Unlock()
		}
		return fmt.Errorf("%w: browse: %v", ErrDiscoveryUnavailable, browseErr)
	}

	<-scanCtx.Done()
	<-collectorDone
	if requestCtx == nil || requestCtx.Err() == nil {
		s.countMisses(seen)
	}
	s.expireStale()
	return nil
}

func (s *PeerScanner) apply(entry *zeroconf.ServiceEntry) (string, bool) {
	// zeroconf drops goodbye (TTL 0) records before they reach us, so a
	// withdrawn peer is only noticed by missed windows or expiry.
	peer, ok := parseEntry(entry, s.cfg.InstanceID)
	if !ok {
		return "", false
	}

	peer.LastSeen = s.cfg.Now()
	change := s.registry.Upsert(peer)
	switch change.Type {
	case peers.ChangeAdded:
		s.log.Info().Str("peer", peer.Key).Str("username", peer.Username).Str("endpoint", peer.Endpoint()).Msg("peer seen")
	case peers.ChangeUpdated:
		s.log.Info().Str("peer", peer.Key).Str("username", peer.Username).Str("endpoint", peer.Endpoint()).Msg("peer updated")
	}
	return peer.Key, true
}

// countMisses drops peers absent from MissedScans consecutive complete windows.
func (s *PeerScanner) countMisses(seen map[string]struct{}) {
	known := make(map[string]struct{})
	for _, peer := range s.registry.List() {
		known[peer.Key] = struct{}{}
		if _, ok := seen[peer.Key]; ok {
			delete(s.misses, peer.Key)
			continue
		}
		s.misses[peer.Key]++
		if s.misses[peer.Key] < s.cfg.MissedScans {
			continue
		}
		delete(s.misses, peer.Key)
		if removed, ok := s.registry.Remove(peer.Key); ok {
			s.log.Info().Str("peer", removed.Key).Str("username", removed.Username).Int("missed_scans", s.cfg.MissedScans).Msg("peer no longer answering")
		}
	}
	for key := range s.misses {
		if _, ok := known[key]; !ok {
			delete(s.misses, key)
		}
	}
}

func (s *PeerScanner) expireStale() {
	cutoff := s.cfg.Now().Add(-s.cfg.PeerStaleAfter)
	for _, peer := range s.registry.List() {
		if peer.LastSeen.Before(cutoff) {
			if _, removed := s.registry.Remove(peer.Key); removed {
				s.log.Info().Str("peer", peer.Key).Str("username", peer.Username).Msg("peer expired")
			}
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfInstanceID string) (models.Peer, bool) {
	txt := txtToMap(entry.Text)

	instanceID := strings.TrimSpace(txt[txtInstanceID])
	if instanceID != "" && instanceID == selfInstanceID {
		return models.Peer{}, false
	}

	key := instanceID
	if key == "" {
		if entry.HostName == "" && entry.Instance == "" {
			return models.Peer{}, false
		}
		key = entry.HostName + "|" + entry.Instance
	}

	addresses, preferred := collectAddresses(entry.AddrIPv4, entry.AddrIPv6)
	if preferred == "" || entry.Port <= 0 {
		return models.Peer{}, false
	}

	name := strings.TrimSpace(txt[txtUsername])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return models.Peer{
		Key:        key,
		InstanceID: instanceID,
		Username:   name,
		HostName:   entry.HostName,
		Address:    preferred,
		Addresses:  addresses,
		Port:       entry.Port,
	}, true
}

func collectAddresses(v4, v6 []net.IP) ([]string, string) {
	var ipv4, ipv6 []string
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), v4...), v6...) {
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		if ip.To4() != nil {
			ipv4 = append(ipv4, raw)
		} else {
			ipv6 = append(ipv6, raw)
		}
	}
	sort.Strings(ipv4)
	sort.Strings(ipv6)

	preferred := ""
	switch {
	case len(ipv4) > 0:
		preferred = ipv4[0]
	case len(ipv6) > 0:
		preferred = ipv6[0]
	}
	return append(ipv4, ipv6...), preferred
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
