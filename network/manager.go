package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"lanxfer/models"
)

// maxNameAttempts bounds the " (n)" suffix search for a free download name.
const maxNameAttempts = 1000

// HistoryRecorder journals transfers that reached a terminal state.
type HistoryRecorder interface {
	SaveTransfer(models.Transfer) error
}

// PeerDirectory lists currently known peers. peers.Registry satisfies it.
type PeerDirectory interface {
	List() []models.Peer
}

// UploadOption customizes RequestUpload.
type UploadOption func(*uploadSettings)

type uploadSettings struct {
	resumeOffset uint64
}

// WithResumeOffset asks the receiver to continue a partial file from offset.
func WithResumeOffset(offset uint64) UploadOption {
	return func(s *uploadSettings) {
		s.resumeOffset = offset
	}
}

// ManagerOptions configures Manager.
type ManagerOptions struct {
	Transfer TransferOptions

	// ListenAddress is the TCP address for inbound offers; empty picks a free port.
	ListenAddress string
	// DownloadDir is where accepted files land unless a destination is set.
	DownloadDir string
	// AutoAccept accepts every valid inbound offer into DownloadDir.
	AutoAccept bool

	Peers   PeerDirectory
	History HistoryRecorder
}

// Manager owns the transfer server and registry and exposes the operations a
// shell drives: upload requests, decisions, cancel, pause, and listing.
type Manager struct {
	options ManagerOptions
	log     zerolog.Logger

	registry *Registry
	server   *Server

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager creates a manager with validated configuration.
func NewManager(options ManagerOptions) (*Manager, error) {
	options.Transfer = options.Transfer.withDefaults()
	if options.DownloadDir == "" {
		return nil, errors.New("network: download dir is required")
	}

	manager := &Manager{
		options:  options,
		log:      options.Transfer.Logger.With().Str("component", "transfers").Logger(),
		registry: NewRegistry(),
	}
	if options.History != nil {
		manager.registry.OnStatusChanged(manager.journal)
	}
	return manager, nil
}

// Start begins listening for inbound offers. Calling it again is a no-op.
func (m *Manager) Start() error {
	if m.server != nil {
		return nil
	}

	if err := m.options.Transfer.Fs.MkdirAll(m.options.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	server, err := Listen(m.options.ListenAddress, m.options.Transfer)
	if err != nil {
		return err
	}
	m.server = server

	m.wg.Add(1)
	go m.serverLoop()
	return nil
}

// Stop cancels live transfers, closes the listener, and stops status delivery.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.server != nil {
			_ = m.server.Close()
		}
		m.wg.Wait()
		m.registry.CancelAll()
		m.registry.Close()
	})
}

// Addr returns the listening address.
func (m *Manager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Port returns the listening TCP port, or 0 before Start.
func (m *Manager) Port() int {
	if m.server == nil {
		return 0
	}
	return m.server.Port()
}

// OnStatusChanged registers an observer for every transfer status change.
func (m *Manager) OnStatusChanged(fn StatusObserver) {
	m.registry.OnStatusChanged(fn)
}

// RequestUpload offers path to peer and returns the new sender transfer in OFFERED.
func (m *Manager) RequestUpload(ctx context.Context, peer models.Peer, path string, opts ...UploadOption) (models.Transfer, error) {
	var settings uploadSettings
	for _, opt := range opts {
		opt(&settings)
	}

	session, err := Dial(ctx, peer, path, settings.resumeOffset, m.options.Transfer)
	if err != nil {
		return models.Transfer{}, err
	}
	if err := m.registry.Add(session); err != nil {
		_ = session.conn.Close()
		return models.Transfer{}, err
	}
	return session.Snapshot(), nil
}

// List returns every tracked transfer in creation order.
func (m *Manager) List() []models.Transfer {
	return m.registry.List()
}

// Get returns the status of one transfer.
func (m *Manager) Get(id string) (models.Transfer, error) {
	return m.registry.Snapshot(id)
}

// Wait blocks until transfer id is terminal and its file is released.
func (m *Manager) Wait(ctx context.Context, id string) (models.Transfer, error) {
	session, err := m.session(id)
	if err != nil {
		return models.Transfer{}, err
	}
	return session.Wait(ctx)
}

// Accept accepts an offered download. An empty destination keeps the current one.
func (m *Manager) Accept(id, destination string) error {
	session, err := m.session(id)
	if err != nil {
		return err
	}
	if destination != "" {
		destination = m.resolveDestination(destination, session.Offer().Filename)
	}
	return session.Accept(destination)
}

// Reject declines an offered download.
func (m *Manager) Reject(id string) error {
	session, err := m.session(id)
	if err != nil {
		return err
	}
	return session.Reject()
}

// Cancel aborts a transfer in any non-terminal state.
func (m *Manager) Cancel(id string) error {
	session, err := m.session(id)
	if err != nil {
		return err
	}
	return session.Cancel()
}

// Pause suspends an in-progress transfer.
func (m *Manager) Pause(id string) error {
	session, err := m.session(id)
	if err != nil {
		return err
	}
	return session.Pause()
}

// Resume continues a paused transfer.
func (m *Manager) Resume(id string) error {
	session, err := m.session(id)
	if err != nil {
		return err
	}
	return session.Resume()
}

// SetDestination changes where an offered download will be written. A
// directory keeps the offered file name.
func (m *Manager) SetDestination(id, destination string) error {
	session, err := m.session(id)
	if err != nil {
		return err
	}
	if destination == "" {
		return fmt.Errorf("%w: empty destination", ErrInvalidState)
	}
	return session.SetDestination(m.resolveDestination(destination, session.Offer().Filename))
}

// Discard forgets a finished transfer. Partial files stay on disk.
func (m *Manager) Discard(id string) error {
	return m.registry.Remove(id)
}

func (m *Manager) session(id string) (*Session, error) {
	session, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	return session, nil
}

func (m *Manager) serverLoop() {
	defer m.wg.Done()

	for session := range m.server.Incoming() {
		m.handleIncoming(session)
	}
}

func (m *Manager) handleIncoming(session *Session) {
	if known, ok := m.lookupPeer(session.peer.Address); ok {
		session.peer = known
	}
	session.destination = m.defaultDestination(session.Offer())

	if err := m.registry.Add(session); err != nil {
		m.log.Warn().Err(err).Msg("Dropping inbound transfer")
		_ = session.conn.Close()
		return
	}

	if !m.options.AutoAccept {
		return
	}
	if err := session.Accept(""); err != nil {
		m.log.Warn().Err(err).Str("transfer", session.ID()).Msg("Auto-accept failed")
	}
}

// lookupPeer matches an inbound connection to a discovered peer by address.
func (m *Manager) lookupPeer(address string) (models.Peer, bool) {
	if m.options.Peers == nil || address == "" {
		return models.Peer{}, false
	}
	for _, peer := range m.options.Peers.List() {
		if peer.Address == address {
			return peer, true
		}
		for _, candidate := range peer.Addresses {
			if candidate == address {
				return peer, true
			}
		}
	}
	return models.Peer{}, false
}

// defaultDestination places a new download in the download dir without
// overwriting an existing file. Resumed downloads reuse the offered name.
func (m *Manager) defaultDestination(offer Offer) string {
	target := filepath.Join(m.options.DownloadDir, offer.Filename)
	if offer.ResumeOffset > 0 || !m.exists(target) {
		return target
	}

	ext := filepath.Ext(offer.Filename)
	stem := strings.TrimSuffix(offer.Filename, ext)
	for i := 1; i <= maxNameAttempts; i++ {
		candidate := filepath.Join(m.options.DownloadDir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if !m.exists(candidate) {
			return candidate
		}
	}
	return target
}

func (m *Manager) resolveDestination(destination, filename string) string {
	info, err := m.options.Transfer.Fs.Stat(destination)
	if err == nil && info.IsDir() {
		return filepath.Join(destination, filename)
	}
	return destination
}

func (m *Manager) exists(path string) bool {
	_, err := m.options.Transfer.Fs.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}

func (m *Manager) journal(transfer models.Transfer) {
	if !transfer.State.Terminal() {
		return
	}
	if err := m.options.History.SaveTransfer(transfer); err != nil {
		m.log.Warn().Err(err).Str("transfer", transfer.ID).Msg("Failed to record transfer history")
	}
}
