package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lanxfer/discovery"
	"lanxfer/models"
	"lanxfer/network"
	"lanxfer/peers"
)

var acceptAllFlag bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Announce this host and receive files until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return current.serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&acceptAllFlag, "accept", false, "accept every incoming file into the download dir")
}

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer a.closeStore(store)

	registry := peers.NewRegistry()
	remember := func(peer models.Peer) {
		if err := store.UpsertPeer(peer); err != nil {
			a.log.Debug().Err(err).Str("peer", peer.Key).Msg("Failed to remember peer")
		}
	}
	registry.OnAdded(func(peer models.Peer) {
		a.log.Info().Str("peer", peer.DisplayName()).Str("remote_addr", peer.Endpoint()).Msg("Peer discovered")
		remember(peer)
	})
	registry.OnUpdated(remember)
	registry.OnRemoved(func(peer models.Peer) {
		a.log.Info().Str("peer", peer.DisplayName()).Msg("Peer lost")
	})

	manager, err := network.NewManager(network.ManagerOptions{
		Transfer:      a.transferOptions(),
		ListenAddress: a.cfg.ListenAddress(),
		DownloadDir:   a.cfg.DownloadDir,
		AutoAccept:    a.cfg.AutoAccept || acceptAllFlag,
		Peers:         registry,
		History:       store,
	})
	if err != nil {
		return err
	}
	manager.OnStatusChanged(a.logTransfer)
	if err := manager.Start(); err != nil {
		return err
	}
	defer manager.Stop()

	discoveryConfig, err := a.discoveryConfig(manager.Port())
	if err != nil {
		return err
	}
	service, err := discovery.Start(discoveryConfig, registry)
	if err != nil {
		return err
	}
	defer service.Stop()

	a.log.Info().
		Str("username", a.cfg.Username).
		Int("port", manager.Port()).
		Str("download_dir", a.cfg.DownloadDir).
		Bool("announced", service.Announced()).
		Msg("Serving (press Ctrl+C to stop)")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.keepAnnounced(ctx, service, manager.Port())
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Info().Msg("Shutting down")
	return nil
}

func (a *app) logTransfer(transfer models.Transfer) {
	event := a.log.Debug()
	switch {
	case transfer.State == models.StateOffered && transfer.Role == models.RoleReceiver:
		event = a.log.Info()
	case transfer.State.Terminal():
		event = a.log.Info()
		if transfer.State == models.StateFailed {
			event = a.log.Warn()
		}
	}
	event.
		Str("transfer_id", transfer.ID).
		Str("role", string(transfer.Role)).
		Str("state", string(transfer.State)).
		Str("file", transfer.Filename).
		Str("peer", transfer.PeerName).
		Int("progress", transfer.Progress).
		Str("error", transfer.Error).
		Msg("Transfer status")
}

// keepAnnounced retries a failed announcement every refresh interval.
func (a *app) keepAnnounced(ctx context.Context, service *discovery.Service, port int) error {
	interval := a.cfg.Discovery.RefreshInterval
	if interval <= 0 {
		interval = discovery.DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if service.Announced() {
				continue
			}
			if err := service.Announce(a.cfg.Username, port); err == nil {
				a.log.Info().Str("username", a.cfg.Username).Msg("Announced after retry")
			}
		}
	}
}
