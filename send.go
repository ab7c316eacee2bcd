package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lanxfer/discovery"
	"lanxfer/models"
	"lanxfer/network"
	"lanxfer/peers"
	"lanxfer/storage"
)

var (
	resumeFlag  uint64
	addressFlag string
)

var sendCmd = &cobra.Command{
	Use:     "send <peer> <file>",
	Short:   "Offer a file to a peer and wait for the transfer to finish",
	Example: "  lanxfer send alice ./holiday.jpg\n  lanxfer send --address 192.168.1.20:53317 - ./notes.txt",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.send(cmd.Context(), args[0], args[1])
	},
}

func init() {
	sendCmd.Flags().Uint64Var(&resumeFlag, "resume", 0, "continue a partial upload from this byte offset")
	sendCmd.Flags().StringVar(&addressFlag, "address", "", "skip discovery and dial host:port directly")
}

func (a *app) send(parent context.Context, peerName, path string) error {
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

	peer, err := a.resolvePeer(ctx, store, peerName)
	if err != nil {
		return err
	}

	manager, err := network.NewManager(network.ManagerOptions{
		Transfer:    a.transferOptions(),
		DownloadDir: a.cfg.DownloadDir,
		History:     store,
	})
	if err != nil {
		return err
	}
	defer manager.Stop()
	manager.OnStatusChanged(a.logTransfer)

	transfer, err := manager.RequestUpload(ctx, peer, path, network.WithResumeOffset(resumeFlag))
	if err != nil {
		return err
	}
	a.log.Info().
		Str("transfer_id", transfer.ID).
		Str("peer", peer.DisplayName()).
		Str("remote_addr", peer.Endpoint()).
		Msg("Offer sent, waiting for the receiver")

	final, err := manager.Wait(ctx, transfer.ID)
	if err != nil {
		// Interrupted: cancel and wait for the session to release its file.
		_ = manager.Cancel(transfer.ID)
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		final, _ = manager.Wait(waitCtx, transfer.ID)
	}

	switch final.State {
	case models.StateCompleted:
		fmt.Printf("Sent %s to %s (%d bytes)\n", final.Filename, peer.DisplayName(), final.BytesTransferred)
		return nil
	case models.StateRejected:
		return fmt.Errorf("%s declined %s", peer.DisplayName(), final.Filename)
	default:
		if final.Error != "" {
			return fmt.Errorf("transfer %s: %s", strings.ToLower(string(final.State)), final.Error)
		}
		return fmt.Errorf("transfer %s", strings.ToLower(string(final.State)))
	}
}

// resolvePeer finds the receiver by explicit address, a live browse, or the
// last address remembered in history, in that order.
func (a *app) resolvePeer(ctx context.Context, store *storage.Store, name string) (models.Peer, error) {
	if addressFlag != "" {
		return peerFromAddress(addressFlag)
	}

	discovered, err := a.browseOnce(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("Browse failed, falling back to remembered peers")
	}
	if peer, ok := matchPeer(discovered, name); ok {
		return peer, nil
	}

	remembered, err := store.FindPeer(name)
	if err == nil {
		a.log.Info().Str("peer", remembered.DisplayName()).Msg("Peer not visible, using last known address")
		return *remembered, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.Peer{}, err
	}
	return models.Peer{}, fmt.Errorf("no peer named %q was found on the network", name)
}

// browseOnce runs a single browse window without announcing this host.
func (a *app) browseOnce(ctx context.Context) ([]models.Peer, error) {
	cfg, err := a.discoveryConfig(0)
	if err != nil {
		return nil, err
	}
	registry := peers.NewRegistry()
	scanner, err := discovery.NewPeerScanner(cfg, registry)
	if err != nil {
		return nil, err
	}
	if err := scanner.Scan(ctx); err != nil {
		return registry.List(), err
	}
	return registry.List(), nil
}

func matchPeer(candidates []models.Peer, name string) (models.Peer, bool) {
	for _, peer := range candidates {
		if peer.Key == name || peer.InstanceID == name {
			return peer, true
		}
	}
	for _, peer := range candidates {
		if strings.EqualFold(peer.Username, name) {
			return peer, true
		}
	}
	return models.Peer{}, false
}

func peerFromAddress(address string) (models.Peer, error) {
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return models.Peer{}, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return models.Peer{}, fmt.Errorf("invalid port in %q", address)
	}
	return models.Peer{
		Key:       address,
		Address:   host,
		Addresses: []string{host},
		Port:      port,
	}, nil
}
