package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"lanxfer/models"
)

// UpsertPeer remembers the last address a discovered peer announced.
func (s *Store) UpsertPeer(peer models.Peer) error {
	if peer.Key == "" {
		return errors.New("peer_key is required")
	}
	if peer.Address == "" {
		return errors.New("last_known_ip is required")
	}
	if peer.Port <= 0 || peer.Port > 65535 {
		return fmt.Errorf("invalid port %d", peer.Port)
	}

	lastSeen := unixMilli(peer.LastSeen)
	if lastSeen == 0 {
		lastSeen = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			peer_key,
			instance_id,
			username,
			host_name,
			last_known_ip,
			last_known_port,
			last_seen_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_key) DO UPDATE SET
			instance_id = excluded.instance_id,
			username = excluded.username,
			host_name = excluded.host_name,
			last_known_ip = excluded.last_known_ip,
			last_known_port = excluded.last_known_port,
			last_seen_timestamp = excluded.last_seen_timestamp`,
		peer.Key,
		peer.InstanceID,
		peer.Username,
		peer.HostName,
		peer.Address,
		peer.Port,
		lastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.Key, err)
	}
	return nil
}

// ListPeers returns remembered peers, most recently seen first.
func (s *Store) ListPeers() ([]models.Peer, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_key,
			instance_id,
			username,
			host_name,
			last_known_ip,
			last_known_port,
			last_seen_timestamp
		FROM peers
		ORDER BY last_seen_timestamp DESC, peer_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]models.Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

// FindPeer looks a peer up by key, instance id, or case-insensitive username.
// The most recently seen match wins.
func (s *Store) FindPeer(name string) (*models.Peer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNotFound
	}

	row := s.db.QueryRow(
		`SELECT
			peer_key,
			instance_id,
			username,
			host_name,
			last_known_ip,
			last_known_port,
			last_seen_timestamp
		FROM peers
		WHERE peer_key = ? OR instance_id = ? OR username = ? COLLATE NOCASE
		ORDER BY last_seen_timestamp DESC
		LIMIT 1`,
		name, name, name,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find peer %q: %w", name, err)
	}
	return peer, nil
}

func scanPeer(scanner rowScanner) (*models.Peer, error) {
	var (
		peer     models.Peer
		lastSeen int64
	)
	if err := scanner.Scan(
		&peer.Key,
		&peer.InstanceID,
		&peer.Username,
		&peer.HostName,
		&peer.Address,
		&peer.Port,
		&lastSeen,
	); err != nil {
		return nil, err
	}
	peer.Addresses = []string{peer.Address}
	peer.LastSeen = fromUnixMilli(lastSeen)
	return &peer, nil
}
