package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lanxfer/models"
)

// SaveTransfer records a finished transfer. Saving the same id again replaces the row.
func (s *Store) SaveTransfer(transfer models.Transfer) error {
	if transfer.ID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if transfer.Role != models.RoleSender && transfer.Role != models.RoleReceiver {
		return fmt.Errorf("invalid role %q", transfer.Role)
	}
	if !transfer.State.Terminal() {
		return fmt.Errorf("transfer %q is not finished: %s", transfer.ID, transfer.State)
	}

	createdAt := unixMilli(transfer.CreatedAt)
	if createdAt == 0 {
		createdAt = nowUnixMilli()
	}
	finishedAt := unixMilli(transfer.UpdatedAt)
	if finishedAt == 0 {
		finishedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			offer_id,
			role,
			state,
			filename,
			peer_name,
			peer_endpoint,
			total_bytes,
			bytes_transferred,
			resume_offset,
			local_path,
			error,
			created_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			state = excluded.state,
			bytes_transferred = excluded.bytes_transferred,
			local_path = excluded.local_path,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		transfer.ID,
		transfer.OfferID,
		string(transfer.Role),
		string(transfer.State),
		transfer.Filename,
		transfer.PeerName,
		transfer.PeerEndpoint,
		transfer.TotalBytes,
		transfer.BytesTransferred,
		transfer.ResumeOffset,
		transfer.LocalPath,
		nullString(transfer.Error),
		createdAt,
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.ID, err)
	}

	if s.historyRetention > 0 {
		cutoff := time.Now().Add(-s.historyRetention).UnixMilli()
		if _, err := s.PruneTransfers(cutoff); err != nil {
			return fmt.Errorf("prune transfers: %w", err)
		}
	}

	return nil
}

// GetTransfer fetches one recorded transfer by id.
func (s *Store) GetTransfer(transferID string) (*models.Transfer, error) {
	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			offer_id,
			role,
			state,
			filename,
			peer_name,
			peer_endpoint,
			total_bytes,
			bytes_transferred,
			resume_offset,
			local_path,
			error,
			created_at,
			finished_at
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListTransfers returns recorded transfers, most recently finished first.
func (s *Store) ListTransfers(limit int) ([]models.Transfer, error) {
	rows, err := s.db.Query(
		`SELECT
			transfer_id,
			offer_id,
			role,
			state,
			filename,
			peer_name,
			peer_endpoint,
			total_bytes,
			bytes_transferred,
			resume_offset,
			local_path,
			error,
			created_at,
			finished_at
		FROM transfers
		ORDER BY finished_at DESC, transfer_id
		LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]models.Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

// PruneTransfers deletes transfers finished before cutoff (unix millis).
func (s *Store) PruneTransfers(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transfers WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete transfers before %d: %w", cutoff, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(scanner rowScanner) (*models.Transfer, error) {
	var (
		transfer   models.Transfer
		role       string
		state      string
		errText    sql.NullString
		createdAt  int64
		finishedAt int64
	)

	if err := scanner.Scan(
		&transfer.ID,
		&transfer.OfferID,
		&role,
		&state,
		&transfer.Filename,
		&transfer.PeerName,
		&transfer.PeerEndpoint,
		&transfer.TotalBytes,
		&transfer.BytesTransferred,
		&transfer.ResumeOffset,
		&transfer.LocalPath,
		&errText,
		&createdAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	transfer.Role = models.TransferRole(role)
	transfer.State = models.TransferState(state)
	transfer.Progress = models.Progress(transfer.BytesTransferred, transfer.TotalBytes)
	transfer.Error = errText.String
	transfer.CreatedAt = fromUnixMilli(createdAt)
	transfer.UpdatedAt = fromUnixMilli(finishedAt)
	return &transfer, nil
}
