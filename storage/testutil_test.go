package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lanxfer/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func finishedTransfer(id string, state models.TransferState, finishedAt time.Time) models.Transfer {
	return models.Transfer{
		ID:               id,
		OfferID:          "offer-" + id,
		Role:             models.RoleReceiver,
		State:            state,
		Filename:         "photo-" + id + ".jpg",
		PeerName:         "alice",
		PeerEndpoint:     "192.168.1.20:53317",
		TotalBytes:       2048,
		BytesTransferred: 1024,
		ResumeOffset:     0,
		LocalPath:        "/downloads/photo-" + id + ".jpg",
		CreatedAt:        finishedAt.Add(-time.Minute),
		UpdatedAt:        finishedAt,
	}
}
