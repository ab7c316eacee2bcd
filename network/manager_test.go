package network

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanxfer/models"
)

const testTimeout = 10 * time.Second

type testNodeConfig struct {
	name            string
	fs              afero.Fs
	downloadDir     string
	autoAccept      bool
	chunkSize       int
	responseTimeout time.Duration
	offerTimeout    time.Duration
	history         HistoryRecorder
	peers           PeerDirectory
}

type testNode struct {
	manager   *Manager
	fs        afero.Fs
	downloads string
	name      string

	mu     sync.Mutex
	events map[string][]models.Transfer
	offers chan string
}

func newTestNode(t *testing.T, cfg testNodeConfig) *testNode {
	t.Helper()

	if cfg.fs == nil {
		cfg.fs = afero.NewMemMapFs()
	}
	if cfg.downloadDir == "" {
		cfg.downloadDir = "/downloads"
	}

	node := &testNode{
		fs:        cfg.fs,
		downloads: cfg.downloadDir,
		name:      cfg.name,
		events:    make(map[string][]models.Transfer),
		offers:    make(chan string, 16),
	}

	manager, err := NewManager(ManagerOptions{
		Transfer: TransferOptions{
			Fs:              cfg.fs,
			LocalName:       cfg.name,
			ChunkSize:       cfg.chunkSize,
			ResponseTimeout: cfg.responseTimeout,
			OfferTimeout:    cfg.offerTimeout,
		},
		ListenAddress: "127.0.0.1:0",
		DownloadDir:   cfg.downloadDir,
		AutoAccept:    cfg.autoAccept,
		History:       cfg.history,
		Peers:         cfg.peers,
	})
	require.NoError(t, err)
	manager.OnStatusChanged(node.record)
	require.NoError(t, manager.Start())
	t.Cleanup(manager.Stop)

	node.manager = manager
	return node
}

func (n *testNode) record(transfer models.Transfer) {
	n.mu.Lock()
	_, seen := n.events[transfer.ID]
	n.events[transfer.ID] = append(n.events[transfer.ID], transfer)
	n.mu.Unlock()

	if !seen && transfer.Role == models.RoleReceiver {
		select {
		case n.offers <- transfer.ID:
		default:
		}
	}
}

func (n *testNode) history(id string) []models.Transfer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Transfer(nil), n.events[id]...)
}

func (n *testNode) eventCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, events := range n.events {
		total += len(events)
	}
	return total
}

func (n *testNode) peer() models.Peer {
	return models.Peer{
		Key:       n.name,
		Username:  n.name,
		Address:   "127.0.0.1",
		Addresses: []string{"127.0.0.1"},
		Port:      n.manager.Port(),
	}
}

func (n *testNode) waitForOffer(t *testing.T) string {
	t.Helper()
	select {
	case id := <-n.offers:
		return id
	case <-time.After(testTimeout):
		t.Fatalf("%s: no inbound offer", n.name)
		return ""
	}
}

func (n *testNode) waitForState(t *testing.T, id string, state models.TransferState) models.Transfer {
	t.Helper()
	var last models.Transfer
	require.Eventuallyf(t, func() bool {
		snapshot, err := n.manager.Get(id)
		if err != nil {
			return false
		}
		last = snapshot
		return snapshot.State == state
	}, testTimeout, 10*time.Millisecond, "%s: transfer %s never reached %s (last %s)", n.name, id, state, last.State)
	return last
}

func (n *testNode) sessionErr(t *testing.T, id string) error {
	t.Helper()
	session, ok := n.manager.registry.Get(id)
	require.True(t, ok)
	return session.Err()
}

func (n *testNode) wait(t *testing.T, id string) models.Transfer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	snapshot, err := n.manager.Wait(ctx, id)
	require.NoError(t, err)
	return snapshot
}

func createFixtureFile(t *testing.T, fs afero.Fs, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := 0; i < size; i++ {
		data[i] = byte(i % 251)
	}
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, data, 0o644))
	return data
}

type recordingHistory struct {
	mu        sync.Mutex
	transfers []models.Transfer
}

func (h *recordingHistory) SaveTransfer(transfer models.Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transfers = append(h.transfers, transfer)
	return nil
}

func (h *recordingHistory) snapshot() []models.Transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Transfer(nil), h.transfers...)
}

type staticPeers []models.Peer

func (p staticPeers) List() []models.Peer {
	return p
}

func TestTransferAcceptedAndContentMatches(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice", chunkSize: 32 * 1024})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	data := createFixtureFile(t, sender.fs, "/outbox/sample.bin", 1<<20+123)

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/sample.bin")
	require.NoError(t, err)
	assert.Equal(t, models.StateOffered, outbound.State)
	assert.Equal(t, models.RoleSender, outbound.Role)
	assert.Equal(t, int64(len(data)), outbound.TotalBytes)

	inboundID := receiver.waitForOffer(t)
	inbound, err := receiver.manager.Get(inboundID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOffered, inbound.State)
	assert.Equal(t, "sample.bin", inbound.Filename)
	assert.Equal(t, "alice", inbound.PeerName)
	assert.Equal(t, outbound.ID, inbound.OfferID)
	assert.NotEqual(t, outbound.ID, inbound.ID)
	assert.Equal(t, "/downloads/sample.bin", inbound.LocalPath)

	require.NoError(t, receiver.manager.Accept(inboundID, ""))

	sent := sender.wait(t, outbound.ID)
	received := receiver.wait(t, inboundID)
	assert.Equal(t, models.StateCompleted, sent.State)
	assert.Equal(t, models.StateCompleted, received.State)
	assert.Equal(t, int64(len(data)), sent.BytesTransferred)
	assert.Equal(t, int64(len(data)), received.BytesTransferred)
	assert.Equal(t, 100, received.Progress)

	got, err := afero.ReadFile(receiver.fs, "/downloads/sample.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.Eventually(t, func() bool {
		events := sender.history(outbound.ID)
		return len(events) > 0 && events[len(events)-1].State == models.StateCompleted
	}, testTimeout, 10*time.Millisecond)

	for _, node := range []*testNode{sender, receiver} {
		id := outbound.ID
		if node == receiver {
			id = inboundID
		}
		events := node.history(id)
		for i := 1; i < len(events); i++ {
			assert.Greater(t, events[i].Revision, events[i-1].Revision)
			assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress)
			assert.GreaterOrEqual(t, events[i].BytesTransferred, events[i-1].BytesTransferred)
			assert.LessOrEqual(t, events[i].BytesTransferred, events[i].TotalBytes)
		}
	}
}

func TestZeroByteTransferCompletes(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	createFixtureFile(t, sender.fs, "/outbox/empty.txt", 0)

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/empty.txt")
	require.NoError(t, err)

	inboundID := receiver.waitForOffer(t)
	offered, err := receiver.manager.Get(inboundID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offered.TotalBytes)
	assert.Equal(t, 100, offered.Progress)

	require.NoError(t, receiver.manager.Accept(inboundID, ""))

	assert.Equal(t, models.StateCompleted, receiver.wait(t, inboundID).State)
	assert.Equal(t, models.StateCompleted, sender.wait(t, outbound.ID).State)

	info, err := receiver.fs.Stat("/downloads/empty.txt")
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestTransferRejected(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	createFixtureFile(t, sender.fs, "/outbox/sample.bin", 4096)

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/sample.bin")
	require.NoError(t, err)
	inboundID := receiver.waitForOffer(t)

	require.NoError(t, receiver.manager.Reject(inboundID))

	assert.Equal(t, models.StateRejected, sender.wait(t, outbound.ID).State)
	assert.Equal(t, models.StateRejected, receiver.wait(t, inboundID).State)
	exists, err := afero.Exists(receiver.fs, "/downloads/sample.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	require.ErrorIs(t, receiver.manager.Accept(inboundID, ""), ErrInvalidState)
	require.ErrorIs(t, receiver.manager.Cancel(inboundID), ErrInvalidState)
}

func TestGarbageConnectionCreatesNoTransfer(t *testing.T) {
	receiver := newTestNode(t, testNodeConfig{name: "bob", autoAccept: true, offerTimeout: 300 * time.Millisecond})
	address := receiver.manager.Addr().String()

	payloads := []func(net.Conn) error{
		func(conn net.Conn) error {
			_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: lan\r\n\r\n"))
			return err
		},
		func(conn net.Conn) error {
			return WriteFrame(conn, []byte("definitely not json"))
		},
		func(conn net.Conn) error {
			return WriteMessage(conn, newSignal(TypeComplete, "nope"))
		},
		func(conn net.Conn) error {
			_, err := conn.Write([]byte{0x00, 0x00})
			return err
		},
	}

	for _, send := range payloads {
		conn, err := net.Dial("tcp", address)
		require.NoError(t, err)
		require.NoError(t, send(conn))

		_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
		buf := make([]byte, 64)
		n, readErr := conn.Read(buf)
		assert.Zero(t, n, "server must not answer garbage")
		assert.Error(t, readErr)
		_ = conn.Close()
	}

	assert.Never(t, func() bool {
		return len(receiver.manager.List()) > 0 || receiver.eventCount() > 0
	}, 300*time.Millisecond, 20*time.Millisecond)

	// The listener keeps serving after garbage.
	sender := newTestNode(t, testNodeConfig{name: "alice"})
	createFixtureFile(t, sender.fs, "/outbox/ok.txt", 10)
	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/ok.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, sender.wait(t, outbound.ID).State)
}

func TestInvalidOfferAnsweredWithProtocolViolation(t *testing.T) {
	receiver := newTestNode(t, testNodeConfig{name: "bob"})

	base := Offer{
		Type:            TypeOffer,
		ProtocolVersion: ProtocolVersion,
		TransferID:      "raw-1",
		Filename:        "data.bin",
		Filesize:        10,
		Timestamp:       time.Now().UnixMilli(),
	}
	beyond := base
	beyond.ResumeOffset = 20
	traversal := base
	traversal.Filename = "../../.ssh/authorized_keys"
	empty := base
	empty.Filename = ""

	for _, offer := range []Offer{beyond, traversal, empty} {
		conn, err := net.Dial("tcp", receiver.manager.Addr().String())
		require.NoError(t, err)
		require.NoError(t, WriteMessage(conn, offer))

		payload, err := ReadFrameWithTimeout(conn, testTimeout)
		require.NoError(t, err)
		msgType, err := DecodeMessageType(payload)
		require.NoError(t, err)
		require.Equal(t, TypeError, msgType)
		require.ErrorIs(t, remoteError(payload), ErrProtocolViolation)
		_ = conn.Close()
	}

	rawOffers := []string{
		`{"type":"offer","protocol_version":1,"transfer_id":"raw-neg","filename":"data.bin","filesize":10,"resume_offset":-1}`,
		`{"type":"offer","protocol_version":1,"transfer_id":"raw-big","filename":"data.bin","filesize":99999999999999999999}`,
	}
	for _, raw := range rawOffers {
		conn, err := net.Dial("tcp", receiver.manager.Addr().String())
		require.NoError(t, err)
		require.NoError(t, WriteFrame(conn, []byte(raw)))

		payload, err := ReadFrameWithTimeout(conn, testTimeout)
		require.NoError(t, err, raw)
		require.ErrorIs(t, remoteError(payload), ErrProtocolViolation)
		_ = conn.Close()
	}

	assert.Empty(t, receiver.manager.List())
}

func TestVersionMismatchAnswered(t *testing.T) {
	receiver := newTestNode(t, testNodeConfig{name: "bob"})

	conn, err := net.Dial("tcp", receiver.manager.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteMessage(conn, Offer{
		Type:            TypeOffer,
		ProtocolVersion: ProtocolVersion + 1,
		TransferID:      "raw-2",
		Filename:        "data.bin",
		Filesize:        10,
	}))

	payload, err := ReadFrameWithTimeout(conn, testTimeout)
	require.NoError(t, err)
	require.ErrorIs(t, remoteError(payload), ErrUnsupportedVersion)
	assert.Empty(t, receiver.manager.List())
}

func TestResumeOffsetBeyondSizeRejectedLocally(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	createFixtureFile(t, sender.fs, "/outbox/sample.bin", 100)

	_, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/sample.bin", WithResumeOffset(101))
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Empty(t, sender.manager.List())
}

func TestResumeFromOffsetCompletesFile(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice", chunkSize: 16 * 1024})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	data := createFixtureFile(t, sender.fs, "/outbox/movie.mkv", 256*1024)

	const offset = 100 * 1024
	partial := append(append([]byte(nil), data[:offset]...), []byte("stale tail from an earlier attempt")...)
	require.NoError(t, afero.WriteFile(receiver.fs, "/downloads/movie.mkv", partial, 0o644))

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/movie.mkv", WithResumeOffset(offset))
	require.NoError(t, err)
	assert.Equal(t, int64(offset), outbound.BytesTransferred)
	assert.Equal(t, int64(offset), outbound.ResumeOffset)

	inboundID := receiver.waitForOffer(t)
	inbound, err := receiver.manager.Get(inboundID)
	require.NoError(t, err)
	assert.Equal(t, int64(offset), inbound.ResumeOffset)
	assert.Equal(t, "/downloads/movie.mkv", inbound.LocalPath)

	require.NoError(t, receiver.manager.Accept(inboundID, ""))

	sent := sender.wait(t, outbound.ID)
	received := receiver.wait(t, inboundID)
	require.Equal(t, models.StateCompleted, sent.State)
	require.Equal(t, models.StateCompleted, received.State)
	assert.Equal(t, int64(len(data)), received.BytesTransferred)

	got, err := afero.ReadFile(receiver.fs, "/downloads/movie.mkv")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// syncFailFs hands out files whose Sync always fails.
type syncFailFs struct{ afero.Fs }

func (f syncFailFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return syncFailFile{file}, nil
}

type syncFailFile struct{ afero.File }

func (syncFailFile) Sync() error { return errors.New("device unplugged") }

func TestReceiverFlushFailureReportedToSender(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob", fs: syncFailFs{afero.NewMemMapFs()}})
	createFixtureFile(t, sender.fs, "/outbox/notes.txt", 4096)

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/notes.txt")
	require.NoError(t, err)
	inboundID := receiver.waitForOffer(t)
	require.NoError(t, receiver.manager.Accept(inboundID, ""))

	assert.Equal(t, models.StateFailed, receiver.wait(t, inboundID).State)
	assert.ErrorIs(t, receiver.sessionErr(t, inboundID), ErrFileIO)

	sent := sender.wait(t, outbound.ID)
	assert.Equal(t, models.StateFailed, sent.State)
	assert.ErrorIs(t, sender.sessionErr(t, outbound.ID), ErrRemoteFailure)
	assert.Contains(t, sent.Error, "flush")
}

func TestResumeWithShortPartialFileFails(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	createFixtureFile(t, sender.fs, "/outbox/movie.mkv", 64*1024)
	require.NoError(t, afero.WriteFile(receiver.fs, "/downloads/movie.mkv", make([]byte, 1024), 0o644))

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/movie.mkv", WithResumeOffset(32*1024))
	require.NoError(t, err)
	inboundID := receiver.waitForOffer(t)

	require.ErrorIs(t, receiver.manager.Accept(inboundID, ""), ErrFileIO)

	assert.Equal(t, models.StateFailed, receiver.wait(t, inboundID).State)
	assert.ErrorIs(t, receiver.sessionErr(t, inboundID), ErrFileIO)

	sent := sender.wait(t, outbound.ID)
	assert.Equal(t, models.StateFailed, sent.State)
	assert.ErrorIs(t, sender.sessionErr(t, outbound.ID), ErrRemoteFailure)
	assert.NotEmpty(t, sent.Error)
}

func TestResponseTimeoutFailsSender(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice", responseTimeout: 200 * time.Millisecond})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	createFixtureFile(t, sender.fs, "/outbox/sample.bin", 10)

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/sample.bin")
	require.NoError(t, err)
	inboundID := receiver.waitForOffer(t)

	assert.Equal(t, models.StateFailed, sender.wait(t, outbound.ID).State)
	assert.ErrorIs(t, sender.sessionErr(t, outbound.ID), ErrResponseTimeout)

	// The receiver notices the hang-up while still undecided.
	assert.Equal(t, models.StateFailed, receiver.wait(t, inboundID).State)
	assert.ErrorIs(t, receiver.sessionErr(t, inboundID), ErrConnectionLost)
}

func TestSenderCancelWhileOffered(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	createFixtureFile(t, sender.fs, "/outbox/sample.bin", 10)

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/sample.bin")
	require.NoError(t, err)
	inboundID := receiver.waitForOffer(t)

	require.NoError(t, sender.manager.Cancel(outbound.ID))

	assert.Equal(t, models.StateCancelled, sender.wait(t, outbound.ID).State)
	assert.Equal(t, models.StateCancelled, receiver.wait(t, inboundID).State)
	assert.NoError(t, receiver.sessionErr(t, inboundID))
}

func TestReceiverCancelMidTransferKeepsPartialFile(t *testing.T) {
	const (
		size      = 32 << 20
		threshold = 4 << 20
	)

	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{
		name:        "bob",
		fs:          afero.NewOsFs(),
		downloadDir: filepath.Join(t.TempDir(), "downloads"),
	})
	createFixtureFile(t, sender.fs, "/outbox/big.iso", size)

	var cancelOnce sync.Once
	cancelErr := make(chan error, 1)
	receiver.manager.OnStatusChanged(func(transfer models.Transfer) {
		if transfer.Role != models.RoleReceiver || transfer.BytesTransferred < threshold {
			return
		}
		cancelOnce.Do(func() {
			cancelErr <- receiver.manager.Cancel(transfer.ID)
		})
	})

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/big.iso")
	require.NoError(t, err)
	inboundID := receiver.waitForOffer(t)
	require.NoError(t, receiver.manager.Accept(inboundID, ""))

	select {
	case err := <-cancelErr:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("receiver never reached the cancel threshold")
	}

	received := receiver.wait(t, inboundID)
	assert.Equal(t, models.StateCancelled, received.State)
	assert.Empty(t, received.Error)

	sent := sender.wait(t, outbound.ID)
	assert.Equal(t, models.StateCancelled, sent.State)

	info, err := receiver.fs.Stat(received.LocalPath)
	require.NoError(t, err, "partial file is kept")
	assert.Equal(t, received.BytesTransferred, info.Size())
	assert.GreaterOrEqual(t, info.Size(), int64(threshold))
	assert.Less(t, info.Size(), int64(size))
}

func TestSenderCancelMidTransferFailsReceiver(t *testing.T) {
	const size = 32 << 20

	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	createFixtureFile(t, sender.fs, "/outbox/big.iso", size)

	var cancelOnce sync.Once
	sender.manager.OnStatusChanged(func(transfer models.Transfer) {
		if transfer.Role == models.RoleSender && transfer.BytesTransferred >= 1<<20 {
			cancelOnce.Do(func() {
				_ = sender.manager.Cancel(transfer.ID)
			})
		}
	})

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/big.iso")
	require.NoError(t, err)
	inboundID := receiver.waitForOffer(t)
	require.NoError(t, receiver.manager.Accept(inboundID, ""))

	assert.Equal(t, models.StateCancelled, sender.wait(t, outbound.ID).State)
	received := receiver.wait(t, inboundID)
	assert.Equal(t, models.StateFailed, received.State)
	assert.ErrorIs(t, receiver.sessionErr(t, inboundID), ErrConnectionLost)
	assert.Less(t, received.BytesTransferred, int64(size))
}

func TestSenderHangsUpWhileOffered(t *testing.T) {
	receiver := newTestNode(t, testNodeConfig{name: "bob"})

	conn, err := net.Dial("tcp", receiver.manager.Addr().String())
	require.NoError(t, err)
	require.NoError(t, WriteMessage(conn, Offer{
		Type:            TypeOffer,
		ProtocolVersion: ProtocolVersion,
		TransferID:      "raw-3",
		Filename:        "data.bin",
		Filesize:        10,
	}))

	inboundID := receiver.waitForOffer(t)
	require.NoError(t, conn.Close())

	assert.Equal(t, models.StateFailed, receiver.wait(t, inboundID).State)
	assert.ErrorIs(t, receiver.sessionErr(t, inboundID), ErrConnectionLost)
}

func TestPauseAndResume(t *testing.T) {
	const size = 32 << 20

	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	data := createFixtureFile(t, sender.fs, "/outbox/big.iso", size)

	var pauseOnce sync.Once
	pauseErr := make(chan error, 1)
	sender.manager.OnStatusChanged(func(transfer models.Transfer) {
		if transfer.Role == models.RoleSender && transfer.State == models.StateInProgress {
			pauseOnce.Do(func() {
				pauseErr <- sender.manager.Pause(transfer.ID)
			})
		}
	})

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/big.iso")
	require.NoError(t, err)
	require.ErrorIs(t, sender.manager.Pause(outbound.ID), ErrInvalidState)

	inboundID := receiver.waitForOffer(t)
	require.NoError(t, receiver.manager.Accept(inboundID, ""))

	select {
	case err := <-pauseErr:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("sender never started streaming")
	}
	paused := sender.waitForState(t, outbound.ID, models.StatePaused)
	require.Less(t, paused.BytesTransferred, int64(size))

	time.Sleep(50 * time.Millisecond)
	before, err := sender.manager.Get(outbound.ID)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	after, err := sender.manager.Get(outbound.ID)
	require.NoError(t, err)
	assert.Equal(t, before.BytesTransferred, after.BytesTransferred)
	assert.Equal(t, models.StatePaused, after.State)

	require.ErrorIs(t, sender.manager.Pause(outbound.ID), ErrInvalidState)
	require.NoError(t, sender.manager.Resume(outbound.ID))

	assert.Equal(t, models.StateCompleted, sender.wait(t, outbound.ID).State)
	assert.Equal(t, models.StateCompleted, receiver.wait(t, inboundID).State)

	got, err := afero.ReadFile(receiver.fs, "/downloads/big.iso")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestManagerStartIsIdempotent(t *testing.T) {
	node := newTestNode(t, testNodeConfig{name: "alice"})
	port := node.manager.Port()
	require.NotZero(t, port)

	require.NoError(t, node.manager.Start())
	assert.Equal(t, port, node.manager.Port())
}

func TestManagerStopWithoutStart(t *testing.T) {
	manager, err := NewManager(ManagerOptions{
		Transfer:    TransferOptions{Fs: afero.NewMemMapFs()},
		DownloadDir: "/downloads",
	})
	require.NoError(t, err)

	assert.Zero(t, manager.Port())
	assert.Nil(t, manager.Addr())
	assert.NotPanics(t, manager.Stop)
	assert.NotPanics(t, manager.Stop)
}

// pauseOnStart pauses the node's transfers of role the first time they report IN_PROGRESS.
func pauseOnStart(node *testNode, role models.TransferRole) <-chan error {
	var once sync.Once
	result := make(chan error, 1)
	node.manager.OnStatusChanged(func(transfer models.Transfer) {
		if transfer.Role == role && transfer.State == models.StateInProgress {
			once.Do(func() {
				result <- node.manager.Pause(transfer.ID)
			})
		}
	})
	return result
}

func requirePaused(t *testing.T, result <-chan error) {
	t.Helper()
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("transfer never started streaming")
	}
}

func TestReceiverPauseHoldsSender(t *testing.T) {
	const size = 32 << 20

	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	data := createFixtureFile(t, sender.fs, "/outbox/big.iso", size)
	paused := pauseOnStart(receiver, models.RoleReceiver)

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/big.iso")
	require.NoError(t, err)
	inboundID := receiver.waitForOffer(t)
	require.NoError(t, receiver.manager.Accept(inboundID, ""))
	requirePaused(t, paused)

	held := sender.waitForState(t, outbound.ID, models.StatePaused)
	assert.Less(t, held.BytesTransferred, int64(size))
	require.ErrorIs(t, sender.manager.Resume(outbound.ID), ErrInvalidState, "only the receiver can lift its pause")

	require.NoError(t, receiver.manager.Resume(inboundID))
	assert.Equal(t, models.StateCompleted, sender.wait(t, outbound.ID).State)
	assert.Equal(t, models.StateCompleted, receiver.wait(t, inboundID).State)

	got, err := afero.ReadFile(receiver.fs, "/downloads/big.iso")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPausedSenderSeesReceiverCancel(t *testing.T) {
	const size = 32 << 20

	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	createFixtureFile(t, sender.fs, "/outbox/big.iso", size)
	paused := pauseOnStart(sender, models.RoleSender)

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/big.iso")
	require.NoError(t, err)
	inboundID := receiver.waitForOffer(t)
	require.NoError(t, receiver.manager.Accept(inboundID, ""))
	requirePaused(t, paused)
	sender.waitForState(t, outbound.ID, models.StatePaused)

	require.NoError(t, receiver.manager.Cancel(inboundID))

	assert.Equal(t, models.StateCancelled, receiver.wait(t, inboundID).State)
	assert.Equal(t, models.StateCancelled, sender.wait(t, outbound.ID).State)
}

func TestPausedReceiverSeesSenderHangUp(t *testing.T) {
	const size = 32 << 20

	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	createFixtureFile(t, sender.fs, "/outbox/big.iso", size)
	paused := pauseOnStart(receiver, models.RoleReceiver)

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/big.iso")
	require.NoError(t, err)
	inboundID := receiver.waitForOffer(t)
	require.NoError(t, receiver.manager.Accept(inboundID, ""))
	requirePaused(t, paused)
	sender.waitForState(t, outbound.ID, models.StatePaused)

	require.NoError(t, sender.manager.Cancel(outbound.ID))

	assert.Equal(t, models.StateCancelled, sender.wait(t, outbound.ID).State)
	received := receiver.wait(t, inboundID)
	assert.Equal(t, models.StateFailed, received.State)
	assert.ErrorIs(t, receiver.sessionErr(t, inboundID), ErrConnectionLost)
}

func TestSetDestinationBeforeAccept(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	data := createFixtureFile(t, sender.fs, "/outbox/notes.txt", 2048)
	require.NoError(t, receiver.fs.MkdirAll("/elsewhere", 0o755))

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/notes.txt")
	require.NoError(t, err)
	require.ErrorIs(t, sender.manager.SetDestination(outbound.ID, "/tmp"), ErrWrongRole)
	inboundID := receiver.waitForOffer(t)

	require.NoError(t, receiver.manager.SetDestination(inboundID, "/elsewhere"))
	snapshot, err := receiver.manager.Get(inboundID)
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere/notes.txt", snapshot.LocalPath)

	require.NoError(t, receiver.manager.Accept(inboundID, ""))
	assert.Equal(t, models.StateCompleted, receiver.wait(t, inboundID).State)
	require.ErrorIs(t, receiver.manager.SetDestination(inboundID, "/late"), ErrInvalidState)

	got, err := afero.ReadFile(receiver.fs, "/elsewhere/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, models.StateCompleted, sender.wait(t, outbound.ID).State)
}

func TestAutoAcceptDoesNotOverwrite(t *testing.T) {
	history := &recordingHistory{}
	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{
		name:       "bob",
		autoAccept: true,
		history:    history,
		peers: staticPeers{{
			Key:      "alice-instance",
			Username: "Alice (discovered)",
			Address:  "127.0.0.1",
			Port:     9999,
		}},
	})
	data := createFixtureFile(t, sender.fs, "/outbox/report.txt", 512)
	require.NoError(t, afero.WriteFile(receiver.fs, "/downloads/report.txt", []byte("keep me"), 0o644))

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/report.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, sender.wait(t, outbound.ID).State)

	inboundID := receiver.waitForOffer(t)
	received := receiver.wait(t, inboundID)
	assert.Equal(t, models.StateCompleted, received.State)
	assert.Equal(t, "/downloads/report (1).txt", received.LocalPath)
	assert.Equal(t, "Alice (discovered)", received.PeerName)

	got, err := afero.ReadFile(receiver.fs, "/downloads/report (1).txt")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	kept, err := afero.ReadFile(receiver.fs, "/downloads/report.txt")
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(kept))

	require.Eventually(t, func() bool {
		return len(history.snapshot()) == 1
	}, testTimeout, 10*time.Millisecond)
	recorded := history.snapshot()[0]
	assert.Equal(t, inboundID, recorded.ID)
	assert.Equal(t, models.StateCompleted, recorded.State)
}

func TestDiscardOnlyTerminalTransfers(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob"})
	createFixtureFile(t, sender.fs, "/outbox/sample.bin", 10)

	outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/sample.bin")
	require.NoError(t, err)
	inboundID := receiver.waitForOffer(t)

	require.ErrorIs(t, receiver.manager.Discard(inboundID), ErrInvalidState)
	require.ErrorIs(t, receiver.manager.Discard("missing"), ErrTransferNotFound)

	require.NoError(t, receiver.manager.Reject(inboundID))
	receiver.wait(t, inboundID)
	require.NoError(t, receiver.manager.Discard(inboundID))

	_, err = receiver.manager.Get(inboundID)
	require.ErrorIs(t, err, ErrTransferNotFound)
	assert.Empty(t, receiver.manager.List())
	assert.Equal(t, models.StateRejected, sender.wait(t, outbound.ID).State)
}

func TestConcurrentTransfersAreIndependent(t *testing.T) {
	sender := newTestNode(t, testNodeConfig{name: "alice"})
	receiver := newTestNode(t, testNodeConfig{name: "bob", autoAccept: true})

	files := map[string][]byte{}
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		files[name] = createFixtureFile(t, sender.fs, "/outbox/"+name, 200*1024)
	}

	var wg sync.WaitGroup
	ids := make(chan string, len(files))
	for name := range files {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			outbound, err := sender.manager.RequestUpload(context.Background(), receiver.peer(), "/outbox/"+name)
			if assert.NoError(t, err) {
				ids <- outbound.ID
			}
		}(name)
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		assert.Equal(t, models.StateCompleted, sender.wait(t, id).State)
	}
	require.Eventually(t, func() bool {
		list := receiver.manager.List()
		if len(list) != len(files) {
			return false
		}
		for _, transfer := range list {
			if transfer.State != models.StateCompleted {
				return false
			}
		}
		return true
	}, testTimeout, 10*time.Millisecond)

	for name, data := range files {
		got, err := afero.ReadFile(receiver.fs, "/downloads/"+name)
		require.NoError(t, err)
		assert.Equal(t, data, got, name)
	}
}
