package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"lanxfer/models"
)

var (
	// ErrInvalidState indicates an operation not allowed in the session's current state.
	ErrInvalidState = errors.New("network: operation not valid in current transfer state")
	// ErrWrongRole indicates a receiver-only operation on a sender session or vice versa.
	ErrWrongRole = errors.New("network: operation not valid for this transfer role")
)

// peerDecisionGrace bounds how long a failed sender write waits for the
// receiver's cancel frame before reporting a lost connection.
const peerDecisionGrace = 500 * time.Millisecond

type reverseKind int

const (
	reverseComplete reverseKind = iota
	reverseCancel
	reverseRemoteError
	reverseClosed
	reverseReadError
)

type reverseResult struct {
	kind reverseKind
	err  error
}

// Session is one file transfer over one TCP connection, on either end.
// All exported methods are safe for concurrent use.
type Session struct {
	id        string
	role      models.TransferRole
	offer     Offer
	peer      models.Peer
	conn      net.Conn
	fs        afero.Fs
	options   TransferOptions
	log       zerolog.Logger
	createdAt time.Time

	// sourcePath is the file a sender streams from.
	sourcePath string

	writeMu sync.Mutex
	fileMu  sync.Mutex
	pauseMu sync.Mutex
	workers sync.WaitGroup

	mu          sync.Mutex
	state       models.TransferState
	revision    uint64
	destination string
	localPath   string
	bytes       int64
	lastPct     int
	err         error
	updatedAt   time.Time
	resumeCh    chan struct{}
	pauseLocal  bool
	pauseRemote bool
	deciding    bool
	done        chan struct{}

	watchStop chan struct{}
	watchDone chan struct{}
	stopWatch sync.Once

	cancelRequested atomic.Bool
	peerCancelled   atomic.Bool

	notify func(models.Transfer)
}

func newSession(role models.TransferRole, conn net.Conn, peer models.Peer, offer Offer, options TransferOptions) *Session {
	options = options.withDefaults()
	now := time.Now()
	s := &Session{
		id:        uuid.NewString(),
		role:      role,
		offer:     offer,
		peer:      peer.Clone(),
		conn:      conn,
		fs:        options.Fs,
		options:   options,
		createdAt: now,
		state:     models.StateOffered,
		bytes:     int64(offer.ResumeOffset),
		updatedAt: now,
		done:      make(chan struct{}),
		watchStop: make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	s.lastPct = models.Progress(s.bytes, int64(offer.Filesize))
	return s
}

func newOutboundSession(conn net.Conn, peer models.Peer, offer Offer, sourcePath string, options TransferOptions) *Session {
	s := newSession(models.RoleSender, conn, peer, offer, options)
	// The offer's transfer id doubles as the local id on the sending side.
	s.id = offer.TransferID
	s.sourcePath = sourcePath
	s.localPath = sourcePath
	s.log = s.options.Logger.With().Str("transfer", s.id).Str("role", string(s.role)).Logger()
	close(s.watchDone)
	return s
}

func newInboundSession(conn net.Conn, peer models.Peer, offer Offer, options TransferOptions) *Session {
	s := newSession(models.RoleReceiver, conn, peer, offer, options)
	s.log = s.options.Logger.With().Str("transfer", s.id).Str("role", string(s.role)).Logger()
	return s
}

// start launches the session's background I/O. notify receives every status change.
func (s *Session) start(notify func(models.Transfer)) {
	s.mu.Lock()
	s.notify = notify
	s.workers.Add(1)
	s.mu.Unlock()

	if s.role == models.RoleSender {
		go s.runSender()
		return
	}
	go s.watchOffered()
}

// ID returns the registry-local transfer id.
func (s *Session) ID() string {
	return s.id
}

// Role reports which end of the transfer this session is.
func (s *Session) Role() models.TransferRole {
	return s.role
}

// Offer returns the offer that opened the session.
func (s *Session) Offer() Offer {
	return s.offer
}

// Peer returns the snapshot of the remote peer taken when the session was created.
func (s *Session) Peer() models.Peer {
	return s.peer.Clone()
}

// State returns the current lifecycle state.
func (s *Session) State() models.TransferState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure reason once the session has FAILED.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal and its file handle is released.
func (s *Session) Wait(ctx context.Context) (models.Transfer, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}

	released := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
	return s.Snapshot(), nil
}

// Snapshot returns a copy of the session's current status.
func (s *Session) Snapshot() models.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() models.Transfer {
	total := int64(s.offer.Filesize)
	snapshot := models.Transfer{
		ID:               s.id,
		Revision:         s.revision,
		Role:             s.role,
		State:            s.state,
		Filename:         s.offer.Filename,
		PeerName:         s.peer.DisplayName(),
		PeerEndpoint:     s.peer.Endpoint(),
		TotalBytes:       total,
		BytesTransferred: s.bytes,
		ResumeOffset:     int64(s.offer.ResumeOffset),
		Progress:         models.Progress(s.bytes, total),
		OfferID:          s.offer.TransferID,
		LocalPath:        s.localPath,
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
	}
	if snapshot.LocalPath == "" {
		snapshot.LocalPath = s.destination
	}
	if s.err != nil {
		snapshot.Error = s.err.Error()
	}
	return snapshot
}

// update applies fn under the session lock and publishes a snapshot when fn reports a change.
func (s *Session) update(fn func() bool) bool {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return false
	}
	s.revision++
	s.updatedAt = time.Now()
	snapshot := s.snapshotLocked()
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(snapshot)
	}
	return true
}

// advance moves from one non-terminal state to another.
func (s *Session) advance(from, to models.TransferState) bool {
	return s.update(func() bool {
		if s.state != from {
			return false
		}
		s.state = to
		return true
	})
}

// terminate moves the session to a terminal state once. The connection is left to the caller.
func (s *Session) terminate(state models.TransferState, err error) bool {
	return s.update(func() bool {
		if s.state.Terminal() {
			return false
		}
		s.state = state
		if state == models.StateFailed {
			s.err = err
		}
		if s.resumeCh != nil {
			close(s.resumeCh)
			s.resumeCh = nil
		}
		close(s.done)
		return true
	})
}

// finish terminates the session and closes the connection.
func (s *Session) finish(state models.TransferState, err error) {
	if s.terminate(state, err) {
		switch state {
		case models.StateFailed:
			s.log.Warn().Err(err).Msg("Transfer failed")
		default:
			s.log.Info().Str("state", string(state)).Msg("Transfer finished")
		}
	}
	_ = s.conn.Close()
}

// fail reports err unless a cancellation from either side explains it.
func (s *Session) fail(err error) {
	if s.cancelRequested.Load() || s.peerCancelled.Load() {
		s.finish(models.StateCancelled, nil)
		return
	}
	s.finish(models.StateFailed, err)
}

func (s *Session) addBytes(n int64) {
	s.update(func() bool {
		s.bytes += n
		if s.state.Terminal() {
			return false
		}
		pct := models.Progress(s.bytes, int64(s.offer.Filesize))
		if pct == s.lastPct {
			return false
		}
		s.lastPct = pct
		return true
	})
}

func (s *Session) remaining() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.offer.Filesize) - s.bytes
}

// waitIfPaused blocks while PAUSED and reports whether streaming may continue.
func (s *Session) waitIfPaused() bool {
	for {
		s.mu.Lock()
		state := s.state
		resume := s.resumeCh
		s.mu.Unlock()

		if state.Terminal() {
			return false
		}
		if state != models.StatePaused {
			return true
		}
		select {
		case <-resume:
		case <-s.done:
			return false
		}
	}
}

func (s *Session) writeControl(message any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeWithDeadline(s.conn, message, signalWriteTimeout)
}

// setPaused records a pause request from this side or from the peer. The
// session is PAUSED while either side holds one.
func (s *Session) setPaused(remote, paused bool) bool {
	return s.update(func() bool {
		if s.state != models.StateInProgress && s.state != models.StatePaused {
			return false
		}
		flag := &s.pauseLocal
		if remote {
			flag = &s.pauseRemote
		}
		if *flag == paused {
			return false
		}
		*flag = paused

		held := s.pauseLocal || s.pauseRemote
		switch {
		case held && s.state == models.StateInProgress:
			s.state = models.StatePaused
			s.resumeCh = make(chan struct{})
		case !held && s.state == models.StatePaused:
			s.state = models.StateInProgress
			close(s.resumeCh)
			s.resumeCh = nil
		}
		return true
	})
}

// Pause suspends streaming. A sender stops between chunks. A receiver asks
// the sender to stop and keeps draining what is already in flight, so a
// peer that goes away is still noticed.
func (s *Session) Pause() error {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()

	if !s.setPaused(false, true) {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, s.State())
	}
	if s.role == models.RoleReceiver {
		if err := s.writeControl(newSignal(TypePause, s.offer.TransferID)); err != nil {
			s.log.Debug().Err(err).Msg("Failed to deliver pause signal")
		}
	}
	return nil
}

// Resume lifts this side's pause. A sender the peer has paused stays PAUSED.
func (s *Session) Resume() error {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()

	if !s.setPaused(false, false) {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, s.State())
	}
	if s.role == models.RoleReceiver {
		if err := s.writeControl(newSignal(TypeResume, s.offer.TransferID)); err != nil {
			s.log.Debug().Err(err).Msg("Failed to deliver resume signal")
		}
	}
	return nil
}

// SetDestination changes where an offered file will be written.
func (s *Session) SetDestination(path string) error {
	if s.role != models.RoleReceiver {
		return ErrWrongRole
	}
	if path == "" {
		return fmt.Errorf("%w: empty destination", ErrInvalidState)
	}
	ok := s.update(func() bool {
		if s.state != models.StateOffered || s.deciding {
			return false
		}
		s.destination = path
		return true
	})
	if !ok {
		return fmt.Errorf("%w: destination can only change while offered", ErrInvalidState)
	}
	return nil
}

// Destination returns the path the receiver will write to.
func (s *Session) Destination() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destination
}

// claimDecision marks an offered receiver session as being accepted or rejected.
func (s *Session) claimDecision() (string, error) {
	if s.role != models.RoleReceiver {
		return "", ErrWrongRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StateOffered || s.deciding {
		return "", fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}
	s.deciding = true
	return s.destination, nil
}

func (s *Session) releaseDecision() {
	s.mu.Lock()
	s.deciding = false
	s.mu.Unlock()
}

// interruptWatch stops the OFFERED watcher and waits for it to exit.
func (s *Session) interruptWatch() {
	s.stopWatch.Do(func() {
		close(s.watchStop)
		_ = s.conn.SetReadDeadline(time.Now())
	})
	<-s.watchDone
	_ = s.conn.SetReadDeadline(time.Time{})
}

// watchOffered notices a sender that cancels or hangs up before a decision.
func (s *Session) watchOffered() {
	defer s.workers.Done()
	defer close(s.watchDone)

	for {
		payload, err := ReadFrame(s.conn)
		if err != nil {
			select {
			case <-s.watchStop:
				return
			default:
			}
			s.fail(fmt.Errorf("%w: sender hung up before a decision: %v", ErrConnectionLost, err))
			return
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("Ignoring undecodable frame while offered")
			continue
		}
		switch msgType {
		case TypeCancel:
			s.peerCancelled.Store(true)
			s.finish(models.StateCancelled, nil)
			return
		case TypeError:
			s.fail(remoteError(payload))
			return
		default:
			s.log.Debug().Str("type", msgType).Msg("Ignoring unexpected frame while offered")
		}
	}
}

// Accept opens the destination file and tells the sender to start streaming.
// An empty path keeps the current destination.
func (s *Session) Accept(path string) error {
	destination, err := s.claimDecision()
	if err != nil {
		return err
	}
	if path != "" {
		destination = path
	}
	if destination == "" {
		s.releaseDecision()
		return fmt.Errorf("%w: no destination set", ErrInvalidState)
	}

	s.interruptWatch()
	if state := s.State(); state != models.StateOffered {
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}

	file, err := s.openDestination(destination)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrFileIO, err)
		_ = s.writeControl(newErrorMessage(errorCodeFile, "receiver could not open destination", s.offer.TransferID))
		s.fail(err)
		return err
	}

	response := OfferResponse{
		Type:       TypeOfferResponse,
		TransferID: s.offer.TransferID,
		Status:     offerStatusAccepted,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := s.writeControl(response); err != nil {
		_ = file.Close()
		err = fmt.Errorf("%w: send accept: %v", ErrConnectionLost, err)
		s.fail(err)
		return err
	}

	started := s.update(func() bool {
		if s.state != models.StateOffered {
			return false
		}
		s.state = models.StateAccepted
		s.destination = destination
		s.localPath = destination
		s.workers.Add(1)
		return true
	})
	if !started {
		_ = file.Close()
		return fmt.Errorf("%w: %s", ErrInvalidState, s.State())
	}
	s.log.Info().Str("path", destination).Msg("Accepted transfer")

	go s.runReceiver(file)
	return nil
}

// Reject declines an offered transfer.
func (s *Session) Reject() error {
	if _, err := s.claimDecision(); err != nil {
		return err
	}
	s.interruptWatch()
	if state := s.State(); state != models.StateOffered {
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}

	response := OfferResponse{
		Type:       TypeOfferResponse,
		TransferID: s.offer.TransferID,
		Status:     offerStatusRejected,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := s.writeControl(response); err != nil {
		s.log.Debug().Err(err).Msg("Failed to deliver rejection")
	}
	s.finish(models.StateRejected, nil)
	return nil
}

// Cancel aborts the session from any non-terminal state. A receiver keeps
// the partial file so the transfer can be resumed later.
func (s *Session) Cancel() error {
	s.cancelRequested.Store(true)

	// Wait out an in-flight chunk write so the file matches the byte count.
	s.fileMu.Lock()
	state := s.State()
	if state.Terminal() {
		s.fileMu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}
	terminated := s.terminate(models.StateCancelled, nil)
	s.fileMu.Unlock()
	if !terminated {
		return fmt.Errorf("%w: %s", ErrInvalidState, s.State())
	}
	s.log.Info().Str("from", string(state)).Msg("Transfer cancelled")

	switch {
	case state == models.StateOffered:
		// Tell the other side before hanging up so it records a cancel, not a failure.
		if s.role == models.RoleReceiver {
			s.interruptWatch()
		}
		_ = s.writeControl(newSignal(TypeCancel, s.offer.TransferID))
		_ = s.conn.Close()
	case s.role == models.RoleReceiver:
		go func() {
			_ = s.writeControl(newSignal(TypeCancel, s.offer.TransferID))
			lingerClose(s.conn, cancelLinger)
		}()
	default:
		_ = s.conn.Close()
	}
	return nil
}

func (s *Session) openDestination(path string) (afero.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create destination directory: %w", err)
		}
	}

	offset := int64(s.offer.ResumeOffset)
	flags := os.O_RDWR | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	file, err := s.fs.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open destination: %w", err)
	}
	if offset == 0 {
		return file, nil
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat partial file: %w", err)
	}
	if info.Size() < offset {
		_ = file.Close()
		return nil, fmt.Errorf("partial file holds %d bytes, resume needs %d", info.Size(), offset)
	}
	if err := file.Truncate(offset); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("truncate partial file: %w", err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("seek partial file: %w", err)
	}
	return file, nil
}

func (s *Session) runReceiver(file afero.File) {
	defer s.workers.Done()
	defer file.Close()

	if !s.advance(models.StateAccepted, models.StateInProgress) {
		return
	}

	buf := make([]byte, s.options.ChunkSize)
	for s.remaining() > 0 {
		if s.State().Terminal() {
			return
		}
		want := int64(len(buf))
		if left := s.remaining(); left < want {
			want = left
		}

		n, readErr := s.conn.Read(buf[:want])
		if n > 0 {
			s.fileMu.Lock()
			if s.cancelRequested.Load() || s.State().Terminal() {
				s.fileMu.Unlock()
				return
			}
			if _, err := file.Write(buf[:n]); err != nil {
				s.fileMu.Unlock()
				_ = s.writeControl(newErrorMessage(errorCodeFile, "receiver could not write file", s.offer.TransferID))
				s.fail(fmt.Errorf("%w: write %s: %v", ErrFileIO, file.Name(), err))
				return
			}
			s.addBytes(int64(n))
			s.fileMu.Unlock()
		}
		if readErr != nil {
			if s.remaining() == 0 {
				break
			}
			if s.cancelRequested.Load() {
				return
			}
			s.fail(fmt.Errorf("%w: %v", ErrConnectionLost, readErr))
			return
		}
	}

	if err := file.Sync(); err != nil {
		_ = s.writeControl(newErrorMessage(errorCodeFile, "receiver could not flush file", s.offer.TransferID))
		s.fail(fmt.Errorf("%w: sync %s: %v", ErrFileIO, file.Name(), err))
		return
	}
	if err := s.writeControl(newSignal(TypeComplete, s.offer.TransferID)); err != nil {
		s.log.Debug().Err(err).Msg("Failed to deliver completion signal")
	}
	s.finish(models.StateCompleted, nil)
}

// awaitDecision reads the receiver's answer to the offer.
func (s *Session) awaitDecision() (bool, error) {
	for {
		payload, err := ReadFrameWithTimeout(s.conn, s.options.ResponseTimeout)
		if err != nil {
			if isTimeout(err) {
				return false, ErrResponseTimeout
			}
			return false, fmt.Errorf("%w: waiting for offer response: %v", ErrConnectionLost, err)
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			return false, err
		}
		switch msgType {
		case TypeOfferResponse:
			var response OfferResponse
			if err := json.Unmarshal(payload, &response); err != nil {
				return false, fmt.Errorf("%w: decode offer response: %v", ErrMalformedFrame, err)
			}
			switch response.Status {
			case offerStatusAccepted:
				return true, nil
			case offerStatusRejected:
				return false, nil
			default:
				return false, fmt.Errorf("%w: unknown offer status %q", ErrMalformedFrame, response.Status)
			}
		case TypeCancel:
			s.peerCancelled.Store(true)
			return false, fmt.Errorf("receiver cancelled")
		case TypeError:
			return false, remoteError(payload)
		default:
			s.log.Debug().Str("type", msgType).Msg("Ignoring unexpected frame while awaiting decision")
		}
	}
}

func (s *Session) runSender() {
	defer s.workers.Done()

	accepted, err := s.awaitDecision()
	if err != nil {
		s.fail(err)
		return
	}
	if !accepted {
		s.finish(models.StateRejected, nil)
		return
	}
	if !s.advance(models.StateOffered, models.StateAccepted) {
		return
	}

	file, err := s.fs.Open(s.sourcePath)
	if err != nil {
		s.fail(fmt.Errorf("%w: open %s: %v", ErrFileIO, s.sourcePath, err))
		return
	}
	defer file.Close()
	if offset := int64(s.offer.ResumeOffset); offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			s.fail(fmt.Errorf("%w: seek %s: %v", ErrFileIO, s.sourcePath, err))
			return
		}
	}
	if !s.advance(models.StateAccepted, models.StateInProgress) {
		return
	}

	reverse := make(chan reverseResult, 1)
	go s.readReverse(reverse)

	buf := make([]byte, s.options.ChunkSize)
	for s.remaining() > 0 {
		if !s.waitIfPaused() {
			return
		}
		want := int64(len(buf))
		if left := s.remaining(); left < want {
			want = left
		}
		n, err := io.ReadFull(file, buf[:want])
		if err != nil {
			s.fail(fmt.Errorf("%w: read %s: %v", ErrFileIO, s.sourcePath, err))
			return
		}
		if _, err := s.conn.Write(buf[:n]); err != nil {
			s.failWrite(err, reverse)
			return
		}
		s.addBytes(int64(n))
	}

	s.awaitCompletion(reverse)
}

// failWrite gives the receiver's cancel frame a chance to explain a broken pipe.
func (s *Session) failWrite(writeErr error, reverse <-chan reverseResult) {
	if !s.cancelRequested.Load() {
		select {
		case result := <-reverse:
			if result.kind == reverseCancel {
				s.finish(models.StateCancelled, nil)
				return
			}
			if result.kind == reverseRemoteError {
				s.fail(result.err)
				return
			}
		case <-time.After(peerDecisionGrace):
		}
	}
	s.fail(fmt.Errorf("%w: %v", ErrConnectionLost, writeErr))
}

func (s *Session) awaitCompletion(reverse <-chan reverseResult) {
	timer := time.NewTimer(s.options.CompleteTimeout)
	defer timer.Stop()

	select {
	case result := <-reverse:
		switch result.kind {
		case reverseComplete, reverseClosed:
			// Every byte was written; a bare hang-up after that still counts.
			s.finish(models.StateCompleted, nil)
		case reverseCancel:
			s.finish(models.StateCancelled, nil)
		case reverseRemoteError:
			s.fail(result.err)
		default:
			s.fail(fmt.Errorf("%w: %v", ErrConnectionLost, result.err))
		}
	case <-timer.C:
		s.fail(fmt.Errorf("%w: no completion signal within %s", ErrConnectionLost, s.options.CompleteTimeout))
	case <-s.done:
	}
}

// readReverse reads the receiver-to-sender direction while streaming. It ends
// the session itself on a cancel, an error frame or a lost connection, since a
// paused sender is not writing and would not notice on its own.
func (s *Session) readReverse(out chan<- reverseResult) {
	for {
		payload, err := ReadFrame(s.conn)
		if err != nil {
			switch {
			case s.cancelRequested.Load():
				out <- reverseResult{kind: reverseReadError, err: err}
			case isClosed(err) && s.remaining() == 0:
				out <- reverseResult{kind: reverseClosed, err: err}
			default:
				out <- reverseResult{kind: reverseReadError, err: err}
				s.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("Ignoring undecodable frame from receiver")
			continue
		}
		switch msgType {
		case TypeComplete:
			out <- reverseResult{kind: reverseComplete}
			return
		case TypeCancel:
			s.peerCancelled.Store(true)
			out <- reverseResult{kind: reverseCancel}
			s.finish(models.StateCancelled, nil)
			return
		case TypeError:
			remoteErr := remoteError(payload)
			out <- reverseResult{kind: reverseRemoteError, err: remoteErr}
			s.fail(remoteErr)
			return
		case TypePause:
			s.setPaused(true, true)
		case TypeResume:
			s.setPaused(true, false)
		default:
			s.log.Debug().Str("type", msgType).Msg("Ignoring unexpected frame from receiver")
		}
	}
}
