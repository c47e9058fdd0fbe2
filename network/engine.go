// Package network implements the transfer engine: persistent per-peer TCP
// connections, the framed transfer protocol, windowed chunk streaming with
// retransmission, resume after disconnects, and a typed event stream for
// the caller.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanstream/chunker"
	"lanstream/config"
	"lanstream/ledger"
	"lanstream/models"
	"lanstream/queue"
	"lanstream/storage"
	"lanstream/wire"
)

var (
	// ErrUnknownPeer indicates the peer name is not configured and cannot
	// be resolved.
	ErrUnknownPeer = errors.New("network: unknown peer")
	// ErrEngineClosed indicates the engine has been stopped.
	ErrEngineClosed = errors.New("network: engine closed")
)

// EngineOptions wires the engine to its collaborators.
type EngineOptions struct {
	Settings *config.Settings
	Ledger   *ledger.Ledger
	Store    *storage.Store
	// Resolver is optional; when set, peers without a configured host are
	// resolved by name at dial time.
	Resolver AddressResolver
	Logger   *logrus.Logger
}

// Engine is the top-level transfer service. It owns the listener, one
// connection manager per peer, the shared job queue, and the event channel
// the caller consumes.
type Engine struct {
	settings *config.Settings
	ledger   *ledger.Ledger
	store    *storage.Store
	resolver AddressResolver
	log      *logrus.Entry

	queue  *queue.Queue
	events chan models.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	server   *Server
	sessions map[string]*peerSession
	started  bool
}

// peerSession bundles everything the engine tracks for one peer: the
// connection manager, live transfer sessions keyed by job id, and the
// context tied to the current connection.
type peerSession struct {
	peer    models.Peer
	manager *ConnectionManager
	wake    chan struct{}

	mu         sync.Mutex
	connCtx    context.Context
	connCancel context.CancelFunc
	outgoing   map[uuid.UUID]*outgoingTransfer
	incoming   map[uuid.UUID]*incomingTransfer
}

// NewEngine builds an engine from its options. Call Start before use.
func NewEngine(options EngineOptions) (*Engine, error) {
	if options.Settings == nil {
		return nil, errors.New("network: settings are required")
	}
	if options.Ledger == nil {
		return nil, errors.New("network: resume ledger is required")
	}
	if options.Store == nil {
		return nil, errors.New("network: history store is required")
	}

	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		settings: options.Settings,
		ledger:   options.Ledger,
		store:    options.Store,
		resolver: options.Resolver,
		log:      logger.WithField("component", "engine"),
		queue:    queue.New(),
		events:   make(chan models.Event, 256),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*peerSession),
	}, nil
}

// Start binds the listening port and begins accepting inbound connections.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	server, err := Listen(fmt.Sprintf(":%d", e.settings.ListeningPort), e.log)
	if err != nil {
		return err
	}
	e.server = server
	e.started = true

	e.wg.Add(1)
	go e.acceptLoop(server)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server == nil {
		return nil
	}
	return e.server.Addr()
}

// Stop shuts everything down: the listener, every peer connection and every
// in-flight transfer. Interrupted transfers keep their resume state.
func (e *Engine) Stop() {
	e.cancel()

	e.mu.Lock()
	server := e.server
	sessions := make([]*peerSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	if server != nil {
		_ = server.Close()
	}
	for _, s := range sessions {
		s.manager.Close()
	}

	e.wg.Wait()
}

// Events returns the engine's event stream. The channel is never closed;
// after Stop no further events are delivered. Slow consumers lose events
// rather than stalling transfers.
func (e *Engine) Events() <-chan models.Event {
	return e.events
}

// emit delivers an event without blocking; when the consumer lags, events
// are dropped in favor of keeping transfers moving.
func (e *Engine) emit(event models.Event) {
	select {
	case e.events <- event:
	default:
	}
}

// Send queues a file for transfer to a named peer and returns the job id.
// It returns immediately; progress and completion arrive as events. Sending
// a file already queued for the same peer returns the existing job id.
func (e *Engine) Send(peerName, path string) (string, error) {
	if e.ctx.Err() != nil {
		return "", ErrEngineClosed
	}

	peer, err := e.lookupPeer(peerName)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	checksum, err := chunker.FileChecksum(path)
	if err != nil {
		return "", err
	}

	filename := filepath.Base(path)
	mtime := info.ModTime().UnixMilli()
	key := ledger.JobKey(peer.Name, filename, info.Size(), mtime)

	if existing, ok := e.queue.FindByKey(key); ok && existing.Direction == models.DirectionOutgoing {
		return existing.ID, nil
	}

	job := &models.TransferJob{
		ID:        uuid.NewString(),
		Key:       key,
		Peer:      peer.Name,
		Direction: models.DirectionOutgoing,
		Path:      path,
		Filename:  filename,
		Size:      info.Size(),
		Mtime:     mtime,
		ChunkSize: e.settings.ChunkSize,
		Checksum:  checksum,
		CreatedAt: time.Now().UnixMilli(),
	}
	e.queue.Enqueue(job)

	s := e.ensureSession(peer)
	e.wakeSession(s)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := s.manager.Connect(e.ctx); err != nil {
			e.log.WithError(err).WithField("peer", peer.Name).Warn("connect failed")
		}
	}()

	return job.ID, nil
}

// Cancel cancels a job. An active transfer aborts on the wire and discards
// the receiver's partial data; a queued or paused job is simply dropped.
func (e *Engine) Cancel(jobID string) error {
	job, ok := e.queue.Get(jobID)
	if !ok {
		return queue.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return queue.ErrJobTerminal
	}

	if job.Status == models.JobActive {
		if t := e.findTransfer(job); t != nil {
			t.cancel()
			return nil
		}
	}

	if err := e.queue.Finish(jobID, models.JobCancelled, ""); err != nil {
		return err
	}
	e.archiveAndReport(job)
	return nil
}

// Pause pauses a job. An active outgoing transfer stops without aborting
// the remote side, so its confirmed progress survives for Resume.
func (e *Engine) Pause(jobID string) error {
	job, ok := e.queue.Get(jobID)
	if !ok {
		return queue.ErrJobNotFound
	}

	if job.Status == models.JobActive && job.Direction == models.DirectionOutgoing {
		s := e.session(job.Peer)
		if s != nil {
			id, err := uuid.Parse(job.ID)
			if err == nil {
				s.mu.Lock()
				t := s.outgoing[id]
				s.mu.Unlock()
				if t != nil {
					t.preempt()
					return nil
				}
			}
		}
	}

	return e.queue.Pause(jobID)
}

// Resume puts a paused job back in line.
func (e *Engine) Resume(jobID string) error {
	if err := e.queue.Resume(jobID); err != nil {
		return err
	}
	if job, ok := e.queue.Get(jobID); ok {
		if s := e.session(job.Peer); s != nil {
			e.wakeSession(s)
		}
	}
	return nil
}

// Retry requeues a failed job at the front of its peer's queue.
func (e *Engine) Retry(jobID string) error {
	if err := e.queue.Requeue(jobID); err != nil {
		return err
	}
	if job, ok := e.queue.Get(jobID); ok {
		if s := e.session(job.Peer); s != nil {
			e.wakeSession(s)
		}
	}
	return nil
}

// Connect dials a peer now. A manual connect resets any reconnect backoff.
func (e *Engine) Connect(peerName string) error {
	peer, err := e.lookupPeer(peerName)
	if err != nil {
		return err
	}
	s := e.ensureSession(peer)
	return s.manager.Connect(e.ctx)
}

// Disconnect closes the connection to a peer without auto-reconnect.
func (e *Engine) Disconnect(peerName string) {
	if s := e.session(peerName); s != nil {
		s.manager.Disconnect()
	}
}

// PeerState returns the connection state for a peer.
func (e *Engine) PeerState(peerName string) models.ConnectionState {
	if s := e.session(peerName); s != nil {
		return s.manager.State()
	}
	return models.StateDisconnected
}

// Jobs returns the peer's jobs in queue order.
func (e *Engine) Jobs(peerName string) []*models.TransferJob {
	return e.queue.List(peerName)
}

// Job returns one job by id.
func (e *Engine) Job(jobID string) (*models.TransferJob, bool) {
	return e.queue.Get(jobID)
}

// History returns archived transfers for a peer, newest first.
func (e *Engine) History(peerName string, limit int) ([]storage.TransferRecord, error) {
	return e.store.ListTransfers(peerName, limit)
}

// Stats returns aggregate transfer statistics.
func (e *Engine) Stats() (storage.TransferStats, error) {
	return e.store.Stats()
}

func (e *Engine) lookupPeer(peerName string) (models.Peer, error) {
	if peer, ok := e.settings.Peer(peerName); ok {
		return peer, nil
	}
	if e.resolver != nil {
		return models.Peer{Name: peerName, Port: e.settings.ListeningPort}, nil
	}
	return models.Peer{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peerName)
}

func (e *Engine) session(peerName string) *peerSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[peerName]
}

func (e *Engine) ensureSession(peer models.Peer) *peerSession {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[peer.Name]; ok {
		return s
	}

	s := &peerSession{
		peer:     peer,
		wake:     make(chan struct{}, 1),
		outgoing: make(map[uuid.UUID]*outgoingTransfer),
		incoming: make(map[uuid.UUID]*incomingTransfer),
	}
	s.manager = NewConnectionManager(ManagerOptions{
		Peer:            peer,
		ReconnectWindow: time.Duration(e.settings.ReconnectWindowSeconds) * time.Second,
		Resolver:        e.resolver,
		OnStateChange: func(state models.ConnectionState, reason string) {
			e.handleStateChange(s, state, reason)
		},
		OnFrame: func(frame wire.Frame) {
			e.handleFrame(s, frame)
		},
		Logger: e.log,
	})
	e.sessions[peer.Name] = s

	e.wg.Add(1)
	go e.peerWorker(s)

	return s
}

func (e *Engine) wakeSession(s *peerSession) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// peerWorker drains the peer's outgoing queue, one job at a time, whenever
// the connection is up. Chunks of different jobs never interleave because
// the next job starts only after the previous one leaves the active state.
func (e *Engine) peerWorker(s *peerSession) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			ctx := s.connCtx
			s.mu.Unlock()
			if ctx == nil || ctx.Err() != nil || e.ctx.Err() != nil {
				break
			}
			if s.manager.State() != models.StateConnected {
				break
			}

			job := e.queue.DequeueNext(s.peer.Name, models.DirectionOutgoing)
			if job == nil {
				break
			}
			e.runOutgoing(ctx, s, job)
		}
	}
}

func (e *Engine) runOutgoing(ctx context.Context, s *peerSession, job *models.TransferJob) {
	t, err := newOutgoingTransfer(outgoingOptions{
		Job:          job,
		Conn:         s.manager,
		Codec:        chunker.NewCodec(job.ChunkSize),
		WindowChunks: e.settings.WindowChunks,
		AckTimeout:   time.Duration(e.settings.AckTimeoutSeconds) * time.Second,
		ChunkRetries: e.settings.ChunkRetries,
		Emit:         e.emit,
		Logger:       e.log,
	})
	if err != nil {
		_ = e.queue.Finish(job.ID, models.JobFailed, err.Error())
		e.archiveAndReport(job)
		return
	}

	s.mu.Lock()
	s.outgoing[t.jobID] = t
	s.mu.Unlock()

	runErr := t.run(ctx)

	s.mu.Lock()
	delete(s.outgoing, t.jobID)
	s.mu.Unlock()

	switch {
	case runErr == nil:
		_ = e.queue.Finish(job.ID, models.JobCompleted, "")
		e.archiveAndReport(job)
	case errors.Is(runErr, errConnectionLost):
		// Back to the front of the queue; confirmed progress is preserved
		// and the receiver's ledger lets the retry skip what arrived.
		if err := e.queue.Requeue(job.ID); err != nil {
			e.log.WithError(err).WithField("job", job.ID).Warn("requeue after disconnect failed")
		}
	case errors.Is(runErr, errTransferPreempted):
		_ = e.queue.Requeue(job.ID)
		_ = e.queue.Pause(job.ID)
	case errors.Is(runErr, errTransferCancelled):
		_ = e.queue.Finish(job.ID, models.JobCancelled, "")
		e.archiveAndReport(job)
	default:
		_ = e.queue.Finish(job.ID, models.JobFailed, runErr.Error())
		e.archiveAndReport(job)
	}
}

func (e *Engine) handleStateChange(s *peerSession, state models.ConnectionState, reason string) {
	switch state {
	case models.StateConnected:
		s.mu.Lock()
		if s.connCancel != nil {
			s.connCancel()
		}
		s.connCtx, s.connCancel = context.WithCancel(e.ctx)
		s.mu.Unlock()
		e.wakeSession(s)
	case models.StateDisconnected:
		s.mu.Lock()
		if s.connCancel != nil {
			s.connCancel()
			s.connCtx, s.connCancel = nil, nil
		}
		s.mu.Unlock()
	}

	e.emit(models.ConnectionStateChanged{Peer: s.peer.Name, State: state, Reason: reason})
}

func (e *Engine) handleFrame(s *peerSession, frame wire.Frame) {
	if frame.JobID == wire.ControlJobID {
		return
	}

	s.mu.Lock()
	out := s.outgoing[frame.JobID]
	in := s.incoming[frame.JobID]
	s.mu.Unlock()

	switch {
	case out != nil:
		out.deliver(frame)
	case in != nil:
		in.deliver(frame)
	case frame.Type == wire.TypeFileStart:
		e.startIncoming(s, frame)
	default:
		e.log.WithFields(logrus.Fields{
			"peer": s.peer.Name,
			"job":  frame.JobID.String(),
			"type": frame.Type.String(),
		}).Debug("frame for unknown job")
	}
}

// startIncoming spins up a receiving session for a FILE_START announcing a
// new job. One incoming transfer per peer streams at a time; a second offer
// is refused so chunks never interleave.
func (e *Engine) startIncoming(s *peerSession, frame wire.Frame) {
	var start wire.FileStart
	if err := wire.DecodeJSON(frame.Payload, &start); err != nil {
		e.log.WithError(err).WithField("peer", s.peer.Name).Warn("malformed FILE_START")
		return
	}
	if start.TotalSize < 0 || start.ChunkSize <= 0 {
		e.sendAbortFor(s, frame.JobID, wire.AbortReasonWriteFailed, "invalid file announcement")
		return
	}

	s.mu.Lock()
	busy := len(s.incoming) > 0
	ctx := s.connCtx
	s.mu.Unlock()
	if busy || ctx == nil {
		e.sendAbortFor(s, frame.JobID, wire.AbortReasonBusy, "another transfer is in progress")
		return
	}

	filename := filepath.Base(start.Filename)
	job := &models.TransferJob{
		ID:        frame.JobID.String(),
		Key:       ledger.JobKey(s.peer.Name, filename, start.TotalSize, start.Mtime),
		Peer:      s.peer.Name,
		Direction: models.DirectionIncoming,
		Filename:  filename,
		Size:      start.TotalSize,
		Mtime:     start.Mtime,
		ChunkSize: start.ChunkSize,
		CreatedAt: time.Now().UnixMilli(),
	}
	e.queue.Enqueue(job)
	if active := e.queue.DequeueNext(s.peer.Name, models.DirectionIncoming); active == nil {
		e.queue.Remove(job.ID)
		e.sendAbortFor(s, frame.JobID, wire.AbortReasonBusy, "another transfer is in progress")
		return
	}

	t, err := newIncomingTransfer(incomingOptions{
		JobID:       frame.JobID,
		Job:         job,
		Start:       start,
		Conn:        s.manager,
		Codec:       chunker.NewCodec(start.ChunkSize),
		Ledger:      e.ledger,
		DownloadDir: e.settings.DownloadDir,
		Emit:        e.emit,
		Logger:      e.log,
	})
	if err != nil {
		e.log.WithError(err).WithField("peer", s.peer.Name).Warn("cannot accept transfer")
		e.sendAbortFor(s, frame.JobID, wire.AbortReasonWriteFailed, err.Error())
		_ = e.queue.Finish(job.ID, models.JobFailed, err.Error())
		e.archiveAndReport(job)
		return
	}

	s.mu.Lock()
	s.incoming[frame.JobID] = t
	s.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		runErr := t.run(ctx)

		s.mu.Lock()
		delete(s.incoming, frame.JobID)
		s.mu.Unlock()

		switch {
		case runErr == nil:
			_ = e.queue.Finish(job.ID, models.JobCompleted, "")
			e.archiveAndReport(job)
		case errors.Is(runErr, errConnectionLost):
			// The partial file and resume record survive; the sender's
			// next FILE_START for the same key picks up where this left
			// off, under a fresh job id.
			e.queue.Remove(job.ID)
		case errors.Is(runErr, errTransferCancelled):
			_ = e.queue.Finish(job.ID, models.JobCancelled, "")
			e.archiveAndReport(job)
		default:
			_ = e.queue.Finish(job.ID, models.JobFailed, runErr.Error())
			e.archiveAndReport(job)
		}
	}()
}

func (e *Engine) findTransfer(job *models.TransferJob) interface{ cancel() } {
	s := e.session(job.Peer)
	if s == nil {
		return nil
	}
	id, err := uuid.Parse(job.ID)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.outgoing[id]; t != nil {
		return t
	}
	if t := s.incoming[id]; t != nil {
		return t
	}
	return nil
}

func (e *Engine) sendAbortFor(s *peerSession, jobID uuid.UUID, reason, message string) {
	payload, err := wire.EncodeJSON(wire.FileAbort{ReasonCode: reason, Message: message})
	if err != nil {
		return
	}
	if err := s.manager.SendFrame(wire.Frame{JobID: jobID, Type: wire.TypeFileAbort, Payload: payload}); err != nil {
		e.log.WithError(err).Debug("failed to send abort")
	}
}

// archiveAndReport persists a terminal job to history and emits the
// terminal event.
func (e *Engine) archiveAndReport(job *models.TransferJob) {
	if err := e.store.SaveTransfer(storage.RecordFromJob(job, time.Now().UnixMilli())); err != nil {
		e.log.WithError(err).WithField("job", job.ID).Warn("failed to archive transfer")
	}

	e.emit(models.TransferTerminal{
		JobID:  job.ID,
		Peer:   job.Peer,
		Status: job.Status,
		Reason: job.Reason,
	})
}

func (e *Engine) acceptLoop(server *Server) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case conn, ok := <-server.Incoming():
			if !ok {
				return
			}
			e.admit(conn)
		}
	}
}

// admit matches an inbound socket to a configured peer by remote host.
// Sockets from unknown hosts are dropped.
func (e *Engine) admit(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	peer, ok := e.settings.PeerByHost(host)
	if !ok {
		e.log.WithField("remote", host).Warn("rejecting connection from unknown host")
		_ = conn.Close()
		return
	}

	e.log.WithFields(logrus.Fields{"peer": peer.Name, "remote": host}).Info("inbound connection")
	s := e.ensureSession(peer)
	s.manager.Adopt(conn)
}
