package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanstream/chunker"
	"lanstream/ledger"
	"lanstream/models"
	"lanstream/wire"
)

const (
	// progressMinInterval throttles progress events per job.
	progressMinInterval = 200 * time.Millisecond
	// completeTimeout bounds the wait for the FILE_COMPLETE echo; the
	// receiver hashes the whole file before answering.
	completeTimeout = 2 * time.Minute
	// receiverIdleTimeout fails a receiving job whose sender went silent
	// without the connection dropping.
	receiverIdleTimeout = 5 * time.Minute
)

var (
	// errConnectionLost means the transfer was interrupted by the link, not
	// by either endpoint deciding anything. The job goes back to the front
	// of the queue with its progress intact.
	errConnectionLost = errors.New("network: connection lost mid-transfer")
	// errTransferCancelled means the transfer was cancelled, locally or by
	// the remote side. Partial data and resume state are discarded.
	errTransferCancelled = errors.New("network: transfer cancelled")
	// errTransferPreempted means the transfer was stopped locally without
	// aborting the remote side, keeping resume state. Used for pause.
	errTransferPreempted = errors.New("network: transfer preempted")
)

// transferFailedError is a terminal failure with a wire reason code.
type transferFailedError struct {
	Reason  string
	Message string
}

func (e *transferFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transfer failed: %s", e.Reason)
	}
	return fmt.Sprintf("transfer failed: %s: %s", e.Reason, e.Message)
}

// frameSender is the outbound half of a connection. Satisfied by
// *ConnectionManager and *PeerConnection.
type frameSender interface {
	SendFrame(frame wire.Frame) error
}

type stopMode int

const (
	stopNone stopMode = iota
	stopCancel
	stopPreempt
)

// stopFlag is a one-shot stop request shared by both transfer directions.
type stopFlag struct {
	once sync.Once
	mode stopMode
	ch   chan struct{}
}

func newStopFlag() *stopFlag {
	return &stopFlag{ch: make(chan struct{})}
}

func (s *stopFlag) trigger(mode stopMode) {
	s.once.Do(func() {
		s.mode = mode
		close(s.ch)
	})
}

// progressReporter tracks confirmed bytes for one job and emits throttled
// TransferProgress events. add is safe to call from the transfer goroutine
// while other goroutines read job fields through the queue.
type progressReporter struct {
	job   *models.TransferJob
	emit  func(models.Event)
	total int64

	startedAt time.Time
	baseline  int64
	lastEmit  atomic.Int64
}

func newProgressReporter(job *models.TransferJob, emit func(models.Event)) *progressReporter {
	return &progressReporter{
		job:       job,
		emit:      emit,
		total:     job.Size,
		startedAt: time.Now(),
		baseline:  atomic.LoadInt64(&job.BytesConfirmed),
	}
}

// setBaseline records confirmed bytes carried over from a previous session,
// so the rate reflects only bytes moved in this one.
func (p *progressReporter) setBaseline(bytes int64) {
	if bytes > atomic.LoadInt64(&p.job.BytesConfirmed) {
		atomic.StoreInt64(&p.job.BytesConfirmed, bytes)
	}
	p.baseline = atomic.LoadInt64(&p.job.BytesConfirmed)
	p.startedAt = time.Now()
}

func (p *progressReporter) add(n int64) {
	atomic.AddInt64(&p.job.BytesConfirmed, n)
	atomic.StoreInt64(&p.job.LastChunkAt, time.Now().UnixMilli())
	p.maybeEmit()
}

func (p *progressReporter) maybeEmit() {
	now := time.Now().UnixNano()
	last := p.lastEmit.Load()
	if now-last < progressMinInterval.Nanoseconds() {
		return
	}
	if !p.lastEmit.CompareAndSwap(last, now) {
		return
	}
	p.emitNow()
}

// flush emits unconditionally. Called at terminal transitions so the final
// byte count is never lost to throttling.
func (p *progressReporter) flush() {
	p.lastEmit.Store(time.Now().UnixNano())
	p.emitNow()
}

func (p *progressReporter) emitNow() {
	if p.emit == nil {
		return
	}

	done := atomic.LoadInt64(&p.job.BytesConfirmed)
	elapsed := time.Since(p.startedAt).Seconds()

	var rate, eta float64
	if elapsed > 0 && done > p.baseline {
		rate = float64(done-p.baseline) / elapsed
	}
	if rate > 0 && p.total > done {
		eta = float64(p.total-done) / rate
	}

	p.emit(models.TransferProgress{
		JobID:      p.job.ID,
		Peer:       p.job.Peer,
		Direction:  p.job.Direction,
		BytesDone:  done,
		Total:      p.total,
		Rate:       rate,
		ETASeconds: eta,
	})
}

// outgoingOptions configures one sending session.
type outgoingOptions struct {
	Job          *models.TransferJob
	Conn         frameSender
	Codec        chunker.Codec
	WindowChunks int
	AckTimeout   time.Duration
	ChunkRetries int
	Emit         func(models.Event)
	Logger       *logrus.Entry
}

// outgoingTransfer drives one file send: handshake, windowed chunk
// streaming with per-chunk retransmission, and final verification.
type outgoingTransfer struct {
	opts  outgoingOptions
	jobID uuid.UUID

	frames   chan wire.Frame
	stop     *stopFlag
	progress *progressReporter
	log      *logrus.Entry
}

type pendingChunk struct {
	length   int
	attempts int
	sentAt   time.Time
}

func newOutgoingTransfer(opts outgoingOptions) (*outgoingTransfer, error) {
	jobID, err := uuid.Parse(opts.Job.ID)
	if err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	if opts.WindowChunks <= 0 {
		opts.WindowChunks = 1
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &outgoingTransfer{
		opts:     opts,
		jobID:    jobID,
		frames:   make(chan wire.Frame, 256),
		stop:     newStopFlag(),
		progress: newProgressReporter(opts.Job, opts.Emit),
		log: opts.Logger.WithFields(logrus.Fields{
			"job":  opts.Job.ID,
			"peer": opts.Job.Peer,
			"file": opts.Job.Filename,
		}),
	}, nil
}

// deliver routes one inbound frame for this job. Never blocks; a full
// buffer drops the frame and the sender's retry path recovers.
func (t *outgoingTransfer) deliver(frame wire.Frame) {
	select {
	case t.frames <- frame:
	default:
		t.log.WithField("type", frame.Type.String()).Warn("dropping frame, session buffer full")
	}
}

// cancel aborts the transfer and tells the receiver to discard its partial.
func (t *outgoingTransfer) cancel() {
	t.stop.trigger(stopCancel)
}

// preempt stops the transfer silently, keeping the receiver's resume state.
func (t *outgoingTransfer) preempt() {
	t.stop.trigger(stopPreempt)
}

func (t *outgoingTransfer) run(ctx context.Context) error {
	job := t.opts.Job

	file, err := os.Open(job.Path)
	if err != nil {
		t.sendAbort(wire.AbortReasonReadFailed, err.Error())
		return &transferFailedError{Reason: wire.AbortReasonReadFailed, Message: err.Error()}
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		t.sendAbort(wire.AbortReasonReadFailed, err.Error())
		return &transferFailedError{Reason: wire.AbortReasonReadFailed, Message: err.Error()}
	}
	if info.Size() != job.Size || info.ModTime().UnixMilli() != job.Mtime {
		msg := "source file changed since it was queued"
		t.sendAbort(wire.AbortReasonReadFailed, msg)
		return &transferFailedError{Reason: wire.AbortReasonReadFailed, Message: msg}
	}

	echo, err := t.handshake(ctx)
	if err != nil {
		return err
	}

	resumeFrom := echo.ResumeFromSeq
	confirmed := confirmedBytesUpTo(t.opts.Codec, job.Size, resumeFrom)
	skip := make(map[uint64]bool, len(echo.ConfirmedSeqs))
	for _, seq := range echo.ConfirmedSeqs {
		if seq < resumeFrom || skip[seq] {
			continue
		}
		skip[seq] = true
		confirmed += chunkLength(t.opts.Codec, job.Size, seq)
	}
	t.progress.setBaseline(confirmed)
	if resumeFrom > 0 || len(skip) > 0 {
		t.log.WithFields(logrus.Fields{
			"resume_from":  resumeFrom,
			"out_of_order": len(skip),
		}).Info("receiver requested resume")
	}

	if err := t.streamChunks(ctx, file, resumeFrom, skip); err != nil {
		return err
	}

	return t.finish(ctx)
}

// handshake announces the file and waits for the receiver's echo carrying
// the resume offset and any out-of-order confirmations.
func (t *outgoingTransfer) handshake(ctx context.Context) (wire.FileStart, error) {
	job := t.opts.Job

	start := wire.FileStart{
		Filename:     job.Filename,
		TotalSize:    job.Size,
		Mtime:        job.Mtime,
		ChunkSize:    t.opts.Codec.ChunkSize,
		ChecksumAlgo: wire.ChecksumAlgoBlake2b256,
	}
	if err := t.sendControl(wire.TypeFileStart, start); err != nil {
		return wire.FileStart{}, errConnectionLost
	}

	timer := time.NewTimer(t.opts.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case frame := <-t.frames:
			switch frame.Type {
			case wire.TypeFileStart:
				var echo wire.FileStart
				if err := wire.DecodeJSON(frame.Payload, &echo); err != nil {
					return wire.FileStart{}, &transferFailedError{Reason: wire.AbortReasonReadFailed, Message: err.Error()}
				}
				return echo, nil
			case wire.TypeFileAbort:
				return wire.FileStart{}, t.remoteAbort(frame)
			default:
				t.log.WithField("type", frame.Type.String()).Debug("ignoring frame during handshake")
			}
		case <-timer.C:
			return wire.FileStart{}, errConnectionLost
		case <-t.stop.ch:
			return wire.FileStart{}, t.stopped()
		case <-ctx.Done():
			return wire.FileStart{}, errConnectionLost
		}
	}
}

// streamChunks sends chunks with a bounded window of unacknowledged
// sequences, skipping any the receiver already confirmed. Each chunk is
// retransmitted after AckTimeout, up to ChunkRetries times beyond the
// initial send.
func (t *outgoingTransfer) streamChunks(ctx context.Context, file *os.File, resumeFrom uint64, skip map[uint64]bool) error {
	job := t.opts.Job
	codec := t.opts.Codec
	total := codec.Count(job.Size)

	next := resumeFrom
	inflight := make(map[uint64]*pendingChunk)

	checkEvery := t.opts.AckTimeout / 4
	if checkEvery < 50*time.Millisecond {
		checkEvery = 50 * time.Millisecond
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for next < total || len(inflight) > 0 {
		for next < total && len(inflight) < t.opts.WindowChunks {
			if skip[next] {
				next++
				continue
			}
			length, err := t.sendChunk(file, next)
			if err != nil {
				return err
			}
			inflight[next] = &pendingChunk{length: length, attempts: 1, sentAt: time.Now()}
			next++
		}

		select {
		case frame := <-t.frames:
			switch frame.Type {
			case wire.TypeChunkAck:
				var ack wire.ChunkAck
				if err := wire.DecodeJSON(frame.Payload, &ack); err != nil {
					continue
				}
				pending, ok := inflight[ack.Sequence]
				if !ok {
					continue
				}
				delete(inflight, ack.Sequence)
				t.progress.add(int64(pending.length))
			case wire.TypeFileAbort:
				return t.remoteAbort(frame)
			default:
				t.log.WithField("type", frame.Type.String()).Debug("ignoring frame during streaming")
			}
		case <-ticker.C:
			for seq, pending := range inflight {
				if time.Since(pending.sentAt) < t.opts.AckTimeout {
					continue
				}
				if pending.attempts > t.opts.ChunkRetries {
					msg := fmt.Sprintf("chunk %d unacknowledged after %d attempts", seq, pending.attempts)
					t.sendAbort(wire.AbortReasonRetriesExhausted, msg)
					return &transferFailedError{Reason: wire.AbortReasonRetriesExhausted, Message: msg}
				}
				t.log.WithFields(logrus.Fields{
					"sequence": seq,
					"attempt":  pending.attempts + 1,
				}).Warn("retransmitting chunk")
				if _, err := t.sendChunk(file, seq); err != nil {
					return err
				}
				pending.attempts++
				pending.sentAt = time.Now()
			}
		case <-t.stop.ch:
			return t.stopped()
		case <-ctx.Done():
			return errConnectionLost
		}
	}

	return nil
}

func (t *outgoingTransfer) sendChunk(file *os.File, sequence uint64) (int, error) {
	chunk, err := t.opts.Codec.ReadChunk(file, t.opts.Job.Size, sequence)
	if err != nil {
		t.sendAbort(wire.AbortReasonReadFailed, err.Error())
		return 0, &transferFailedError{Reason: wire.AbortReasonReadFailed, Message: err.Error()}
	}

	frame := wire.Frame{
		JobID:   t.jobID,
		Type:    wire.TypeChunk,
		Payload: wire.EncodeChunkPayload(chunk.Sequence, chunk.Tag, chunk.Data),
	}
	if err := t.opts.Conn.SendFrame(frame); err != nil {
		return 0, errConnectionLost
	}
	return len(chunk.Data), nil
}

// finish sends the whole-file checksum and waits for the receiver to verify
// and confirm.
func (t *outgoingTransfer) finish(ctx context.Context) error {
	if err := t.sendControl(wire.TypeFileComplete, wire.FileComplete{Checksum: t.opts.Job.Checksum}); err != nil {
		return errConnectionLost
	}

	timer := time.NewTimer(completeTimeout)
	defer timer.Stop()

	for {
		select {
		case frame := <-t.frames:
			switch frame.Type {
			case wire.TypeFileComplete:
				t.progress.flush()
				return nil
			case wire.TypeFileAbort:
				return t.remoteAbort(frame)
			default:
			}
		case <-timer.C:
			return errConnectionLost
		case <-t.stop.ch:
			return t.stopped()
		case <-ctx.Done():
			return errConnectionLost
		}
	}
}

func (t *outgoingTransfer) stopped() error {
	switch t.stop.mode {
	case stopCancel:
		t.sendAbort(wire.AbortReasonCancelled, "")
		return errTransferCancelled
	case stopPreempt:
		return errTransferPreempted
	default:
		return errConnectionLost
	}
}

func (t *outgoingTransfer) remoteAbort(frame wire.Frame) error {
	var abort wire.FileAbort
	if err := wire.DecodeJSON(frame.Payload, &abort); err != nil {
		return &transferFailedError{Reason: "aborted", Message: err.Error()}
	}
	if abort.ReasonCode == wire.AbortReasonCancelled {
		return errTransferCancelled
	}
	return &transferFailedError{Reason: abort.ReasonCode, Message: abort.Message}
}

func (t *outgoingTransfer) sendControl(msgType wire.MessageType, message any) error {
	payload, err := wire.EncodeJSON(message)
	if err != nil {
		return err
	}
	return t.opts.Conn.SendFrame(wire.Frame{JobID: t.jobID, Type: msgType, Payload: payload})
}

func (t *outgoingTransfer) sendAbort(reason, message string) {
	payload, err := wire.EncodeJSON(wire.FileAbort{ReasonCode: reason, Message: message})
	if err != nil {
		return
	}
	_ = t.opts.Conn.SendFrame(wire.Frame{JobID: t.jobID, Type: wire.TypeFileAbort, Payload: payload})
}

// incomingOptions configures one receiving session.
type incomingOptions struct {
	JobID       uuid.UUID
	Job         *models.TransferJob
	Start       wire.FileStart
	Conn        frameSender
	Codec       chunker.Codec
	Ledger      *ledger.Ledger
	DownloadDir string
	Emit        func(models.Event)
	Logger      *logrus.Entry
}

// incomingTransfer receives one file: it consults the resume ledger, writes
// verified chunks to a .part file, acknowledges each durable write, and
// moves the file into place once the whole-file checksum matches.
type incomingTransfer struct {
	opts   incomingOptions
	record *ledger.Record

	finalPath string
	tempPath  string
	file      *os.File

	frames   chan wire.Frame
	stop     *stopFlag
	progress *progressReporter
	log      *logrus.Entry

	senderChecksum string
	completeSeen   bool
}

func newIncomingTransfer(opts incomingOptions) (*incomingTransfer, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	name := filepath.Base(opts.Start.Filename)
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid filename %q", opts.Start.Filename)
	}

	finalPath := filepath.Join(opts.DownloadDir, name)
	tempPath := finalPath + ".part"

	record, err := opts.Ledger.Load(opts.Job.Key)
	if err != nil {
		return nil, err
	}
	if record != nil && (record.TotalSize != opts.Start.TotalSize || record.ChunkSize != opts.Start.ChunkSize) {
		// Stale record for a different shape of the same key. Start over.
		record = nil
	}
	if record != nil {
		if _, statErr := os.Stat(tempPath); statErr != nil {
			// Resume state without the partial file is worthless.
			record = nil
		}
	}
	if record == nil {
		record = &ledger.Record{
			JobKey:    opts.Job.Key,
			JobID:     opts.Job.ID,
			Peer:      opts.Job.Peer,
			Filename:  name,
			TotalSize: opts.Start.TotalSize,
			ChunkSize: opts.Start.ChunkSize,
		}
	} else {
		record.JobID = opts.Job.ID
	}

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open partial file: %w", err)
	}
	if err := file.Truncate(opts.Start.TotalSize); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("allocate partial file: %w", err)
	}

	t := &incomingTransfer{
		opts:      opts,
		record:    record,
		finalPath: finalPath,
		tempPath:  tempPath,
		file:      file,
		frames:    make(chan wire.Frame, 256),
		stop:      newStopFlag(),
		progress:  newProgressReporter(opts.Job, opts.Emit),
		log: opts.Logger.WithFields(logrus.Fields{
			"job":  opts.Job.ID,
			"peer": opts.Job.Peer,
			"file": name,
		}),
	}

	t.progress.setBaseline(confirmedBytes(opts.Codec, opts.Start.TotalSize, record))
	return t, nil
}

func (t *incomingTransfer) deliver(frame wire.Frame) {
	select {
	case t.frames <- frame:
	default:
		t.log.WithField("type", frame.Type.String()).Warn("dropping frame, session buffer full")
	}
}

// cancel aborts the transfer, discarding the partial file and resume state.
func (t *incomingTransfer) cancel() {
	t.stop.trigger(stopCancel)
}

func (t *incomingTransfer) run(ctx context.Context) error {
	defer func() {
		if t.file != nil {
			_ = t.file.Close()
		}
	}()

	// Echo the handshake with the first sequence we still need.
	if err := t.sendControl(wire.TypeFileStart, t.resumeEcho()); err != nil {
		return errConnectionLost
	}
	if t.record.ResumeFrom > 0 || len(t.record.OutOfOrder) > 0 {
		t.log.WithField("resume_from", t.record.ResumeFrom).Info("resuming interrupted transfer")
	}

	idle := time.NewTimer(receiverIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case frame := <-t.frames:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(receiverIdleTimeout)

			done, err := t.handleFrame(frame)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case <-idle.C:
			return &transferFailedError{Reason: "idle_timeout", Message: "sender went silent"}
		case <-t.stop.ch:
			t.sendAbort(wire.AbortReasonCancelled, "")
			t.discard()
			return errTransferCancelled
		case <-ctx.Done():
			// Connection dropped. Keep the partial file and resume record;
			// the sender will offer the same job key again after reconnect.
			return errConnectionLost
		}
	}
}

// resumeEcho is the handshake answer: the contiguous resume offset plus any
// sequences confirmed out of order, so none of them travel again.
func (t *incomingTransfer) resumeEcho() wire.FileStart {
	echo := t.opts.Start
	echo.ResumeFromSeq = t.record.ResumeFrom
	echo.ConfirmedSeqs = append([]uint64(nil), t.record.OutOfOrder...)
	return echo
}

func (t *incomingTransfer) handleFrame(frame wire.Frame) (done bool, err error) {
	switch frame.Type {
	case wire.TypeChunk:
		if err := t.handleChunk(frame.Payload); err != nil {
			return false, err
		}
	case wire.TypeFileComplete:
		var complete wire.FileComplete
		if err := wire.DecodeJSON(frame.Payload, &complete); err != nil {
			return false, &transferFailedError{Reason: wire.AbortReasonWriteFailed, Message: err.Error()}
		}
		t.senderChecksum = complete.Checksum
		t.completeSeen = true
	case wire.TypeFileStart:
		// Duplicate handshake after a sender-side hiccup. Re-echo current
		// progress.
		if err := t.sendControl(wire.TypeFileStart, t.resumeEcho()); err != nil {
			return false, errConnectionLost
		}
	case wire.TypeFileAbort:
		var abort wire.FileAbort
		_ = wire.DecodeJSON(frame.Payload, &abort)
		t.log.WithField("reason", abort.ReasonCode).Info("sender aborted transfer")
		t.discard()
		if abort.ReasonCode == wire.AbortReasonCancelled {
			return false, errTransferCancelled
		}
		return false, &transferFailedError{Reason: abort.ReasonCode, Message: abort.Message}
	default:
		t.log.WithField("type", frame.Type.String()).Debug("ignoring unexpected frame")
	}

	if t.completeSeen && t.record.ResumeFrom >= t.opts.Codec.Count(t.opts.Start.TotalSize) {
		if err := t.finalize(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (t *incomingTransfer) handleChunk(payload []byte) error {
	sequence, tag, data, err := wire.DecodeChunkPayload(payload)
	if err != nil {
		return &transferFailedError{Reason: wire.AbortReasonWriteFailed, Message: err.Error()}
	}

	codec := t.opts.Codec
	total := codec.Count(t.opts.Start.TotalSize)
	if sequence >= total {
		t.log.WithField("sequence", sequence).Warn("ignoring chunk past end of file")
		return nil
	}

	if t.record.Confirmed(sequence) {
		// Duplicate after a lost ack or a resume overlap. Re-acknowledge so
		// the sender stops retrying it.
		if err := t.sendAck(sequence); err != nil {
			return errConnectionLost
		}
		return nil
	}

	wantLen := chunkLength(codec, t.opts.Start.TotalSize, sequence)
	if int64(len(data)) != wantLen {
		t.log.WithFields(logrus.Fields{
			"sequence": sequence,
			"got":      len(data),
			"want":     wantLen,
		}).Warn("dropping chunk with wrong length")
		return nil
	}
	if chunker.Tag(data) != tag {
		// Withhold the ack; the sender retransmits.
		t.log.WithField("sequence", sequence).Warn("dropping chunk with bad integrity tag")
		return nil
	}

	if _, err := t.file.WriteAt(data, codec.Offset(sequence)); err != nil {
		t.sendAbort(wire.AbortReasonWriteFailed, err.Error())
		return &transferFailedError{Reason: wire.AbortReasonWriteFailed, Message: err.Error()}
	}
	if err := t.file.Sync(); err != nil {
		t.sendAbort(wire.AbortReasonWriteFailed, err.Error())
		return &transferFailedError{Reason: wire.AbortReasonWriteFailed, Message: err.Error()}
	}

	t.record.MarkConfirmed(sequence)
	if err := t.opts.Ledger.Save(t.record); err != nil {
		// Resume state lagging behind the file is safe; worst case the
		// sender re-sends chunks we re-acknowledge.
		t.log.WithError(err).Warn("failed to persist resume record")
	}

	if err := t.sendAck(sequence); err != nil {
		return errConnectionLost
	}

	t.progress.add(int64(len(data)))
	return nil
}

// finalize verifies the assembled file and moves it into the download
// directory.
func (t *incomingTransfer) finalize() error {
	if err := t.file.Sync(); err != nil {
		t.sendAbort(wire.AbortReasonWriteFailed, err.Error())
		return &transferFailedError{Reason: wire.AbortReasonWriteFailed, Message: err.Error()}
	}
	if err := t.file.Close(); err != nil {
		t.file = nil
		t.sendAbort(wire.AbortReasonWriteFailed, err.Error())
		return &transferFailedError{Reason: wire.AbortReasonWriteFailed, Message: err.Error()}
	}
	t.file = nil

	info, err := os.Stat(t.tempPath)
	if err != nil {
		t.sendAbort(wire.AbortReasonWriteFailed, err.Error())
		return &transferFailedError{Reason: wire.AbortReasonWriteFailed, Message: err.Error()}
	}
	if info.Size() != t.opts.Start.TotalSize {
		msg := fmt.Sprintf("assembled %d bytes, expected %d", info.Size(), t.opts.Start.TotalSize)
		t.sendAbort(wire.AbortReasonSizeMismatch, msg)
		t.discard()
		return &transferFailedError{Reason: wire.AbortReasonSizeMismatch, Message: msg}
	}

	sum, err := chunker.FileChecksum(t.tempPath)
	if err != nil {
		t.sendAbort(wire.AbortReasonWriteFailed, err.Error())
		return &transferFailedError{Reason: wire.AbortReasonWriteFailed, Message: err.Error()}
	}
	if sum != t.senderChecksum {
		// Per-chunk tags all matched but the whole disagrees: something is
		// wrong beyond a transient corruption, so start this job from
		// scratch next time.
		t.sendAbort(wire.AbortReasonChecksumMismatch, "")
		t.discard()
		return &transferFailedError{Reason: wire.AbortReasonChecksumMismatch}
	}

	target, err := uniquePath(t.finalPath)
	if err != nil {
		t.sendAbort(wire.AbortReasonWriteFailed, err.Error())
		return &transferFailedError{Reason: wire.AbortReasonWriteFailed, Message: err.Error()}
	}
	if err := os.Rename(t.tempPath, target); err != nil {
		t.sendAbort(wire.AbortReasonWriteFailed, err.Error())
		return &transferFailedError{Reason: wire.AbortReasonWriteFailed, Message: err.Error()}
	}

	if err := t.opts.Ledger.Delete(t.record.JobKey); err != nil {
		t.log.WithError(err).Warn("failed to delete resume record")
	}

	if err := t.sendControl(wire.TypeFileComplete, wire.FileComplete{Checksum: sum}); err != nil {
		// The file is already safely in place; a lost confirmation only
		// costs the sender a requeue it will find already satisfied.
		t.log.WithError(err).Warn("failed to confirm completion")
	}

	t.progress.flush()
	t.log.WithField("path", target).Info("file received")
	return nil
}

// discard removes the partial file and resume record.
func (t *incomingTransfer) discard() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	if err := os.Remove(t.tempPath); err != nil && !os.IsNotExist(err) {
		t.log.WithError(err).Warn("failed to remove partial file")
	}
	if err := t.opts.Ledger.Delete(t.record.JobKey); err != nil {
		t.log.WithError(err).Warn("failed to delete resume record")
	}
}

func (t *incomingTransfer) sendAck(sequence uint64) error {
	payload, err := wire.EncodeJSON(wire.ChunkAck{Sequence: sequence})
	if err != nil {
		return err
	}
	return t.opts.Conn.SendFrame(wire.Frame{JobID: t.opts.JobID, Type: wire.TypeChunkAck, Payload: payload})
}

func (t *incomingTransfer) sendControl(msgType wire.MessageType, message any) error {
	payload, err := wire.EncodeJSON(message)
	if err != nil {
		return err
	}
	return t.opts.Conn.SendFrame(wire.Frame{JobID: t.opts.JobID, Type: msgType, Payload: payload})
}

func (t *incomingTransfer) sendAbort(reason, message string) {
	payload, err := wire.EncodeJSON(wire.FileAbort{ReasonCode: reason, Message: message})
	if err != nil {
		return
	}
	_ = t.opts.Conn.SendFrame(wire.Frame{JobID: t.opts.JobID, Type: wire.TypeFileAbort, Payload: payload})
}

// chunkLength returns the byte length of one sequence; only the final chunk
// may be short.
func chunkLength(codec chunker.Codec, totalSize int64, sequence uint64) int64 {
	offset := codec.Offset(sequence)
	if offset >= totalSize {
		return 0
	}
	length := int64(codec.ChunkSize)
	if offset+length > totalSize {
		length = totalSize - offset
	}
	return length
}

// confirmedBytesUpTo sums the byte lengths of sequences [0, resumeFrom).
func confirmedBytesUpTo(codec chunker.Codec, totalSize int64, resumeFrom uint64) int64 {
	var bytes int64
	for seq := uint64(0); seq < resumeFrom; seq++ {
		bytes += chunkLength(codec, totalSize, seq)
	}
	return bytes
}

// confirmedBytes sums the byte lengths of every confirmed sequence in a
// resume record, out-of-order confirmations included.
func confirmedBytes(codec chunker.Codec, totalSize int64, record *ledger.Record) int64 {
	bytes := confirmedBytesUpTo(codec, totalSize, record.ResumeFrom)
	for _, seq := range record.OutOfOrder {
		bytes += chunkLength(codec, totalSize, seq)
	}
	return bytes
}

// uniquePath returns path itself when free, otherwise "name (N).ext".
func uniquePath(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := filepath.Base(path)
	stem = stem[:len(stem)-len(ext)]

	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", errors.New("no available filename")
}
