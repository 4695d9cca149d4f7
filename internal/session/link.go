package session

import (
	"errors"

	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/batch"
	"github.com/SkynetNext/bedrock-proxy/internal/encryption"
	"github.com/SkynetNext/bedrock-proxy/internal/lane"
	"github.com/SkynetNext/bedrock-proxy/internal/metrics"
	"github.com/SkynetNext/bedrock-proxy/internal/transport"
)

const (
	peerClient  = "client"
	peerBackend = "backend"
)

// link is one end of a session: a transport connection with its own codec
// and outbound queue. The decoder and queue belong to the session's event
// loop; the encoder and the connection's write side belong to the lane.
type link struct {
	peer  string
	conn  transport.Conn
	lane  *lane.Lane
	lanes *lane.Manager

	enc *batch.Encoder
	dec *batch.Decoder

	queue  [][]byte
	closed bool

	log *zap.Logger
}

func newLink(peer string, conn transport.Conn, lanes *lane.Manager, s Settings, log *zap.Logger) (*link, error) {
	enc, err := batch.NewEncoder(s.CompressionLevel)
	if err != nil {
		return nil, err
	}
	l, err := lanes.Assign()
	if err != nil {
		return nil, err
	}
	return &link{
		peer:  peer,
		conn:  conn,
		lane:  l,
		lanes: lanes,
		enc:   enc,
		dec:   batch.NewDecoder(s.MaxBatchSize),
		log:   log,
	}, nil
}

// send queues pk for the next flush
func (l *link) send(pk []byte) {
	if l.closed {
		return
	}
	l.queue = append(l.queue, pk)
}

// flush hands the queued packets to the lane
func (l *link) flush() {
	if l.closed || len(l.queue) == 0 {
		return
	}
	task := l.writeTask(l.queue)
	l.queue = nil
	if err := l.lane.Submit(task); err != nil {
		l.log.Debug("Dropping batch for stopped lane", zap.String("peer", l.peer), zap.Error(err))
	}
}

// flushWait hands the queued packets to the lane and waits until they are
// written
func (l *link) flushWait() error {
	if l.closed || len(l.queue) == 0 {
		return nil
	}
	task := l.writeTask(l.queue)
	l.queue = nil
	return l.lane.SubmitWait(task)
}

func (l *link) writeTask(packets [][]byte) func() {
	enc, conn, peer, log := l.enc, l.conn, l.peer, l.log
	return func() {
		frame, err := enc.Encode(packets)
		if err != nil {
			log.Warn("Failed to encode batch", zap.String("peer", peer), zap.Error(err))
			return
		}
		if err := conn.WriteFrame(frame); err != nil {
			// The reader sees the closed connection and reports it.
			log.Debug("Failed to write batch", zap.String("peer", peer), zap.Error(err))
			_ = conn.Close()
			return
		}
		metrics.BatchesProcessed.WithLabelValues(peer + "_out").Inc()
		metrics.PacketsRelayed.WithLabelValues(peer + "_out").Add(float64(len(packets)))
	}
}

// enableEncryption writes everything queued so far in the clear, then turns
// on encryption for both directions. Packets queued afterwards are
// encrypted.
func (l *link) enableEncryption(ctx *encryption.Context) {
	l.flush()
	enc := l.enc
	if err := l.lane.Submit(func() { enc.EnableEncryption(ctx) }); err != nil {
		l.log.Debug("Lane stopped before enabling encryption", zap.Error(err))
	}
	l.dec.EnableEncryption(ctx)
}

// decode splits one inbound frame. Protocol and integrity failures are
// counted here; the caller closes the link.
func (l *link) decode(frame []byte) ([][]byte, error) {
	packets, err := l.dec.Decode(frame)
	switch {
	case errors.Is(err, encryption.ErrIntegrity), errors.Is(err, encryption.ErrShortPayload):
		metrics.IntegrityFailures.WithLabelValues(l.peer).Inc()
		return nil, err
	case err != nil:
		metrics.ProtocolViolations.WithLabelValues(l.peer).Inc()
		return nil, err
	}
	metrics.BatchesProcessed.WithLabelValues(l.peer + "_in").Inc()
	metrics.PacketsRelayed.WithLabelValues(l.peer + "_in").Add(float64(len(packets)))
	return packets, nil
}

// close drops the queue, closes the connection and unpins the lane. Tasks
// already on the lane still run and fail against the closed connection.
func (l *link) close() {
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	_ = l.conn.Close()
	l.lanes.Release(l.lane)
}

// release unpins the lane without closing the connection, used when the
// connection must outlive the session loop for a final delayed close
func (l *link) release() {
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	l.lanes.Release(l.lane)
}
