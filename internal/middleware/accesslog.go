package middleware

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/logger"
)

// Access log statuses
const (
	StatusRejected = "rejected"
	StatusClosed   = "closed"
	StatusError    = "error"
)

// AccessLogEntry records one client connection, written when it is refused
// or when its session ends
type AccessLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
	SessionID  string    `json:"session_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	XUID       string    `json:"xuid,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

func (e *AccessLogEntry) fields() []zap.Field {
	fields := []zap.Field{
		zap.Time("timestamp", e.Timestamp),
		zap.String("remote_addr", e.RemoteAddr),
		zap.Int64("duration_ms", e.DurationMs),
		zap.String("status", e.Status),
	}
	optional := []struct{ key, value string }{
		{"trace_id", e.TraceID},
		{"span_id", e.SpanID},
		{"session_id", e.SessionID},
		{"username", e.Username},
		{"xuid", e.XUID},
		{"backend", e.Backend},
		{"error", e.Error},
	}
	for _, f := range optional {
		if f.value != "" {
			fields = append(fields, zap.String(f.key, f.value))
		}
	}
	return fields
}

// AccessLogger writes access log entries in batches off the hot path
type AccessLogger struct {
	logChan       chan *AccessLogEntry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

var (
	globalMu           sync.RWMutex
	globalAccessLogger *AccessLogger
)

// InitAccessLogger starts the global access logger. batchSize entries are
// accumulated before writing; flushInterval bounds how long one waits.
func InitAccessLogger(batchSize int, flushInterval time.Duration) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalAccessLogger != nil {
		return
	}
	al := &AccessLogger{
		logChan:       make(chan *AccessLogEntry, batchSize*2), // Buffer 2x batch size
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}
	al.wg.Add(1)
	go al.processBatches()
	globalAccessLogger = al
}

// LogAccess records an access log entry. It never blocks: without a running
// access logger the entry is written directly, and a full buffer drops it.
func LogAccess(ctx context.Context, entry *AccessLogEntry) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		entry.SpanID = span.SpanContext().SpanID().String()
	}
	entry.Timestamp = time.Now()

	globalMu.RLock()
	al := globalAccessLogger
	globalMu.RUnlock()
	if al == nil {
		logger.L.Info("access_log", entry.fields()...)
		return
	}

	select {
	case al.logChan <- entry:
	default:
		logger.L.Warn("Access log buffer full, dropping entry",
			zap.String("remote_addr", entry.RemoteAddr),
		)
	}
}

// processBatches processes access logs in batches
func (al *AccessLogger) processBatches() {
	defer al.wg.Done()

	batch := make([]*AccessLogEntry, 0, al.batchSize)
	ticker := time.NewTicker(al.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-al.stopChan:
			// Drain what is still buffered
			for {
				select {
				case entry := <-al.logChan:
					batch = append(batch, entry)
				default:
					al.flushBatch(batch)
					return
				}
			}
		case entry := <-al.logChan:
			batch = append(batch, entry)
			if len(batch) >= al.batchSize {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (al *AccessLogger) flushBatch(batch []*AccessLogEntry) {
	for _, entry := range batch {
		logger.L.Info("access_log", entry.fields()...)
	}
}

// ShutdownAccessLogger flushes and stops the global access logger
func ShutdownAccessLogger() {
	globalMu.Lock()
	al := globalAccessLogger
	globalAccessLogger = nil
	globalMu.Unlock()
	if al == nil {
		return
	}
	al.stopOnce.Do(func() { close(al.stopChan) })
	al.wg.Wait()
}
