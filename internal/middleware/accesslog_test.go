package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SkynetNext/bedrock-proxy/internal/logger"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	prev := logger.L
	logger.L = zap.New(core)
	t.Cleanup(func() { logger.L = prev })
	return logs
}

func TestLogAccess_Direct(t *testing.T) {
	logs := observe(t)

	LogAccess(context.Background(), &AccessLogEntry{
		RemoteAddr: "10.0.0.1:5000",
		Status:     StatusRejected,
		Error:      "ip_limit",
	})

	entries := logs.FilterMessage("access_log").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != StatusRejected || fields["error"] != "ip_limit" {
		t.Errorf("Unexpected fields %v", fields)
	}
	if _, ok := fields["session_id"]; ok {
		t.Error("Expected empty session id to be omitted")
	}
}

func TestAccessLogger_FlushOnShutdown(t *testing.T) {
	logs := observe(t)

	InitAccessLogger(100, time.Hour)
	for i := 0; i < 3; i++ {
		LogAccess(context.Background(), &AccessLogEntry{
			RemoteAddr: "10.0.0.1:5000",
			SessionID:  "abc",
			Status:     StatusClosed,
		})
	}
	ShutdownAccessLogger()

	if n := logs.FilterMessage("access_log").Len(); n != 3 {
		t.Errorf("Expected 3 flushed entries, got %d", n)
	}
}

func TestAccessLogger_BatchSize(t *testing.T) {
	logs := observe(t)

	InitAccessLogger(2, time.Hour)
	defer ShutdownAccessLogger()
	LogAccess(context.Background(), &AccessLogEntry{RemoteAddr: "a", Status: StatusClosed})
	LogAccess(context.Background(), &AccessLogEntry{RemoteAddr: "b", Status: StatusClosed})

	deadline := time.Now().Add(time.Second)
	for logs.FilterMessage("access_log").Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := logs.FilterMessage("access_log").Len(); n != 2 {
		t.Errorf("Expected a full batch to flush, got %d entries", n)
	}
}
