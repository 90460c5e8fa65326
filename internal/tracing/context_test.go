package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestNewRunID(t *testing.T) {
	id1 := NewRunID()
	id2 := NewRunID()

	if id1 == "" {
		t.Error("NewRunID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewRunID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := context.Background()
	traceID := "test-trace-id"

	ctx = WithTraceID(ctx, traceID)

	retrieved := GetTraceID(ctx)
	if retrieved != traceID {
		t.Errorf("Expected trace ID %s, got %s", traceID, retrieved)
	}
}

func TestWithRunID(t *testing.T) {
	ctx := context.Background()
	runID := "test-run-id"

	ctx = WithRunID(ctx, runID)

	retrieved := GetRunID(ctx)
	if retrieved != runID {
		t.Errorf("Expected run ID %s, got %s", runID, retrieved)
	}
}

func TestWithCallID(t *testing.T) {
	ctx := context.Background()
	callID := "call-123"

	ctx = WithCallID(ctx, callID)

	retrieved := GetCallID(ctx)
	if retrieved != callID {
		t.Errorf("Expected call ID %s, got %s", callID, retrieved)
	}
}

func TestWithSessionID(t *testing.T) {
	ctx := context.Background()
	sessionID := "chat-42"

	ctx = WithSessionID(ctx, sessionID)

	retrieved := GetSessionID(ctx)
	if retrieved != sessionID {
		t.Errorf("Expected session ID %s, got %s", sessionID, retrieved)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" {
		t.Error("Expected empty trace ID on fresh context")
	}
	if GetRunID(ctx) != "" {
		t.Error("Expected empty run ID on fresh context")
	}
	if GetCallID(ctx) != "" {
		t.Error("Expected empty call ID on fresh context")
	}
	if GetSessionID(ctx) != "" {
		t.Error("Expected empty session ID on fresh context")
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRunID(ctx, "run-456")
	ctx = WithCallID(ctx, "call-789")
	ctx = WithSessionID(ctx, "session-abc")

	tc := FromContext(ctx)

	if tc.TraceID != "trace-123" {
		t.Errorf("Expected trace ID trace-123, got %s", tc.TraceID)
	}
	if tc.RunID != "run-456" {
		t.Errorf("Expected run ID run-456, got %s", tc.RunID)
	}
	if tc.CallID != "call-789" {
		t.Errorf("Expected call ID call-789, got %s", tc.CallID)
	}
	if tc.SessionID != "session-abc" {
		t.Errorf("Expected session ID session-abc, got %s", tc.SessionID)
	}
}

func TestNewContext(t *testing.T) {
	ctx := context.Background()

	tc := &TraceContext{
		TraceID:   "trace-123",
		RunID:     "run-456",
		CallID:    "call-789",
		SessionID: "session-abc",
	}

	ctx = NewContext(ctx, tc)

	if GetTraceID(ctx) != "trace-123" {
		t.Error("Trace ID not set correctly")
	}
	if GetRunID(ctx) != "run-456" {
		t.Error("Run ID not set correctly")
	}
	if GetCallID(ctx) != "call-789" {
		t.Error("Call ID not set correctly")
	}
	if GetSessionID(ctx) != "session-abc" {
		t.Error("Session ID not set correctly")
	}
}

func TestNewContextPartial(t *testing.T) {
	ctx := context.Background()

	tc := &TraceContext{
		TraceID: "trace-123",
		// Other fields empty
	}

	ctx = NewContext(ctx, tc)

	if GetTraceID(ctx) != "trace-123" {
		t.Error("Trace ID not set correctly")
	}
	if GetRunID(ctx) != "" {
		t.Error("Run ID should be empty")
	}
	if GetCallID(ctx) != "" {
		t.Error("Call ID should be empty")
	}
	if GetSessionID(ctx) != "" {
		t.Error("Session ID should be empty")
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := context.Background()

	ctx = NewRequestContext(ctx)

	traceID := GetTraceID(ctx)
	if traceID == "" {
		t.Error("Trace ID not generated")
	}

	// Verify it's a valid UUID format
	if len(traceID) != 36 {
		t.Errorf("Expected UUID format (36 chars), got %d chars", len(traceID))
	}
}

func TestNewRunContext(t *testing.T) {
	ctx := context.Background()

	ctx = NewRunContext(ctx)

	if GetTraceID(ctx) == "" {
		t.Error("Trace ID not backfilled")
	}

	runID := GetRunID(ctx)
	if runID == "" {
		t.Error("Run ID not generated")
	}

	// Verify it's a valid UUID format
	if len(runID) != 36 {
		t.Errorf("Expected UUID format (36 chars), got %d chars", len(runID))
	}
}

func TestNewRunContextKeepsTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-parent")

	ctx = NewRunContext(ctx)

	if GetTraceID(ctx) != "trace-parent" {
		t.Error("Trace ID not kept across run context creation")
	}
	if GetRunID(ctx) == "" {
		t.Error("Run ID not generated")
	}
}
