package services_test

import (
	"context"
	"testing"

	"montage/internal/services"
)

func TestContextHelpersRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, "job-1")
	ctx = services.WithBatchID(ctx, "batch-1")
	ctx = services.WithStage(ctx, "voice")
	ctx = services.WithRequestID(ctx, "req-1")

	if id, ok := services.JobIDFromContext(ctx); !ok || id != "job-1" {
		t.Fatalf("unexpected job id %q ok=%v", id, ok)
	}
	if id, ok := services.BatchIDFromContext(ctx); !ok || id != "batch-1" {
		t.Fatalf("unexpected batch id %q ok=%v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "voice" {
		t.Fatalf("unexpected stage %q ok=%v", stage, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-1" {
		t.Fatalf("unexpected request id %q ok=%v", rid, ok)
	}
}

func TestContextHelpersIgnoreEmpty(t *testing.T) {
	ctx := services.WithStage(context.Background(), "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected empty stage to be ignored")
	}
}
