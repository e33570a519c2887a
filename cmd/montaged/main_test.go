package main

import (
	"context"
	"testing"

	"montage/internal/logging"
	"montage/internal/testsupport"
)

func TestBootstrapRequiresGeneratorEndpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Generator.Endpoint = ""
	if _, err := bootstrap(cfg, logging.NewNop()); err == nil {
		t.Fatal("expected bootstrap without generator endpoint to fail")
	}
}

func TestBootstrapStartsDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Generator.Endpoint = "http://127.0.0.1:1"

	d, err := bootstrap(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !d.Status(context.Background()).Running {
		t.Fatal("expected daemon to report running")
	}
	if d.APIAddr() == "" {
		t.Fatal("expected api to be listening")
	}
}
