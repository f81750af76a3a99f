package server

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/webstead/indieauth/storage/memory"
)

type stubProfiles struct {
	owner *Owner
}

func (s stubProfiles) Profile(ctx context.Context, username string) (*Owner, error) {
	return s.owner, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a server over an in-memory store. Config may be
// nil for the defaults.
func newTestServer(t *testing.T, config *Config) *Server {
	t.Helper()

	if config == nil {
		config = &Config{}
	}
	if config.Issuer == "" {
		config.Issuer = "https://auth.example"
	}

	owner := &Owner{Username: "alice", DisplayName: "Alice", Email: "alice@auth.example"}
	srv, err := New(memory.New(), stubProfiles{owner: owner}, config, discardLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return srv
}
