package main

import (
	"context"
	"testing"

	"github.com/simedcn/rboomit/demo"
	"github.com/simedcn/rboomit/internal/logging"
	"github.com/simedcn/rboomit/rb"
)

func TestParseParameters(t *testing.T) {
	mu, err := parseParameters("1.5, 0.25")
	if err != nil {
		t.Fatalf("parseParameters: %v", err)
	}
	if mu[0] != 1.5 || mu[1] != 0.25 {
		t.Fatalf("parseParameters = %v", mu)
	}

	for _, bad := range []string{"", "1", "1,2,3", "a,b"} {
		if _, err := parseParameters(bad); err == nil {
			t.Errorf("parseParameters(%q): expected error", bad)
		}
	}
}

func TestGenerateThenSolve(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	if err := generateOfflineData(ctx, dir, logging.Noop()); err != nil {
		t.Fatalf("generateOfflineData: %v", err)
	}

	ev := rb.NewTransientEvaluation(demo.Theta{})
	if err := ev.ReadOfflineData(dir); err != nil {
		t.Fatalf("ReadOfflineData: %v", err)
	}
	ev.SetParameters(rb.Parameters{1, 1})
	bound, err := ev.Solve(ev.Nmax)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if bound < 0 {
		t.Fatalf("error bound = %v, want >= 0", bound)
	}
}
