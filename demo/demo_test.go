package demo

import (
	"math"
	"testing"

	"github.com/simedcn/rboomit/rb"
)

func TestBuildRejectsBadConfig(t *testing.T) {
	if _, err := Build(Config{TruthDim: 3, NMax: 5}); err == nil {
		t.Fatal("expected error when truth dimension is below NMax")
	}
	if _, err := Build(Config{TruthDim: 10, NMax: 0}); err == nil {
		t.Fatal("expected error for NMax = 0")
	}
}

func TestBuildPopulatesEverything(t *testing.T) {
	cfg := DefaultConfig()
	ev, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if ev.Nmax != cfg.NMax {
		t.Fatalf("Nmax = %d, want %d", ev.Nmax, cfg.NMax)
	}
	if ev.Disc.NTimeSteps() != cfg.NTimeSteps || ev.Disc.DeltaT() != cfg.DeltaT {
		t.Fatal("temporal discretization not configured")
	}

	// Reduced stiffness components must be symmetric and the assembled
	// operator coercive; spot check via diagonal positivity.
	for q, aq := range ev.AqRB {
		for i := 0; i < cfg.NMax; i++ {
			for j := i + 1; j < cfg.NMax; j++ {
				if d := math.Abs(aq.At(i, j) - aq.At(j, i)); d > 1e-10 {
					t.Fatalf("AqRB[%d] not symmetric at (%d,%d): diff %v", q, i, j, d)
				}
			}
		}
	}
	for i := 0; i < cfg.NMax; i++ {
		if ev.MqRB[0].At(i, i) <= 0 {
			t.Fatalf("reduced mass diagonal %d = %v, want > 0", i, ev.MqRB[0].At(i, i))
		}
		if ev.L2RB.At(i, i) <= 0 {
			t.Fatalf("L2 Gram diagonal %d = %v, want > 0", i, ev.L2RB.At(i, i))
		}
	}

	// The basis is X-orthonormal with X = A0 + A1, so the assembled reduced
	// stiffness at unit coefficients is the identity.
	for i := 0; i < cfg.NMax; i++ {
		for j := 0; j < cfg.NMax; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			got := ev.AqRB[0].At(i, j) + ev.AqRB[1].At(i, j)
			if math.Abs(got-want) > 1e-10 {
				t.Fatalf("basis not X-orthonormal: (A0+A1)[%d,%d] = %v, want %v", i, j, got, want)
			}
		}
	}

	if ev.FqNorms[0] <= 0 {
		t.Fatalf("FqNorms[0] = %v, want > 0", ev.FqNorms[0])
	}
	if ev.OutputDualNorms[0][0] <= 0 {
		t.Fatalf("output dual norm = %v, want > 0", ev.OutputDualNorms[0][0])
	}
	for q := range ev.MqRepresentors {
		for i, r := range ev.MqRepresentors[q] {
			if r == nil {
				t.Fatalf("mass representor (%d,%d) missing", q, i)
			}
		}
	}
}

func TestInitialProjectionErrorDecays(t *testing.T) {
	cfg := DefaultConfig()
	ev, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for n := 1; n < cfg.NMax; n++ {
		if ev.InitialL2Error[n] > ev.InitialL2Error[n-1]+1e-12 {
			t.Fatalf("initial L2 error grew from N=%d to N=%d: %v -> %v",
				n, n+1, ev.InitialL2Error[n-1], ev.InitialL2Error[n])
		}
	}
	// The initial condition is a mix of the first three sine modes, so the
	// projection onto three or more basis functions is exact.
	if ev.InitialL2Error[2] > 1e-8 {
		t.Fatalf("initial L2 error at N=3 = %v, want ~0", ev.InitialL2Error[2])
	}
}

func TestThetaExpansionCoefficients(t *testing.T) {
	theta := Theta{}
	mu := rb.Parameters{2.5, 0.7}
	if got := theta.ThetaA(0, mu); got != 1 {
		t.Fatalf("ThetaA(0) = %v, want 1", got)
	}
	if got := theta.ThetaA(1, mu); got != 2.5 {
		t.Fatalf("ThetaA(1) = %v, want 2.5", got)
	}
	if got := theta.ThetaF(0, mu); got != 0.7 {
		t.Fatalf("ThetaF(0) = %v, want 0.7", got)
	}
	if got := theta.ThetaM(0, mu); got != 1 {
		t.Fatalf("ThetaM(0) = %v, want 1", got)
	}
}
