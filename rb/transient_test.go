package rb_test

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/simedcn/rboomit/demo"
	"github.com/simedcn/rboomit/rb"
)

// scalarTheta is the affine expansion of the scalar decay problem
// du/dt = -mu[0] u + mu[1], with a single identity output.
type scalarTheta struct{}

func (scalarTheta) NumA() int                { return 1 }
func (scalarTheta) NumF() int                { return 1 }
func (scalarTheta) NumM() int                { return 1 }
func (scalarTheta) NumOutputs() int          { return 1 }
func (scalarTheta) NumOutputTerms(n int) int { return 1 }

func (scalarTheta) ThetaA(q int, mu rb.Parameters) float64         { return mu[0] }
func (scalarTheta) ThetaF(q int, mu rb.Parameters) float64         { return mu[1] }
func (scalarTheta) ThetaM(q int, mu rb.Parameters) float64         { return 1 }
func (scalarTheta) ThetaOutput(n, q int, mu rb.Parameters) float64 { return 1 }

// newScalarEvaluation builds a one-dimensional evaluation whose reduced
// space equals the truth space, so every residual dual norm is zero up to
// roundoff. Truth operators are A = M = X = 1, F = l = 1; the representors
// are rF = 1, rA = rM = -1.
func newScalarEvaluation(u0 float64) *rb.TransientEvaluation {
	ev := rb.NewTransientEvaluation(scalarTheta{})
	ev.ResizeDataStructures(1)

	ev.AqRB[0].Set(0, 0, 1)
	ev.MqRB[0].Set(0, 0, 1)
	ev.L2RB.Set(0, 0, 1)
	ev.FqRB[0].SetVec(0, 1)
	ev.OutputRB[0][0].SetVec(0, 1)
	ev.InitialRB[0].SetVec(0, u0)
	ev.InitialL2Error[0] = 0

	ev.FqNorms[0] = 1
	ev.FqAqNorms[0][0].SetVec(0, -1)
	ev.FqMqNorms[0][0].SetVec(0, -1)
	ev.AqAqNorms[0].Set(0, 0, 1)
	ev.MqMqNorms[0].Set(0, 0, 1)
	ev.AqMqNorms[0][0].Set(0, 0, 1)
	ev.OutputDualNorms[0][0] = 1

	return ev
}

func TestTransientSolveScalarDecay(t *testing.T) {
	const (
		a  = 1.0
		f  = 0.0
		u0 = 1.0
		dt = 0.1
		k  = 10
	)

	for _, tc := range []struct {
		name       string
		eulerTheta float64
	}{
		{"forward_euler", 0},
		{"crank_nicolson", 0.5},
		{"backward_euler", 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ev := newScalarEvaluation(u0)
			ev.Disc.SetDeltaT(dt)
			ev.Disc.SetNTimeSteps(k)
			ev.Disc.SetEulerTheta(tc.eulerTheta)
			ev.SetParameters(rb.Parameters{a, f})

			bound, err := ev.Solve(1)
			if err != nil {
				t.Fatalf("Solve: %v", err)
			}

			// One-step recurrence of the generalized Euler scheme for the
			// scalar problem, exact to roundoff.
			ratio := (1 - (1-tc.eulerTheta)*a*dt) / (1 + tc.eulerTheta*a*dt)
			gain := f * dt / (1 + tc.eulerTheta*a*dt)
			want := u0
			for step := 1; step <= k; step++ {
				want = ratio*want + gain
				got := ev.TemporalSolution[step].AtVec(0)
				if math.Abs(got-want) > 1e-12 {
					t.Fatalf("step %d: solution = %v, want %v", step, got, want)
				}
				if out := ev.OutputsAllK[0][step]; math.Abs(out-want) > 1e-12 {
					t.Fatalf("step %d: output = %v, want %v", step, out, want)
				}
			}

			// The reduced space is the truth space, so the residual vanishes
			// up to roundoff. The squared residual cancels at ~1e-17, which
			// the square root inflates to ~1e-8; the tolerance sits at that
			// scale, not at machine epsilon.
			if bound > 1e-7 {
				t.Errorf("final error bound = %v, want roundoff-level", bound)
			}
			for step, b := range ev.ErrorBoundAllK {
				if b < 0 || b > 1e-7 {
					t.Errorf("step %d: error bound = %v, want roundoff-level", step, b)
				}
			}
		})
	}
}

func TestTransientSolveForcedSteadyState(t *testing.T) {
	ev := newScalarEvaluation(0)
	ev.Disc.SetDeltaT(0.1)
	ev.Disc.SetNTimeSteps(200)
	ev.Disc.SetEulerTheta(1)
	ev.SetParameters(rb.Parameters{1, 2}) // du/dt = -u + 2, steady state 2

	if _, err := ev.Solve(1); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	final := ev.TemporalSolution[200].AtVec(0)
	if math.Abs(final-2) > 1e-6 {
		t.Fatalf("final solution = %v, want ~2", final)
	}
}

func TestTransientSolveControlSequence(t *testing.T) {
	solve := func(control []float64, muF float64) *rb.TransientEvaluation {
		ev := newScalarEvaluation(1)
		ev.Disc.SetDeltaT(0.1)
		ev.Disc.SetNTimeSteps(10)
		ev.Disc.SetEulerTheta(1)
		if control != nil {
			ev.Disc.SetControl(control)
		}
		ev.SetParameters(rb.Parameters{1, muF})
		if _, err := ev.Solve(1); err != nil {
			t.Fatalf("Solve: %v", err)
		}
		return ev
	}

	// Zeroing the control of a forced problem must reproduce the unforced
	// trajectory.
	zeroed := solve(make([]float64, 11), 2)
	unforced := solve(nil, 0)
	for k := 0; k <= 10; k++ {
		got := zeroed.TemporalSolution[k].AtVec(0)
		want := unforced.TemporalSolution[k].AtVec(0)
		if math.Abs(got-want) > 1e-12 {
			t.Fatalf("step %d: zero-control solution = %v, unforced = %v", k, got, want)
		}
	}
}

func TestErrorBoundShrinksWithBasisSize(t *testing.T) {
	cfg := demo.DefaultConfig()
	ev, err := demo.Build(cfg)
	if err != nil {
		t.Fatalf("demo.Build: %v", err)
	}
	ev.SetParameters(rb.Parameters{2, 1})

	bounds := make([]float64, 0, cfg.NMax)
	for n := 1; n <= cfg.NMax; n++ {
		b, err := ev.Solve(n)
		if err != nil {
			t.Fatalf("Solve(N=%d): %v", n, err)
		}
		if b < 0 || math.IsNaN(b) || math.IsInf(b, 0) {
			t.Fatalf("Solve(N=%d): bound = %v", n, b)
		}
		bounds = append(bounds, b)

		// The accumulated bound can only grow along the march.
		for k := 1; k <= cfg.NTimeSteps; k++ {
			if ev.ErrorBoundAllK[k] < ev.ErrorBoundAllK[k-1]-1e-12 {
				t.Fatalf("N=%d: bound decreased from step %d to %d: %v -> %v",
					n, k-1, k, ev.ErrorBoundAllK[k-1], ev.ErrorBoundAllK[k])
			}
		}
	}

	last := bounds[cfg.NMax-1]
	if last >= bounds[0]*0.9 {
		t.Fatalf("bound barely improved with basis size: N=1 gives %v, N=%d gives %v",
			bounds[0], cfg.NMax, last)
	}
}

func TestCachedMatchesUncachedResidual(t *testing.T) {
	cfg := demo.DefaultConfig()
	ev, err := demo.Build(cfg)
	if err != nil {
		t.Fatalf("demo.Build: %v", err)
	}
	ev.SetParameters(rb.Parameters{0.7, 1.5})

	const n = 4
	if _, err := ev.Solve(n); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	// Replay every step from the stored trajectory and compare the cached
	// contraction against the full one.
	for k := 1; k <= cfg.NTimeSteps; k++ {
		ev.Disc.SetTimeStep(k)
		ev.OldSolution = vecCopy(ev.TemporalSolution[k-1])
		ev.Solution = vecCopy(ev.TemporalSolution[k])

		cached := ev.ComputeResidualDualNorm(n)
		uncached := ev.UncachedComputeResidualDualNorm(n)
		if diff := math.Abs(cached - uncached); diff > 1e-10*(1+cached) {
			t.Fatalf("step %d: cached residual %v, uncached %v", k, cached, uncached)
		}
	}
}

func TestTransientSolvePreconditions(t *testing.T) {
	t.Run("unconfigured_discretization", func(t *testing.T) {
		ev := newScalarEvaluation(1)
		ev.SetParameters(rb.Parameters{1, 0})
		expectPanic(t, func() { _, _ = ev.Solve(1) })
	})
	t.Run("basis_size_zero", func(t *testing.T) {
		ev := newScalarEvaluation(1)
		expectPanic(t, func() { _, _ = ev.Solve(0) })
	})
	t.Run("basis_size_above_nmax", func(t *testing.T) {
		ev := newScalarEvaluation(1)
		expectPanic(t, func() { _, _ = ev.Solve(2) })
	})
	t.Run("stale_residual_cache", func(t *testing.T) {
		cfg := demo.DefaultConfig()
		ev, err := demo.Build(cfg)
		if err != nil {
			t.Fatalf("demo.Build: %v", err)
		}
		ev.SetParameters(rb.Parameters{1, 1})
		if _, err := ev.Solve(3); err != nil {
			t.Fatalf("Solve: %v", err)
		}
		// The cache was built for N=3; asking for N=2 must refuse.
		expectPanic(t, func() { ev.ComputeResidualDualNorm(2) })
	})
}

func TestTransientClearAndResize(t *testing.T) {
	ev := newScalarEvaluation(1)
	ev.Disc.SetDeltaT(0.1)
	ev.Disc.SetNTimeSteps(5)
	ev.Disc.SetEulerTheta(1)
	ev.SetParameters(rb.Parameters{1, 1})
	if _, err := ev.Solve(1); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	ev.Clear()
	if ev.Nmax != 0 {
		t.Fatalf("Nmax after Clear = %d, want 0", ev.Nmax)
	}
	if ev.Disc.NTimeSteps() != 0 || ev.Disc.DeltaT() != 0 {
		t.Fatalf("discretization not reset: n_time_steps=%d delta_t=%v",
			ev.Disc.NTimeSteps(), ev.Disc.DeltaT())
	}
	if ev.TemporalSolution != nil || ev.ErrorBoundAllK != nil {
		t.Fatal("per-solve state survived Clear")
	}

	// A cleared evaluation must accept a fresh resize and solve.
	ev.ResizeDataStructures(1)
	if ev.Nmax != 1 {
		t.Fatalf("Nmax after resize = %d, want 1", ev.Nmax)
	}
}

func TestClearRieszRepresentorsKeepsNormTables(t *testing.T) {
	cfg := demo.DefaultConfig()
	ev, err := demo.Build(cfg)
	if err != nil {
		t.Fatalf("demo.Build: %v", err)
	}
	ev.SetParameters(rb.Parameters{1, 1})

	before, err := ev.Solve(cfg.NMax)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	ev.ClearRieszRepresentors()
	for q := range ev.MqRepresentors {
		for i, r := range ev.MqRepresentors[q] {
			if r != nil {
				t.Fatalf("mass representor (%d,%d) survived clear", q, i)
			}
		}
	}

	after, err := ev.Solve(cfg.NMax)
	if err != nil {
		t.Fatalf("Solve after clear: %v", err)
	}
	if math.Abs(before-after) > 1e-14*(1+before) {
		t.Fatalf("error bound changed after clearing representors: %v -> %v", before, after)
	}
}

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	fn()
}

func vecCopy(v *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(v.Len(), nil)
	out.CopyVec(v)
	return out
}
