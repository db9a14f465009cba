package rb

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/simedcn/rboomit/internal/logging"
)

// Evaluation holds the online data of a stationary reduced basis
// approximation: the affine components of the reduced operators, the
// residual-representor norms used by the error bound, and the most recent
// solve results. All containers are sized by Nmax, the number of basis
// functions; a solve may request any N in [1, Nmax] and operates on the
// leading principal blocks.
//
// The data members are exported because they are populated externally (by
// the offline stage or by ReadOfflineData) and the evaluation itself only
// reads them during solves.
type Evaluation struct {
	Theta     ThetaExpansion
	Stability StabilityBound

	// Reduced operator components, parameter independent.
	AqRB []*mat.Dense    // stiffness components, Nmax x Nmax each
	FqRB []*mat.VecDense // forcing components, length Nmax each

	// Output functional components and the inner products of their Riesz
	// representors, flattened over symmetric term pairs per output.
	OutputRB        [][]*mat.VecDense
	OutputDualNorms [][]float64

	// Residual-representor norms for the stationary residual. FqNorms and
	// AqAqNorms are flattened over symmetric (q1 <= q2) pairs; FqAqNorms is
	// the full cross table.
	FqNorms   []float64
	FqAqNorms [][]*mat.VecDense
	AqAqNorms []*mat.Dense

	// Raw Riesz representors in truth space. They are only needed while the
	// offline stage is still enriching the norm tables and are heavy, so
	// ClearRieszRepresentors frees them independently of the rest.
	FqRepresentors []*mat.VecDense
	AqRepresentors [][]*mat.VecDense

	// Most recent solve results.
	Solution          *mat.VecDense
	Outputs           []float64
	OutputErrorBounds []float64

	Nmax int

	mu  Parameters
	log logging.Logger
}

// Option configures an Evaluation or TransientEvaluation.
type Option func(*Evaluation)

// WithLogger attaches a structured logger. The default drops all logs.
func WithLogger(l logging.Logger) Option {
	return func(ev *Evaluation) {
		if l != nil {
			ev.log = l
		}
	}
}

// WithStabilityBound overrides the stability lower bound strategy.
func WithStabilityBound(sb StabilityBound) Option {
	return func(ev *Evaluation) {
		if sb != nil {
			ev.Stability = sb
		}
	}
}

// NewEvaluation constructs an empty stationary evaluation around the given
// theta expansion. Call ResizeDataStructures before loading basis data.
func NewEvaluation(theta ThetaExpansion, opts ...Option) *Evaluation {
	ev := &Evaluation{
		Theta:     theta,
		Stability: MinThetaStabilityBound(theta),
		log:       logging.Noop(),
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// SetParameters fixes the current parameter value for subsequent solves.
func (ev *Evaluation) SetParameters(mu Parameters) { ev.mu = mu.Clone() }

// CurrentParameters returns the parameter value used by solves.
func (ev *Evaluation) CurrentParameters() Parameters { return ev.mu }

// Logger returns the logger the evaluation was configured with.
func (ev *Evaluation) Logger() logging.Logger { return ev.log }

// ResizeDataStructures (re)allocates every N-indexed container for up to
// Nmax basis functions, zero initialized. It is idempotent and may be called
// before any basis data exists.
func (ev *Evaluation) ResizeDataStructures(nmax int) {
	if nmax < 1 {
		panic(fmt.Sprintf("rb: Nmax must be positive, got %d", nmax))
	}
	ev.Nmax = nmax

	qa := ev.Theta.NumA()
	qf := ev.Theta.NumF()

	ev.AqRB = make([]*mat.Dense, qa)
	for q := range ev.AqRB {
		ev.AqRB[q] = mat.NewDense(nmax, nmax, nil)
	}
	ev.FqRB = make([]*mat.VecDense, qf)
	for q := range ev.FqRB {
		ev.FqRB[q] = mat.NewVecDense(nmax, nil)
	}

	nOut := ev.Theta.NumOutputs()
	ev.OutputRB = make([][]*mat.VecDense, nOut)
	ev.OutputDualNorms = make([][]float64, nOut)
	for n := 0; n < nOut; n++ {
		ql := ev.Theta.NumOutputTerms(n)
		ev.OutputRB[n] = make([]*mat.VecDense, ql)
		for q := range ev.OutputRB[n] {
			ev.OutputRB[n][q] = mat.NewVecDense(nmax, nil)
		}
		ev.OutputDualNorms[n] = make([]float64, symPairs(ql))
	}

	ev.FqNorms = make([]float64, symPairs(qf))
	ev.FqAqNorms = make([][]*mat.VecDense, qf)
	for q := range ev.FqAqNorms {
		ev.FqAqNorms[q] = make([]*mat.VecDense, qa)
		for p := range ev.FqAqNorms[q] {
			ev.FqAqNorms[q][p] = mat.NewVecDense(nmax, nil)
		}
	}
	ev.AqAqNorms = make([]*mat.Dense, symPairs(qa))
	for q := range ev.AqAqNorms {
		ev.AqAqNorms[q] = mat.NewDense(nmax, nmax, nil)
	}

	ev.FqRepresentors = make([]*mat.VecDense, qf)
	ev.AqRepresentors = make([][]*mat.VecDense, qa)
	for q := range ev.AqRepresentors {
		ev.AqRepresentors[q] = make([]*mat.VecDense, nmax)
	}

	ev.Solution = nil
	ev.Outputs = make([]float64, nOut)
	ev.OutputErrorBounds = make([]float64, nOut)
}

// Clear resets the evaluation to its freshly constructed state.
func (ev *Evaluation) Clear() {
	ev.AqRB = nil
	ev.FqRB = nil
	ev.OutputRB = nil
	ev.OutputDualNorms = nil
	ev.FqNorms = nil
	ev.FqAqNorms = nil
	ev.AqAqNorms = nil
	ev.Solution = nil
	ev.Outputs = nil
	ev.OutputErrorBounds = nil
	ev.Nmax = 0
	ev.mu = nil
	ev.ClearRieszRepresentors()
	ev.FqRepresentors = nil
	ev.AqRepresentors = nil
}

// ClearRieszRepresentors frees the raw truth-space representors while
// leaving the derived norm tables intact. Once the norms are cached the
// representors are dead weight, and a long offline greedy loop will want
// the memory back.
func (ev *Evaluation) ClearRieszRepresentors() {
	for q := range ev.FqRepresentors {
		ev.FqRepresentors[q] = nil
	}
	for q := range ev.AqRepresentors {
		for i := range ev.AqRepresentors[q] {
			ev.AqRepresentors[q][i] = nil
		}
	}
}

// checkBasisSize panics unless 1 <= n <= Nmax.
func (ev *Evaluation) checkBasisSize(n int) {
	if n < 1 || n > ev.Nmax {
		panic(fmt.Sprintf("rb: basis size %d out of range [1,%d]", n, ev.Nmax))
	}
}

// assembleOperator writes the theta-weighted sum of the leading N x N blocks
// of the given components into dst.
func assembleOperator(dst *mat.Dense, components []*mat.Dense, coeff func(q int) float64, n int) {
	dst.Zero()
	var tmp mat.Dense
	for q := range components {
		tmp.Scale(coeff(q), components[q].Slice(0, n, 0, n))
		dst.Add(dst, &tmp)
		tmp.Reset()
	}
}

// assembleVector writes the theta-weighted sum of the leading N entries of
// the given components into dst.
func assembleVector(dst *mat.VecDense, components []*mat.VecDense, coeff func(q int) float64, n int) {
	dst.Zero()
	for q := range components {
		dst.AddScaledVec(dst, coeff(q), components[q].SliceVec(0, n))
	}
}

// Solve performs a stationary online solve with the leading N basis
// functions at the current parameter value and returns the certified error
// bound on the reduced solution. The reduced system is dense and small;
// a singular system indicates a model error and is surfaced as an error.
func (ev *Evaluation) Solve(n int) (float64, error) {
	ev.checkBasisSize(n)
	mu := ev.mu

	lhs := mat.NewDense(n, n, nil)
	assembleOperator(lhs, ev.AqRB, func(q int) float64 { return ev.Theta.ThetaA(q, mu) }, n)
	rhs := mat.NewVecDense(n, nil)
	assembleVector(rhs, ev.FqRB, func(q int) float64 { return ev.Theta.ThetaF(q, mu) }, n)

	sol := mat.NewVecDense(n, nil)
	if err := solveDense(lhs, rhs, sol); err != nil {
		return 0, fmt.Errorf("rb: stationary solve with N=%d: %w", n, err)
	}
	ev.Solution = sol

	alphaLB := ev.Stability(mu)
	if !(alphaLB > 0) {
		return 0, fmt.Errorf("rb: stability lower bound %v is not positive", alphaLB)
	}
	bound := ev.stationaryResidualDualNorm(n) / alphaLB

	for out := 0; out < ev.Theta.NumOutputs(); out++ {
		ev.Outputs[out] = ev.evalOutput(out, sol, n)
		ev.OutputErrorBounds[out] = bound * ev.evalOutputDualNorm(out)
	}
	return bound, nil
}

// stationaryResidualDualNorm evaluates the dual norm of the stationary
// residual for the current solution, contracting the representor-norm
// tables with the current theta coefficients.
func (ev *Evaluation) stationaryResidualDualNorm(n int) float64 {
	mu := ev.mu
	qa := ev.Theta.NumA()
	qf := ev.Theta.NumF()
	u := ev.Solution

	var sq float64
	for q1 := 0; q1 < qf; q1++ {
		for q2 := q1; q2 < qf; q2++ {
			delta := 2.0
			if q1 == q2 {
				delta = 1.0
			}
			sq += delta * ev.Theta.ThetaF(q1, mu) * ev.Theta.ThetaF(q2, mu) * ev.FqNorms[symPairIndex(q1, q2, qf)]
		}
	}
	for q := 0; q < qf; q++ {
		for p := 0; p < qa; p++ {
			c := 2 * ev.Theta.ThetaF(q, mu) * ev.Theta.ThetaA(p, mu)
			sq += c * mat.Dot(u, ev.FqAqNorms[q][p].SliceVec(0, n))
		}
	}
	for q1 := 0; q1 < qa; q1++ {
		for q2 := q1; q2 < qa; q2++ {
			delta := 2.0
			if q1 == q2 {
				delta = 1.0
			}
			c := delta * ev.Theta.ThetaA(q1, mu) * ev.Theta.ThetaA(q2, mu)
			table := ev.AqAqNorms[symPairIndex(q1, q2, qa)]
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					sq += c * u.AtVec(i) * u.AtVec(j) * table.At(i, j)
				}
			}
		}
	}
	return math.Sqrt(clampResidualSq(sq, ev.log))
}

// evalOutput evaluates output functional out at the reduced solution.
func (ev *Evaluation) evalOutput(out int, sol *mat.VecDense, n int) float64 {
	mu := ev.mu
	var val float64
	for q := 0; q < ev.Theta.NumOutputTerms(out); q++ {
		val += ev.Theta.ThetaOutput(out, q, mu) * mat.Dot(ev.OutputRB[out][q].SliceVec(0, n), sol)
	}
	return val
}

// evalOutputDualNorm returns the dual norm of output functional out at the
// current parameter, from the precomputed representor inner products.
func (ev *Evaluation) evalOutputDualNorm(out int) float64 {
	mu := ev.mu
	ql := ev.Theta.NumOutputTerms(out)
	var sq float64
	for q1 := 0; q1 < ql; q1++ {
		for q2 := q1; q2 < ql; q2++ {
			delta := 2.0
			if q1 == q2 {
				delta = 1.0
			}
			sq += delta * ev.Theta.ThetaOutput(out, q1, mu) * ev.Theta.ThetaOutput(out, q2, mu) *
				ev.OutputDualNorms[out][symPairIndex(q1, q2, ql)]
		}
	}
	return math.Sqrt(clampResidualSq(sq, ev.log))
}

// clampResidualSq guards the square root of a residual norm against small
// negative values from roundoff. A materially negative value would mean an
// inconsistent norm table and is worth a warning before clamping.
func clampResidualSq(sq float64, log logging.Logger) float64 {
	if sq < 0 {
		log.Warn(context.Background(), "negative squared residual norm, clamping",
			logging.Any("value", sq))
		sq = math.Abs(sq)
	}
	return sq
}

// solveDense solves the small dense system lhs * x = rhs via LU with
// partial pivoting. An exactly singular factorization is an error; a badly
// conditioned one still returns the solution, as the caller's stability
// assumptions make it their problem to vet.
func solveDense(lhs *mat.Dense, rhs *mat.VecDense, x *mat.VecDense) error {
	var lu mat.LU
	lu.Factorize(lhs)
	if err := lu.SolveVecTo(x, false, rhs); err != nil {
		if c, ok := err.(mat.Condition); ok && !math.IsInf(float64(c), 0) {
			// Ill conditioned but solvable. The discretization's stability
			// assumptions make the conditioning the caller's concern.
			return nil
		}
		return fmt.Errorf("reduced system is singular: %w", err)
	}
	return nil
}
