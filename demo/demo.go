// Package demo builds a small, fully populated transient reduced basis
// evaluation for a 1-D parametrized heat brick. It performs the truth-space
// work the offline stage would normally do (finite element assembly, an
// X-orthonormal basis, Riesz representor solves, representor-norm tables)
// so that drivers, examples, and tests have a real dataset to exercise the
// online engine with.
//
// The model problem is heat conduction on the unit interval with
// homogeneous Dirichlet ends, the conductivity of the right half scaled by
// mu[0] and the uniform heat source scaled by mu[1]:
//
//	du/dt - div(k(x; mu[0]) grad u) = mu[1]   on (0,1)
//
// The single output is the spatial average of u.
package demo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/simedcn/rboomit/rb"
)

// Theta is the affine expansion of the heat brick: two stiffness terms
// (left and right half of the domain), one mass term, one forcing term,
// one output.
type Theta struct{}

func (Theta) NumA() int       { return 2 }
func (Theta) NumF() int       { return 1 }
func (Theta) NumM() int       { return 1 }
func (Theta) NumOutputs() int { return 1 }

func (Theta) NumOutputTerms(n int) int { return 1 }

// ThetaA returns 1 for the left-half conductivity and mu[0] for the right.
func (Theta) ThetaA(q int, mu rb.Parameters) float64 {
	if q == 0 {
		return 1
	}
	return mu[0]
}

// ThetaF returns the heat source magnitude mu[1].
func (Theta) ThetaF(q int, mu rb.Parameters) float64 { return mu[1] }

func (Theta) ThetaM(q int, mu rb.Parameters) float64 { return 1 }

func (Theta) ThetaOutput(n, q int, mu rb.Parameters) float64 { return 1 }

// Config sizes the demo problem.
type Config struct {
	TruthDim   int     // interior FE nodes of the truth mesh
	NMax       int     // basis functions to build
	DeltaT     float64 // time-step size
	NTimeSteps int
	EulerTheta float64
}

// DefaultConfig is a problem small enough for tests and large enough that
// the reduced solve is a genuine approximation.
func DefaultConfig() Config {
	return Config{
		TruthDim:   60,
		NMax:       6,
		DeltaT:     0.01,
		NTimeSteps: 50,
		EulerTheta: 1,
	}
}

// Build assembles the truth problem, constructs an X-orthonormal basis from
// the leading sine modes, and populates a transient evaluation with all
// reduced operators, initial conditions, Riesz representors, and
// representor-norm tables.
func Build(cfg Config, opts ...rb.Option) (*rb.TransientEvaluation, error) {
	if cfg.TruthDim < cfg.NMax {
		return nil, fmt.Errorf("demo: truth dimension %d smaller than NMax %d", cfg.TruthDim, cfg.NMax)
	}
	if cfg.NMax < 1 {
		return nil, fmt.Errorf("demo: NMax must be positive, got %d", cfg.NMax)
	}

	nt := cfg.TruthDim
	h := 1.0 / float64(nt+1)

	// Elementwise assembly of the affine stiffness blocks, the mass
	// matrix, and the load/output vectors on the uniform mesh. Elements
	// whose midpoint lies left of 1/2 feed A0, the rest feed A1.
	a0 := mat.NewDense(nt, nt, nil)
	a1 := mat.NewDense(nt, nt, nil)
	mass := mat.NewDense(nt, nt, nil)
	for e := 0; e <= nt; e++ {
		target := a0
		if (float64(e)+0.5)*h >= 0.5 {
			target = a1
		}
		// Local dofs are nodes e-1 and e in interior numbering; boundary
		// nodes are eliminated.
		left, right := e-1, e
		stampK := func(i, j int, v float64) {
			if i >= 0 && i < nt && j >= 0 && j < nt {
				target.Set(i, j, target.At(i, j)+v)
			}
		}
		stampM := func(i, j int, v float64) {
			if i >= 0 && i < nt && j >= 0 && j < nt {
				mass.Set(i, j, mass.At(i, j)+v)
			}
		}
		stampK(left, left, 1/h)
		stampK(right, right, 1/h)
		stampK(left, right, -1/h)
		stampK(right, left, -1/h)
		stampM(left, left, h/3)
		stampM(right, right, h/3)
		stampM(left, right, h/6)
		stampM(right, left, h/6)
	}

	load := mat.NewVecDense(nt, nil)
	output := mat.NewVecDense(nt, nil)
	for i := 0; i < nt; i++ {
		load.SetVec(i, h)
		output.SetVec(i, h) // average over the unit interval
	}

	// The X inner product is the reference stiffness A0 + A1; the affine
	// terms are positive semi-definite, so the coercivity of A(mu) with
	// respect to X is bounded below by min(1, mu[0]).
	x := mat.NewDense(nt, nt, nil)
	x.Add(a0, a1)
	var xChol mat.Cholesky
	if ok := xChol.Factorize(asSym(x)); !ok {
		return nil, fmt.Errorf("demo: X inner-product matrix is not positive definite")
	}

	// X-orthonormal basis from the leading sine modes.
	basis := make([]*mat.VecDense, cfg.NMax)
	for k := 0; k < cfg.NMax; k++ {
		v := mat.NewVecDense(nt, nil)
		for i := 0; i < nt; i++ {
			v.SetVec(i, math.Sin(float64(k+1)*math.Pi*float64(i+1)*h))
		}
		for j := 0; j < k; j++ {
			proj := xInner(v, basis[j], x)
			v.AddScaledVec(v, -proj, basis[j])
		}
		norm := math.Sqrt(xInner(v, v, x))
		if norm < 1e-12 {
			return nil, fmt.Errorf("demo: basis candidate %d is X-degenerate", k)
		}
		v.ScaleVec(1/norm, v)
		basis[k] = v
	}

	theta := Theta{}
	ev := rb.NewTransientEvaluation(theta, opts...)
	ev.ResizeDataStructures(cfg.NMax)
	ev.Disc.SetDeltaT(cfg.DeltaT)
	ev.Disc.SetNTimeSteps(cfg.NTimeSteps)
	ev.Disc.SetEulerTheta(cfg.EulerTheta)

	// Reduced operators: Galerkin projections onto the basis.
	for q, aq := range []*mat.Dense{a0, a1} {
		projectMatrix(ev.AqRB[q], aq, basis)
	}
	projectMatrix(ev.MqRB[0], mass, basis)
	projectMatrix(ev.L2RB, mass, basis)
	projectVector(ev.FqRB[0], load, basis)
	projectVector(ev.OutputRB[0][0], output, basis)

	// Truth initial condition: a sine mixture so the projection error
	// genuinely decreases as N grows.
	u0 := mat.NewVecDense(nt, nil)
	for i := 0; i < nt; i++ {
		xi := float64(i+1) * h
		u0.SetVec(i, math.Sin(math.Pi*xi)+0.25*math.Sin(2*math.Pi*xi)+0.1*math.Sin(3*math.Pi*xi))
	}
	if err := projectInitialCondition(ev, u0, mass, basis); err != nil {
		return nil, err
	}

	// Riesz representors with respect to X. The operator sign is baked
	// into the stiffness and mass representors so the online residual
	// combines all terms with plus signs.
	rf := rieszSolve(&xChol, load, 1)
	ev.FqRepresentors[0] = rf
	ra := make([][]*mat.VecDense, 2)
	for q, aq := range []*mat.Dense{a0, a1} {
		ra[q] = make([]*mat.VecDense, cfg.NMax)
		for i := 0; i < cfg.NMax; i++ {
			rhs := mat.NewVecDense(nt, nil)
			rhs.MulVec(aq, basis[i])
			ra[q][i] = rieszSolve(&xChol, rhs, -1)
			ev.AqRepresentors[q][i] = ra[q][i]
		}
	}
	rm := make([]*mat.VecDense, cfg.NMax)
	for i := 0; i < cfg.NMax; i++ {
		rhs := mat.NewVecDense(nt, nil)
		rhs.MulVec(mass, basis[i])
		rm[i] = rieszSolve(&xChol, rhs, -1)
		ev.MqRepresentors[0][i] = rm[i]
	}
	rl := rieszSolve(&xChol, output, 1)

	// Representor-norm tables: raw X inner products of the representors.
	ev.FqNorms[0] = xInner(rf, rf, x)
	ev.OutputDualNorms[0][0] = xInner(rl, rl, x)
	for q := 0; q < 2; q++ {
		for i := 0; i < cfg.NMax; i++ {
			ev.FqAqNorms[0][q].SetVec(i, xInner(rf, ra[q][i], x))
		}
	}
	for i := 0; i < cfg.NMax; i++ {
		ev.FqMqNorms[0][0].SetVec(i, xInner(rf, rm[i], x))
	}
	for q1 := 0; q1 < 2; q1++ {
		for q2 := q1; q2 < 2; q2++ {
			table := ev.AqAqNorms[symPair(q1, q2)]
			for i := 0; i < cfg.NMax; i++ {
				for j := 0; j < cfg.NMax; j++ {
					table.Set(i, j, xInner(ra[q1][i], ra[q2][j], x))
				}
			}
		}
		for i := 0; i < cfg.NMax; i++ {
			for j := 0; j < cfg.NMax; j++ {
				ev.AqMqNorms[q1][0].Set(i, j, xInner(ra[q1][i], rm[j], x))
			}
		}
	}
	for i := 0; i < cfg.NMax; i++ {
		for j := 0; j < cfg.NMax; j++ {
			ev.MqMqNorms[0].Set(i, j, xInner(rm[i], rm[j], x))
		}
	}

	return ev, nil
}

// symPair flattens an ordered pair q1 <= q2 over two affine terms, matching
// the evaluation's symmetric-pair table layout.
func symPair(q1, q2 int) int {
	if q1 == 0 && q2 == 0 {
		return 0
	}
	if q1 == 0 && q2 == 1 {
		return 1
	}
	return 2
}

// xInner computes the X inner product u^T X v.
func xInner(u, v *mat.VecDense, x *mat.Dense) float64 {
	n := v.Len()
	xv := mat.NewVecDense(n, nil)
	xv.MulVec(x, v)
	return mat.Dot(u, xv)
}

// rieszSolve returns sign * X^{-1} rhs.
func rieszSolve(chol *mat.Cholesky, rhs *mat.VecDense, sign float64) *mat.VecDense {
	out := mat.NewVecDense(rhs.Len(), nil)
	if err := chol.SolveVecTo(out, rhs); err != nil {
		// Factorization succeeded, so this cannot fail for a well-formed rhs.
		panic(fmt.Sprintf("demo: riesz solve failed: %v", err))
	}
	out.ScaleVec(sign, out)
	return out
}

// projectMatrix writes basis^T op basis into the leading block of dst.
func projectMatrix(dst *mat.Dense, op *mat.Dense, basis []*mat.VecDense) {
	n := len(basis)
	tmp := mat.NewVecDense(basis[0].Len(), nil)
	for j := 0; j < n; j++ {
		tmp.MulVec(op, basis[j])
		for i := 0; i < n; i++ {
			dst.Set(i, j, mat.Dot(basis[i], tmp))
		}
	}
}

// projectVector writes basis^T v into the leading entries of dst.
func projectVector(dst *mat.VecDense, v *mat.VecDense, basis []*mat.VecDense) {
	for i := range basis {
		dst.SetVec(i, mat.Dot(basis[i], v))
	}
}

// projectInitialCondition computes, for every basis size N, the L2
// projection of u0 onto the leading N basis functions and the L2 error of
// that projection.
func projectInitialCondition(ev *rb.TransientEvaluation, u0 *mat.VecDense, mass *mat.Dense, basis []*mat.VecDense) error {
	nt := u0.Len()
	nmax := len(basis)

	mu0 := mat.NewVecDense(nt, nil)
	mu0.MulVec(mass, u0)
	u0NormSq := mat.Dot(u0, mu0)

	b := mat.NewVecDense(nmax, nil)
	for i := 0; i < nmax; i++ {
		b.SetVec(i, mat.Dot(basis[i], mu0))
	}

	for n := 1; n <= nmax; n++ {
		gram := mat.NewDense(n, n, nil)
		gram.Copy(ev.L2RB.Slice(0, n, 0, n))
		var chol mat.Cholesky
		if ok := chol.Factorize(asSym(gram)); !ok {
			return fmt.Errorf("demo: reduced L2 Gram matrix for N=%d is not positive definite", n)
		}
		coeff := mat.NewVecDense(n, nil)
		if err := chol.SolveVecTo(coeff, b.SliceVec(0, n).(*mat.VecDense)); err != nil {
			return fmt.Errorf("demo: initial condition projection for N=%d: %w", n, err)
		}
		ev.InitialRB[n-1].CopyVec(coeff)

		// ||u0 - Z c||_M^2 = ||u0||_M^2 - 2 c.b + c.G.c
		gc := mat.NewVecDense(n, nil)
		gc.MulVec(gram, coeff)
		errSq := u0NormSq - 2*mat.Dot(coeff, b.SliceVec(0, n)) + mat.Dot(coeff, gc)
		if errSq < 0 {
			errSq = 0
		}
		ev.InitialL2Error[n-1] = math.Sqrt(errSq)
	}
	return nil
}

// asSym views a symmetric dense matrix as a SymDense for Cholesky.
func asSym(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return sym
}
