// Package rb implements the online stage of the certified reduced basis
// method for parametrized PDEs: fast reduced solves at new parameter values
// together with rigorous a posteriori error bounds, using only the small
// dense operators and residual-representor norms computed offline.
package rb

import "fmt"

// Parameters is a parameter vector mu. The evaluation never inspects it; it
// is passed through to the injected theta expansion.
type Parameters []float64

// Clone returns an independent copy of the parameter vector.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	return append(Parameters(nil), p...)
}

// ThetaExpansion maps a parameter vector to the scalar coefficients of the
// affine expansion of the stationary operators:
//
//	A(mu) = sum_q ThetaA(q, mu) A_q
//	F(mu) = sum_q ThetaF(q, mu) F_q
//	l_n(mu) = sum_q ThetaOutput(n, q, mu) l_{n,q}
//
// The evaluation treats it as a black box and only consumes the returned
// coefficients.
type ThetaExpansion interface {
	NumA() int
	NumF() int
	NumOutputs() int
	NumOutputTerms(n int) int

	ThetaA(q int, mu Parameters) float64
	ThetaF(q int, mu Parameters) float64
	ThetaOutput(n, q int, mu Parameters) float64
}

// TransientThetaExpansion extends ThetaExpansion with the affine mass
// operator M(mu) = sum_q ThetaM(q, mu) M_q of a time-dependent LTI problem.
type TransientThetaExpansion interface {
	ThetaExpansion

	NumM() int
	ThetaM(q int, mu Parameters) float64
}

// StabilityBound returns a lower bound for the coercivity (or inf-sup
// stability) constant of the operator at mu. It is the one injection point
// for different stability constructions; the error bound scales with its
// inverse.
type StabilityBound func(mu Parameters) float64

// MinThetaStabilityBound is the default stability lower bound for problems
// whose affine terms are individually coercive with unit constants: the
// minimum of the ThetaA coefficients. Callers with a sharper construction
// (an SCM, a hand-derived constant) should inject their own StabilityBound.
func MinThetaStabilityBound(theta ThetaExpansion) StabilityBound {
	return func(mu Parameters) float64 {
		min := theta.ThetaA(0, mu)
		for q := 1; q < theta.NumA(); q++ {
			if v := theta.ThetaA(q, mu); v < min {
				min = v
			}
		}
		return min
	}
}

// symPairs returns the number of unordered index pairs (q1 <= q2) drawn
// from q affine terms. The symmetric representor-norm tables are stored
// flattened over these pairs.
func symPairs(q int) int { return q * (q + 1) / 2 }

// symPairIndex maps an ordered pair q1 <= q2 into the flattened table.
func symPairIndex(q1, q2, n int) int {
	if q1 > q2 || q2 >= n {
		panic(fmt.Sprintf("rb: bad symmetric pair (%d,%d) for %d terms", q1, q2, n))
	}
	return q1*n - q1*(q1-1)/2 + (q2 - q1)
}
