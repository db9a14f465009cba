package rb

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// invalidateResidualCache drops the cached online residual terms.
func (ev *TransientEvaluation) invalidateResidualCache() {
	ev.cachedFqTerm = 0
	ev.cachedFqAq = nil
	ev.cachedFqMq = nil
	ev.cachedAqAq = nil
	ev.cachedAqMq = nil
	ev.cachedMqMq = nil
	ev.cachedN = 0
	ev.currentControl = 1
}

// CacheOnlineResidualTerms contracts the representor-norm tables with the
// theta coefficients at the current parameter into the cached_* quantities.
// The contraction costs O(Q^2 N^2); for an LTI march with fixed mu it is
// done once and every subsequent residual norm is O(N^2).
func (ev *TransientEvaluation) CacheOnlineResidualTerms(n int) {
	ev.checkBasisSize(n)
	mu := ev.mu
	theta := ev.thetaT
	qa := theta.NumA()
	qf := theta.NumF()
	qm := theta.NumM()

	ev.cachedFqTerm = 0
	for q1 := 0; q1 < qf; q1++ {
		for q2 := q1; q2 < qf; q2++ {
			delta := 2.0
			if q1 == q2 {
				delta = 1.0
			}
			ev.cachedFqTerm += delta * theta.ThetaF(q1, mu) * theta.ThetaF(q2, mu) *
				ev.FqNorms[symPairIndex(q1, q2, qf)]
		}
	}

	ev.cachedFqAq = mat.NewVecDense(n, nil)
	for q := 0; q < qf; q++ {
		for p := 0; p < qa; p++ {
			c := 2 * theta.ThetaF(q, mu) * theta.ThetaA(p, mu)
			ev.cachedFqAq.AddScaledVec(ev.cachedFqAq, c, ev.FqAqNorms[q][p].SliceVec(0, n))
		}
	}

	ev.cachedAqAq = mat.NewDense(n, n, nil)
	var tmp mat.Dense
	for q1 := 0; q1 < qa; q1++ {
		for q2 := q1; q2 < qa; q2++ {
			delta := 2.0
			if q1 == q2 {
				delta = 1.0
			}
			c := delta * theta.ThetaA(q1, mu) * theta.ThetaA(q2, mu)
			tmp.Scale(c, ev.AqAqNorms[symPairIndex(q1, q2, qa)].Slice(0, n, 0, n))
			ev.cachedAqAq.Add(ev.cachedAqAq, &tmp)
			tmp.Reset()
		}
	}

	ev.cachedFqMq = mat.NewVecDense(n, nil)
	for q := 0; q < qf; q++ {
		for p := 0; p < qm; p++ {
			c := 2 * theta.ThetaF(q, mu) * theta.ThetaM(p, mu)
			ev.cachedFqMq.AddScaledVec(ev.cachedFqMq, c, ev.FqMqNorms[q][p].SliceVec(0, n))
		}
	}

	ev.cachedAqMq = mat.NewDense(n, n, nil)
	for q := 0; q < qa; q++ {
		for p := 0; p < qm; p++ {
			c := 2 * theta.ThetaA(q, mu) * theta.ThetaM(p, mu)
			tmp.Scale(c, ev.AqMqNorms[q][p].Slice(0, n, 0, n))
			ev.cachedAqMq.Add(ev.cachedAqMq, &tmp)
			tmp.Reset()
		}
	}

	ev.cachedMqMq = mat.NewDense(n, n, nil)
	for q1 := 0; q1 < qm; q1++ {
		for q2 := q1; q2 < qm; q2++ {
			delta := 2.0
			if q1 == q2 {
				delta = 1.0
			}
			c := delta * theta.ThetaM(q1, mu) * theta.ThetaM(q2, mu)
			tmp.Scale(c, ev.MqMqNorms[symPairIndex(q1, q2, qm)].Slice(0, n, 0, n))
			ev.cachedMqMq.Add(ev.cachedMqMq, &tmp)
			tmp.Reset()
		}
	}

	ev.cachedN = n
}

// residualCoefficients returns the two coefficient vectors of the transient
// residual at the current step: the Euler-blended solution
// theta*u^k + (1-theta)*u^{k-1} and the discrete time derivative
// (u^k - u^{k-1})/dt. The norm tables bake the operator sign into the
// representors, so both enter the quadratic form with plus signs.
func (ev *TransientEvaluation) residualCoefficients(n int) (uEuler, du *mat.VecDense) {
	eulerTheta := ev.Disc.EulerTheta()
	dt := ev.Disc.DeltaT()
	uEuler = mat.NewVecDense(n, nil)
	du = mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		cur := ev.Solution.AtVec(i)
		old := ev.OldSolution.AtVec(i)
		uEuler.SetVec(i, eulerTheta*cur+(1-eulerTheta)*old)
		du.SetVec(i, (cur-old)/dt)
	}
	return uEuler, du
}

// ComputeResidualDualNorm evaluates the dual norm of the transient residual
// for the solution pair (OldSolution, Solution) using the cached
// time-independent terms. Valid only while the parameter is held fixed for
// the whole march; CacheOnlineResidualTerms must have been called for the
// same basis size.
func (ev *TransientEvaluation) ComputeResidualDualNorm(n int) float64 {
	ev.checkBasisSize(n)
	if ev.cachedN != n {
		panic(fmt.Sprintf("rb: residual cache built for N=%d, requested N=%d", ev.cachedN, n))
	}

	uEuler, du := ev.residualCoefficients(n)
	c := ev.currentControl

	sq := c * c * ev.cachedFqTerm
	sq += c * mat.Dot(uEuler, ev.cachedFqAq)
	sq += c * mat.Dot(du, ev.cachedFqMq)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sq += uEuler.AtVec(i) * uEuler.AtVec(j) * ev.cachedAqAq.At(i, j)
			sq += du.AtVec(i) * du.AtVec(j) * ev.cachedMqMq.At(i, j)
			sq += uEuler.AtVec(i) * du.AtVec(j) * ev.cachedAqMq.At(i, j)
		}
	}

	return math.Sqrt(clampResidualSq(sq, ev.log))
}

// UncachedComputeResidualDualNorm evaluates the same dual norm as
// ComputeResidualDualNorm but re-contracts the representor-norm tables with
// the current theta coefficients on every call. It is the correct path when
// the parameter varies during the march (a non-LTI use of the engine),
// trading O(Q^2 N^2) per step for validity.
func (ev *TransientEvaluation) UncachedComputeResidualDualNorm(n int) float64 {
	ev.checkBasisSize(n)
	mu := ev.mu
	theta := ev.thetaT
	qa := theta.NumA()
	qf := theta.NumF()
	qm := theta.NumM()

	uEuler, du := ev.residualCoefficients(n)
	c := ev.currentControl

	var sq float64
	for q1 := 0; q1 < qf; q1++ {
		for q2 := q1; q2 < qf; q2++ {
			delta := 2.0
			if q1 == q2 {
				delta = 1.0
			}
			sq += c * c * delta * theta.ThetaF(q1, mu) * theta.ThetaF(q2, mu) *
				ev.FqNorms[symPairIndex(q1, q2, qf)]
		}
	}
	for q := 0; q < qf; q++ {
		for p := 0; p < qa; p++ {
			coeff := 2 * c * theta.ThetaF(q, mu) * theta.ThetaA(p, mu)
			sq += coeff * mat.Dot(uEuler, ev.FqAqNorms[q][p].SliceVec(0, n))
		}
		for p := 0; p < qm; p++ {
			coeff := 2 * c * theta.ThetaF(q, mu) * theta.ThetaM(p, mu)
			sq += coeff * mat.Dot(du, ev.FqMqNorms[q][p].SliceVec(0, n))
		}
	}
	for q1 := 0; q1 < qa; q1++ {
		for q2 := q1; q2 < qa; q2++ {
			delta := 2.0
			if q1 == q2 {
				delta = 1.0
			}
			coeff := delta * theta.ThetaA(q1, mu) * theta.ThetaA(q2, mu)
			sq += coeff * quadraticForm(uEuler, uEuler, ev.AqAqNorms[symPairIndex(q1, q2, qa)], n)
		}
		for p := 0; p < qm; p++ {
			coeff := 2 * theta.ThetaA(q1, mu) * theta.ThetaM(p, mu)
			sq += coeff * quadraticForm(uEuler, du, ev.AqMqNorms[q1][p], n)
		}
	}
	for q1 := 0; q1 < qm; q1++ {
		for q2 := q1; q2 < qm; q2++ {
			delta := 2.0
			if q1 == q2 {
				delta = 1.0
			}
			coeff := delta * theta.ThetaM(q1, mu) * theta.ThetaM(q2, mu)
			sq += coeff * quadraticForm(du, du, ev.MqMqNorms[symPairIndex(q1, q2, qm)], n)
		}
	}

	return math.Sqrt(clampResidualSq(sq, ev.log))
}

// quadraticForm evaluates x^T table[:n,:n] y.
func quadraticForm(x, y *mat.VecDense, table *mat.Dense, n int) float64 {
	var sum float64
	for i := 0; i < n; i++ {
		xi := x.AtVec(i)
		if xi == 0 {
			continue
		}
		for j := 0; j < n; j++ {
			sum += xi * y.AtVec(j) * table.At(i, j)
		}
	}
	return sum
}
