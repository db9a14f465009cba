// Package timedisc holds the parameters of the generalized Euler scheme used
// by the transient reduced basis solver: step size, the theta blending
// parameter, the current step index, and the total step count.
package timedisc

import "fmt"

// Discretization is a value object describing a generalized Euler temporal
// discretization. The theta parameter selects the scheme:
//
//	theta = 0   Forward Euler
//	theta = 0.5 Crank-Nicolson
//	theta = 1   Backward Euler
//
// Setters validate their arguments and panic on violation; an out-of-range
// theta or step index is a caller bug, not a recoverable condition.
type Discretization struct {
	deltaT      float64
	eulerTheta  float64
	currentStep int
	nSteps      int

	// control holds an optional per-step multiplier on the forcing term,
	// indexed by time level 0..nSteps. Empty means a constant control of 1.
	control []float64
}

// DeltaT returns the time-step size.
func (d *Discretization) DeltaT() float64 { return d.deltaT }

// SetDeltaT sets the time-step size. It panics if dt is not positive.
func (d *Discretization) SetDeltaT(dt float64) {
	if dt <= 0 {
		panic(fmt.Sprintf("timedisc: delta_t must be positive, got %v", dt))
	}
	d.deltaT = dt
}

// EulerTheta returns the theta blending parameter.
func (d *Discretization) EulerTheta() float64 { return d.eulerTheta }

// SetEulerTheta sets theta. It panics unless 0 <= theta <= 1.
func (d *Discretization) SetEulerTheta(theta float64) {
	if theta < 0 || theta > 1 {
		panic(fmt.Sprintf("timedisc: euler_theta must be in [0,1], got %v", theta))
	}
	d.eulerTheta = theta
}

// TimeStep returns the current time-step index.
func (d *Discretization) TimeStep() int { return d.currentStep }

// SetTimeStep sets the current time-step index. It panics if k is negative
// or exceeds the total number of time steps.
func (d *Discretization) SetTimeStep(k int) {
	if k < 0 || k > d.nSteps {
		panic(fmt.Sprintf("timedisc: time step %d out of range [0,%d]", k, d.nSteps))
	}
	d.currentStep = k
}

// NTimeSteps returns the total number of time steps.
func (d *Discretization) NTimeSteps() int { return d.nSteps }

// SetNTimeSteps sets the total number of time steps. It panics if k is
// negative. The current step index is clamped into the new range.
func (d *Discretization) SetNTimeSteps(k int) {
	if k < 0 {
		panic(fmt.Sprintf("timedisc: n_time_steps must be non-negative, got %d", k))
	}
	d.nSteps = k
	if d.currentStep > k {
		d.currentStep = k
	}
}

// Control returns the forcing control multiplier at time level k,
// defaulting to 1 when no control sequence has been set.
func (d *Discretization) Control(k int) float64 {
	if k < 0 || k > d.nSteps {
		panic(fmt.Sprintf("timedisc: control index %d out of range [0,%d]", k, d.nSteps))
	}
	if len(d.control) == 0 {
		return 1
	}
	return d.control[k]
}

// SetControl installs a per-step forcing control sequence, one value per
// time level 0..NTimeSteps. A nil slice restores the constant control of 1.
func (d *Discretization) SetControl(control []float64) {
	if control != nil && len(control) != d.nSteps+1 {
		panic(fmt.Sprintf("timedisc: control length %d, want %d (one per time level)", len(control), d.nSteps+1))
	}
	if control == nil {
		d.control = nil
		return
	}
	d.control = append([]float64(nil), control...)
}

// Reset returns the discretization to its zero state.
func (d *Discretization) Reset() {
	*d = Discretization{}
}
