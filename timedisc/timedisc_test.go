package timedisc

import "testing"

func TestSettersRoundTrip(t *testing.T) {
	var d Discretization
	d.SetDeltaT(0.1)
	d.SetEulerTheta(0.5)
	d.SetNTimeSteps(10)
	d.SetTimeStep(7)

	if got := d.DeltaT(); got != 0.1 {
		t.Fatalf("DeltaT() = %v, want 0.1", got)
	}
	if got := d.EulerTheta(); got != 0.5 {
		t.Fatalf("EulerTheta() = %v, want 0.5", got)
	}
	if got := d.NTimeSteps(); got != 10 {
		t.Fatalf("NTimeSteps() = %d, want 10", got)
	}
	if got := d.TimeStep(); got != 7 {
		t.Fatalf("TimeStep() = %d, want 7", got)
	}
}

func TestEulerThetaBoundsAccepted(t *testing.T) {
	var d Discretization
	for _, theta := range []float64{0, 0.5, 1} {
		d.SetEulerTheta(theta)
		if got := d.EulerTheta(); got != theta {
			t.Fatalf("EulerTheta() = %v, want %v", got, theta)
		}
	}
}

func TestEulerThetaOutOfRangePanics(t *testing.T) {
	for _, theta := range []float64{-0.1, 1.1} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("SetEulerTheta(%v) did not panic", theta)
				}
			}()
			var d Discretization
			d.SetEulerTheta(theta)
		}()
	}
}

func TestTimeStepBeyondTotalPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("SetTimeStep beyond n_time_steps did not panic")
		}
	}()
	var d Discretization
	d.SetNTimeSteps(5)
	d.SetTimeStep(6)
}

func TestNegativeDeltaTPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("SetDeltaT(-1) did not panic")
		}
	}()
	var d Discretization
	d.SetDeltaT(-1)
}

func TestShrinkingStepCountClampsCurrentStep(t *testing.T) {
	var d Discretization
	d.SetNTimeSteps(10)
	d.SetTimeStep(9)
	d.SetNTimeSteps(4)
	if got := d.TimeStep(); got != 4 {
		t.Fatalf("TimeStep() after shrink = %d, want 4", got)
	}
}

func TestControlDefaultsToOne(t *testing.T) {
	var d Discretization
	d.SetNTimeSteps(3)
	for k := 0; k <= 3; k++ {
		if got := d.Control(k); got != 1 {
			t.Fatalf("Control(%d) = %v, want 1", k, got)
		}
	}
}

func TestControlSequence(t *testing.T) {
	var d Discretization
	d.SetNTimeSteps(2)
	d.SetControl([]float64{0, 1, 0.5})
	if got := d.Control(2); got != 0.5 {
		t.Fatalf("Control(2) = %v, want 0.5", got)
	}

	d.SetControl(nil)
	if got := d.Control(2); got != 1 {
		t.Fatalf("Control(2) after reset = %v, want 1", got)
	}
}

func TestControlLengthMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("SetControl with wrong length did not panic")
		}
	}()
	var d Discretization
	d.SetNTimeSteps(4)
	d.SetControl([]float64{1, 1})
}

func TestReset(t *testing.T) {
	var d Discretization
	d.SetDeltaT(0.25)
	d.SetNTimeSteps(8)
	d.SetControl([]float64{1, 1, 1, 1, 1, 1, 1, 1, 1})
	d.Reset()

	if d.DeltaT() != 0 || d.NTimeSteps() != 0 || d.TimeStep() != 0 {
		t.Fatalf("Reset left state behind: %+v", d)
	}
	if got := d.Control(0); got != 1 {
		t.Fatalf("Control(0) after Reset = %v, want 1", got)
	}
}
