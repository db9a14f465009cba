package rb_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/simedcn/rboomit/demo"
	"github.com/simedcn/rboomit/rb"
)

func smallDemo(t *testing.T) *rb.TransientEvaluation {
	t.Helper()
	ev, err := demo.Build(demo.Config{
		TruthDim:   30,
		NMax:       4,
		DeltaT:     0.02,
		NTimeSteps: 20,
		EulerTheta: 1,
	})
	if err != nil {
		t.Fatalf("demo.Build: %v", err)
	}
	return ev
}

func TestOfflineDataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := smallDemo(t)
	if err := src.WriteOfflineData(dir); err != nil {
		t.Fatalf("WriteOfflineData: %v", err)
	}

	dst := rb.NewTransientEvaluation(demo.Theta{})
	if err := dst.ReadOfflineData(dir); err != nil {
		t.Fatalf("ReadOfflineData: %v", err)
	}
	if dst.Nmax != src.Nmax {
		t.Fatalf("Nmax = %d, want %d", dst.Nmax, src.Nmax)
	}
	if dst.Disc.NTimeSteps() != src.Disc.NTimeSteps() || dst.Disc.DeltaT() != src.Disc.DeltaT() {
		t.Fatalf("discretization not restored: n_time_steps=%d delta_t=%v",
			dst.Disc.NTimeSteps(), dst.Disc.DeltaT())
	}

	// The restored evaluation must certify identical solves.
	mu := rb.Parameters{1.3, 0.8}
	src.SetParameters(mu)
	dst.SetParameters(mu)
	srcBound, err := src.Solve(src.Nmax)
	if err != nil {
		t.Fatalf("source Solve: %v", err)
	}
	dstBound, err := dst.Solve(dst.Nmax)
	if err != nil {
		t.Fatalf("restored Solve: %v", err)
	}
	if math.Abs(srcBound-dstBound) > 1e-14*(1+srcBound) {
		t.Fatalf("error bound drifted through persistence: %v vs %v", srcBound, dstBound)
	}
	for k := 0; k <= src.Disc.NTimeSteps(); k++ {
		so, do := src.OutputsAllK[0][k], dst.OutputsAllK[0][k]
		if math.Abs(so-do) > 1e-14*(1+math.Abs(so)) {
			t.Fatalf("step %d: output drifted through persistence: %v vs %v", k, so, do)
		}
	}
}

func TestRieszRepresentorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := smallDemo(t)
	if err := src.WriteRieszRepresentors(dir); err != nil {
		t.Fatalf("WriteRieszRepresentors: %v", err)
	}

	dst := rb.NewTransientEvaluation(demo.Theta{})
	dst.ResizeDataStructures(src.Nmax)
	if err := dst.ReadRieszRepresentors(dir); err != nil {
		t.Fatalf("ReadRieszRepresentors: %v", err)
	}
	for q := range src.MqRepresentors {
		for i, want := range src.MqRepresentors[q] {
			got := dst.MqRepresentors[q][i]
			if got == nil {
				t.Fatalf("representor (%d,%d) missing after round trip", q, i)
			}
			for j := 0; j < want.Len(); j++ {
				if got.AtVec(j) != want.AtVec(j) {
					t.Fatalf("representor (%d,%d) entry %d: %v vs %v", q, i, j, got.AtVec(j), want.AtVec(j))
				}
			}
		}
	}
}

func TestReadOfflineDataMissingDirectory(t *testing.T) {
	ev := rb.NewTransientEvaluation(demo.Theta{})
	if err := ev.ReadOfflineData(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
	if ev.Nmax != 0 {
		t.Fatalf("failed read mutated the evaluation: Nmax = %d", ev.Nmax)
	}
}

// wrongTheta disagrees with the on-disk stiffness term count.
type wrongTheta struct{ demo.Theta }

func (wrongTheta) NumA() int { return 3 }

func TestReadOfflineDataDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	src := smallDemo(t)
	if err := src.WriteOfflineData(dir); err != nil {
		t.Fatalf("WriteOfflineData: %v", err)
	}

	ev := rb.NewTransientEvaluation(wrongTheta{})
	if err := ev.ReadOfflineData(dir); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if ev.Nmax != 0 || ev.L2RB != nil {
		t.Fatal("failed read mutated the evaluation")
	}
}

func TestReadOfflineDataCorruptArtifact(t *testing.T) {
	dir := t.TempDir()
	src := smallDemo(t)
	if err := src.WriteOfflineData(dir); err != nil {
		t.Fatalf("WriteOfflineData: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Aq_Aq_norms.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt artifact: %v", err)
	}

	ev := rb.NewTransientEvaluation(demo.Theta{})
	if err := ev.ReadOfflineData(dir); err == nil {
		t.Fatal("expected decode error")
	}
	if ev.Nmax != 0 || ev.AqAqNorms != nil {
		t.Fatal("failed read mutated the evaluation")
	}
}

func TestReadOfflineDataDropsStaleRepresentors(t *testing.T) {
	dir := t.TempDir()
	src := smallDemo(t)
	if err := src.WriteOfflineData(dir); err != nil {
		t.Fatalf("WriteOfflineData: %v", err)
	}

	// An evaluation that already carries representors from some earlier
	// basis must not keep them across a read; they no longer match the
	// committed operators.
	ev := rb.NewTransientEvaluation(demo.Theta{})
	ev.ResizeDataStructures(src.Nmax)
	stale := mat.NewVecDense(3, []float64{1, 2, 3})
	ev.FqRepresentors[0] = stale
	ev.AqRepresentors[0][0] = stale
	ev.MqRepresentors[0][0] = stale

	if err := ev.ReadOfflineData(dir); err != nil {
		t.Fatalf("ReadOfflineData: %v", err)
	}
	if ev.FqRepresentors[0] != nil {
		t.Fatal("stale forcing representor survived the read")
	}
	if ev.AqRepresentors[0][0] != nil {
		t.Fatal("stale stiffness representor survived the read")
	}
	if ev.MqRepresentors[0][0] != nil {
		t.Fatal("stale mass representor survived the read")
	}
}

func TestReadOfflineDataNmaxConflict(t *testing.T) {
	dir := t.TempDir()
	src := smallDemo(t)
	if err := src.WriteOfflineData(dir); err != nil {
		t.Fatalf("WriteOfflineData: %v", err)
	}

	ev := rb.NewTransientEvaluation(demo.Theta{})
	ev.ResizeDataStructures(src.Nmax + 1)
	if err := ev.ReadOfflineData(dir); err == nil {
		t.Fatal("expected Nmax conflict error")
	}
	if ev.Nmax != src.Nmax+1 {
		t.Fatalf("failed read changed Nmax to %d", ev.Nmax)
	}
}
