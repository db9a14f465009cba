package rb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// DefaultOfflineDir is the conventional hand-off directory between the
// offline and online stages.
const DefaultOfflineDir = "offline_data"

// Artifact file names, one per cached quantity. The JSON shapes are
// unexported so the on-disk format is free to evolve behind the read/write
// pair.
const (
	dimensionsFile     = "dimensions.json"
	l2MatrixFile       = "rb_L2_matrix.json"
	aqMatricesFile     = "rb_Aq_matrices.json"
	mqMatricesFile     = "rb_Mq_matrices.json"
	fqVectorsFile      = "rb_Fq_vectors.json"
	outputVectorsFile  = "rb_output_vectors.json"
	outputDualFile     = "output_dual_norms.json"
	initialCondFile    = "rb_initial_conditions.json"
	initialErrFile     = "initial_L2_errors.json"
	fqNormsFile        = "Fq_norms.json"
	fqAqNormsFile      = "Fq_Aq_norms.json"
	aqAqNormsFile      = "Aq_Aq_norms.json"
	fqMqNormsFile      = "Fq_Mq_norms.json"
	aqMqNormsFile      = "Aq_Mq_norms.json"
	mqMqNormsFile      = "Mq_Mq_norms.json"
	mqRepresentorsFile = "Mq_representors.json"
)

type dimensionsJSON struct {
	NMax       int     `json:"n_max"`
	QA         int     `json:"q_a"`
	QF         int     `json:"q_f"`
	QM         int     `json:"q_m"`
	NOutputs   int     `json:"n_outputs"`
	QOutputs   []int   `json:"q_outputs"`
	NTimeSteps int     `json:"n_time_steps"`
	DeltaT     float64 `json:"delta_t"`
	EulerTheta float64 `json:"euler_theta"`
}

type matrixJSON struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"` // row major
}

type vectorJSON struct {
	N    int       `json:"n"`
	Data []float64 `json:"data"`
}

func matrixToJSON(m *mat.Dense) matrixJSON {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, m.At(i, j))
		}
	}
	return matrixJSON{Rows: r, Cols: c, Data: data}
}

func (mj matrixJSON) toDense() (*mat.Dense, error) {
	if len(mj.Data) != mj.Rows*mj.Cols {
		return nil, fmt.Errorf("matrix tagged %dx%d carries %d values", mj.Rows, mj.Cols, len(mj.Data))
	}
	return mat.NewDense(mj.Rows, mj.Cols, append([]float64(nil), mj.Data...)), nil
}

func vectorToJSON(v *mat.VecDense) vectorJSON {
	data := make([]float64, v.Len())
	for i := range data {
		data[i] = v.AtVec(i)
	}
	return vectorJSON{N: v.Len(), Data: data}
}

func (vj vectorJSON) toVec() (*mat.VecDense, error) {
	if len(vj.Data) != vj.N {
		return nil, fmt.Errorf("vector tagged length %d carries %d values", vj.N, len(vj.Data))
	}
	return mat.NewVecDense(vj.N, append([]float64(nil), vj.Data...)), nil
}

func writeArtifact(dir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("rb: encode %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("rb: write %s: %w", name, err)
	}
	return nil
}

func readArtifact(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("rb: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rb: decode %s: %w", name, err)
	}
	return nil
}

// WriteOfflineData serializes every reusable offline-computed quantity to
// one JSON artifact per quantity under dir, creating it if needed. The raw
// Riesz representors are written separately by WriteRieszRepresentors since
// a pure online deployment discards them.
func (ev *TransientEvaluation) WriteOfflineData(dir string) error {
	if dir == "" {
		dir = DefaultOfflineDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("rb: create offline dir: %w", err)
	}

	theta := ev.thetaT
	dims := dimensionsJSON{
		NMax:       ev.Nmax,
		QA:         theta.NumA(),
		QF:         theta.NumF(),
		QM:         theta.NumM(),
		NOutputs:   theta.NumOutputs(),
		NTimeSteps: ev.Disc.NTimeSteps(),
		DeltaT:     ev.Disc.DeltaT(),
		EulerTheta: ev.Disc.EulerTheta(),
	}
	for n := 0; n < dims.NOutputs; n++ {
		dims.QOutputs = append(dims.QOutputs, theta.NumOutputTerms(n))
	}
	if err := writeArtifact(dir, dimensionsFile, dims); err != nil {
		return err
	}

	if err := writeArtifact(dir, l2MatrixFile, matrixToJSON(ev.L2RB)); err != nil {
		return err
	}
	if err := writeArtifact(dir, aqMatricesFile, matricesToJSON(ev.AqRB)); err != nil {
		return err
	}
	if err := writeArtifact(dir, mqMatricesFile, matricesToJSON(ev.MqRB)); err != nil {
		return err
	}
	if err := writeArtifact(dir, fqVectorsFile, vectorsToJSON(ev.FqRB)); err != nil {
		return err
	}

	outs := make([][]vectorJSON, len(ev.OutputRB))
	for n := range ev.OutputRB {
		outs[n] = vectorsToJSON(ev.OutputRB[n])
	}
	if err := writeArtifact(dir, outputVectorsFile, outs); err != nil {
		return err
	}
	if err := writeArtifact(dir, outputDualFile, ev.OutputDualNorms); err != nil {
		return err
	}

	if err := writeArtifact(dir, initialCondFile, vectorsToJSON(ev.InitialRB)); err != nil {
		return err
	}
	if err := writeArtifact(dir, initialErrFile, ev.InitialL2Error); err != nil {
		return err
	}

	if err := writeArtifact(dir, fqNormsFile, ev.FqNorms); err != nil {
		return err
	}
	fqAq := make([][]vectorJSON, len(ev.FqAqNorms))
	for q := range ev.FqAqNorms {
		fqAq[q] = vectorsToJSON(ev.FqAqNorms[q])
	}
	if err := writeArtifact(dir, fqAqNormsFile, fqAq); err != nil {
		return err
	}
	if err := writeArtifact(dir, aqAqNormsFile, matricesToJSON(ev.AqAqNorms)); err != nil {
		return err
	}
	fqMq := make([][]vectorJSON, len(ev.FqMqNorms))
	for q := range ev.FqMqNorms {
		fqMq[q] = vectorsToJSON(ev.FqMqNorms[q])
	}
	if err := writeArtifact(dir, fqMqNormsFile, fqMq); err != nil {
		return err
	}
	aqMq := make([][]matrixJSON, len(ev.AqMqNorms))
	for q := range ev.AqMqNorms {
		aqMq[q] = matricesToJSON(ev.AqMqNorms[q])
	}
	if err := writeArtifact(dir, aqMqNormsFile, aqMq); err != nil {
		return err
	}
	return writeArtifact(dir, mqMqNormsFile, matricesToJSON(ev.MqMqNorms))
}

// WriteRieszRepresentors serializes the heavy truth-space mass representors.
// Optional; only offline stages that intend to keep enriching the basis
// need them back.
func (ev *TransientEvaluation) WriteRieszRepresentors(dir string) error {
	if dir == "" {
		dir = DefaultOfflineDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("rb: create offline dir: %w", err)
	}
	reps := make([][]*vectorJSON, len(ev.MqRepresentors))
	for q := range ev.MqRepresentors {
		reps[q] = make([]*vectorJSON, len(ev.MqRepresentors[q]))
		for i, r := range ev.MqRepresentors[q] {
			if r != nil {
				vj := vectorToJSON(r)
				reps[q][i] = &vj
			}
		}
	}
	return writeArtifact(dir, mqRepresentorsFile, reps)
}

// ReadRieszRepresentors restores the truth-space mass representors written
// by WriteRieszRepresentors.
func (ev *TransientEvaluation) ReadRieszRepresentors(dir string) error {
	if dir == "" {
		dir = DefaultOfflineDir
	}
	var reps [][]*vectorJSON
	if err := readArtifact(dir, mqRepresentorsFile, &reps); err != nil {
		return err
	}
	if len(reps) != len(ev.MqRepresentors) {
		return fmt.Errorf("rb: representor file has %d mass terms, evaluation has %d", len(reps), len(ev.MqRepresentors))
	}
	restored := make([][]*mat.VecDense, len(reps))
	for q := range reps {
		restored[q] = make([]*mat.VecDense, len(reps[q]))
		for i, vj := range reps[q] {
			if vj == nil {
				continue
			}
			v, err := vj.toVec()
			if err != nil {
				return fmt.Errorf("rb: %s term %d basis %d: %w", mqRepresentorsFile, q, i, err)
			}
			restored[q][i] = v
		}
	}
	ev.MqRepresentors = restored
	return nil
}

// ReadOfflineData restores every quantity written by WriteOfflineData. The
// read is all-or-nothing: it decodes into staging storage, validates every
// dimension against the configured theta expansion (and Nmax, when already
// resized), and only then commits. On error the evaluation is left exactly
// as it was.
func (ev *TransientEvaluation) ReadOfflineData(dir string) error {
	if dir == "" {
		dir = DefaultOfflineDir
	}

	var dims dimensionsJSON
	if err := readArtifact(dir, dimensionsFile, &dims); err != nil {
		return err
	}
	theta := ev.thetaT
	if dims.QA != theta.NumA() || dims.QF != theta.NumF() || dims.QM != theta.NumM() {
		return fmt.Errorf("rb: offline data has (Qa,Qf,Qm)=(%d,%d,%d), theta expansion has (%d,%d,%d)",
			dims.QA, dims.QF, dims.QM, theta.NumA(), theta.NumF(), theta.NumM())
	}
	if dims.NOutputs != theta.NumOutputs() {
		return fmt.Errorf("rb: offline data has %d outputs, theta expansion has %d", dims.NOutputs, theta.NumOutputs())
	}
	if len(dims.QOutputs) != dims.NOutputs {
		return fmt.Errorf("rb: offline data lists %d output term counts for %d outputs", len(dims.QOutputs), dims.NOutputs)
	}
	for n := 0; n < dims.NOutputs; n++ {
		if dims.QOutputs[n] != theta.NumOutputTerms(n) {
			return fmt.Errorf("rb: offline data output %d has %d terms, theta expansion has %d",
				n, dims.QOutputs[n], theta.NumOutputTerms(n))
		}
	}
	if ev.Nmax != 0 && ev.Nmax != dims.NMax {
		return fmt.Errorf("rb: offline data has Nmax=%d, evaluation resized to %d", dims.NMax, ev.Nmax)
	}
	if dims.NMax < 1 {
		return fmt.Errorf("rb: offline data has invalid Nmax=%d", dims.NMax)
	}
	if dims.EulerTheta < 0 || dims.EulerTheta > 1 {
		return fmt.Errorf("rb: offline data has invalid euler_theta=%v", dims.EulerTheta)
	}
	if dims.DeltaT < 0 || dims.NTimeSteps < 0 {
		return fmt.Errorf("rb: offline data has invalid temporal discretization (delta_t=%v, n_time_steps=%d)",
			dims.DeltaT, dims.NTimeSteps)
	}

	// Stage everything into a scratch evaluation of the right shape, then
	// adopt its storage wholesale.
	staged := NewTransientEvaluation(theta)
	staged.ResizeDataStructures(dims.NMax)

	var l2 matrixJSON
	if err := readArtifact(dir, l2MatrixFile, &l2); err != nil {
		return err
	}
	if err := stageMatrix(&staged.L2RB, l2, dims.NMax, dims.NMax, l2MatrixFile); err != nil {
		return err
	}

	if err := stageMatrices(dir, aqMatricesFile, staged.AqRB, dims.NMax, dims.NMax); err != nil {
		return err
	}
	if err := stageMatrices(dir, mqMatricesFile, staged.MqRB, dims.NMax, dims.NMax); err != nil {
		return err
	}
	if err := stageVectors(dir, fqVectorsFile, staged.FqRB, dims.NMax); err != nil {
		return err
	}

	var outs [][]vectorJSON
	if err := readArtifact(dir, outputVectorsFile, &outs); err != nil {
		return err
	}
	if len(outs) != dims.NOutputs {
		return fmt.Errorf("rb: %s holds %d outputs, want %d", outputVectorsFile, len(outs), dims.NOutputs)
	}
	for n := range outs {
		if err := stageVectorSlice(outs[n], staged.OutputRB[n], dims.NMax, outputVectorsFile); err != nil {
			return err
		}
	}
	var outDual [][]float64
	if err := readArtifact(dir, outputDualFile, &outDual); err != nil {
		return err
	}
	if len(outDual) != dims.NOutputs {
		return fmt.Errorf("rb: %s holds %d outputs, want %d", outputDualFile, len(outDual), dims.NOutputs)
	}
	for n := range outDual {
		if len(outDual[n]) != symPairs(dims.QOutputs[n]) {
			return fmt.Errorf("rb: %s output %d holds %d pairs, want %d",
				outputDualFile, n, len(outDual[n]), symPairs(dims.QOutputs[n]))
		}
	}
	staged.OutputDualNorms = outDual

	var ics []vectorJSON
	if err := readArtifact(dir, initialCondFile, &ics); err != nil {
		return err
	}
	if len(ics) != dims.NMax {
		return fmt.Errorf("rb: %s holds %d vectors, want %d", initialCondFile, len(ics), dims.NMax)
	}
	for n := range ics {
		v, err := ics[n].toVec()
		if err != nil {
			return fmt.Errorf("rb: %s entry %d: %w", initialCondFile, n, err)
		}
		if v.Len() != n+1 {
			return fmt.Errorf("rb: %s entry %d has length %d, want %d", initialCondFile, n, v.Len(), n+1)
		}
		staged.InitialRB[n] = v
	}
	var initErr []float64
	if err := readArtifact(dir, initialErrFile, &initErr); err != nil {
		return err
	}
	if len(initErr) != dims.NMax {
		return fmt.Errorf("rb: %s holds %d values, want %d", initialErrFile, len(initErr), dims.NMax)
	}
	staged.InitialL2Error = initErr

	var fqNorms []float64
	if err := readArtifact(dir, fqNormsFile, &fqNorms); err != nil {
		return err
	}
	if len(fqNorms) != symPairs(dims.QF) {
		return fmt.Errorf("rb: %s holds %d pairs, want %d", fqNormsFile, len(fqNorms), symPairs(dims.QF))
	}
	staged.FqNorms = fqNorms

	var fqAq [][]vectorJSON
	if err := readArtifact(dir, fqAqNormsFile, &fqAq); err != nil {
		return err
	}
	if len(fqAq) != dims.QF {
		return fmt.Errorf("rb: %s holds %d forcing terms, want %d", fqAqNormsFile, len(fqAq), dims.QF)
	}
	for q := range fqAq {
		if err := stageVectorSlice(fqAq[q], staged.FqAqNorms[q], dims.NMax, fqAqNormsFile); err != nil {
			return err
		}
	}
	if err := stageMatrices(dir, aqAqNormsFile, staged.AqAqNorms, dims.NMax, dims.NMax); err != nil {
		return err
	}

	var fqMq [][]vectorJSON
	if err := readArtifact(dir, fqMqNormsFile, &fqMq); err != nil {
		return err
	}
	if len(fqMq) != dims.QF {
		return fmt.Errorf("rb: %s holds %d forcing terms, want %d", fqMqNormsFile, len(fqMq), dims.QF)
	}
	for q := range fqMq {
		if err := stageVectorSlice(fqMq[q], staged.FqMqNorms[q], dims.NMax, fqMqNormsFile); err != nil {
			return err
		}
	}

	var aqMq [][]matrixJSON
	if err := readArtifact(dir, aqMqNormsFile, &aqMq); err != nil {
		return err
	}
	if len(aqMq) != dims.QA {
		return fmt.Errorf("rb: %s holds %d stiffness terms, want %d", aqMqNormsFile, len(aqMq), dims.QA)
	}
	for q := range aqMq {
		if len(aqMq[q]) != dims.QM {
			return fmt.Errorf("rb: %s term %d holds %d mass terms, want %d", aqMqNormsFile, q, len(aqMq[q]), dims.QM)
		}
		for p := range aqMq[q] {
			if err := stageMatrix(&staged.AqMqNorms[q][p], aqMq[q][p], dims.NMax, dims.NMax, aqMqNormsFile); err != nil {
				return err
			}
		}
	}
	if err := stageMatrices(dir, mqMqNormsFile, staged.MqMqNorms, dims.NMax, dims.NMax); err != nil {
		return err
	}

	// Commit.
	ev.Nmax = dims.NMax
	ev.AqRB = staged.AqRB
	ev.FqRB = staged.FqRB
	ev.OutputRB = staged.OutputRB
	ev.OutputDualNorms = staged.OutputDualNorms
	ev.FqNorms = staged.FqNorms
	ev.FqAqNorms = staged.FqAqNorms
	ev.AqAqNorms = staged.AqAqNorms
	ev.Outputs = make([]float64, dims.NOutputs)
	ev.OutputErrorBounds = make([]float64, dims.NOutputs)
	// Any representors held before the read belonged to whatever basis the
	// evaluation carried then, not to the operators just committed; adopt
	// the staged (empty) containers and let ReadRieszRepresentors refill.
	ev.FqRepresentors = staged.FqRepresentors
	ev.AqRepresentors = staged.AqRepresentors

	ev.L2RB = staged.L2RB
	ev.MqRB = staged.MqRB
	ev.InitialRB = staged.InitialRB
	ev.InitialL2Error = staged.InitialL2Error
	ev.FqMqNorms = staged.FqMqNorms
	ev.MqMqNorms = staged.MqMqNorms
	ev.AqMqNorms = staged.AqMqNorms
	ev.MqRepresentors = staged.MqRepresentors
	ev.invalidateResidualCache()

	if dims.NTimeSteps > 0 {
		ev.Disc.SetNTimeSteps(dims.NTimeSteps)
	}
	if dims.DeltaT > 0 {
		ev.Disc.SetDeltaT(dims.DeltaT)
	}
	ev.Disc.SetEulerTheta(dims.EulerTheta)
	return nil
}

func matricesToJSON(ms []*mat.Dense) []matrixJSON {
	out := make([]matrixJSON, len(ms))
	for i, m := range ms {
		out[i] = matrixToJSON(m)
	}
	return out
}

func vectorsToJSON(vs []*mat.VecDense) []vectorJSON {
	out := make([]vectorJSON, len(vs))
	for i, v := range vs {
		out[i] = vectorToJSON(v)
	}
	return out
}

func stageMatrix(dst **mat.Dense, mj matrixJSON, rows, cols int, file string) error {
	m, err := mj.toDense()
	if err != nil {
		return fmt.Errorf("rb: %s: %w", file, err)
	}
	if mj.Rows != rows || mj.Cols != cols {
		return fmt.Errorf("rb: %s is %dx%d, want %dx%d", file, mj.Rows, mj.Cols, rows, cols)
	}
	*dst = m
	return nil
}

func stageMatrices(dir, file string, dst []*mat.Dense, rows, cols int) error {
	var mjs []matrixJSON
	if err := readArtifact(dir, file, &mjs); err != nil {
		return err
	}
	if len(mjs) != len(dst) {
		return fmt.Errorf("rb: %s holds %d matrices, want %d", file, len(mjs), len(dst))
	}
	for i := range mjs {
		if err := stageMatrix(&dst[i], mjs[i], rows, cols, file); err != nil {
			return err
		}
	}
	return nil
}

func stageVectorSlice(vjs []vectorJSON, dst []*mat.VecDense, n int, file string) error {
	if len(vjs) != len(dst) {
		return fmt.Errorf("rb: %s holds %d vectors, want %d", file, len(vjs), len(dst))
	}
	for i := range vjs {
		v, err := vjs[i].toVec()
		if err != nil {
			return fmt.Errorf("rb: %s entry %d: %w", file, i, err)
		}
		if v.Len() != n {
			return fmt.Errorf("rb: %s entry %d has length %d, want %d", file, i, v.Len(), n)
		}
		dst[i] = v
	}
	return nil
}

func stageVectors(dir, file string, dst []*mat.VecDense, n int) error {
	var vjs []vectorJSON
	if err := readArtifact(dir, file, &vjs); err != nil {
		return err
	}
	return stageVectorSlice(vjs, dst, n, file)
}
