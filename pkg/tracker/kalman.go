// Package tracker implements the per-target constant-velocity Kalman filter.
//
// State vector is [x, y, vx, vy]; the measurement is position only. The
// covariance is stored row-major in a fixed [16]float64 so that State is a
// plain value: a predicted State that is never assigned back leaves the
// committed one untouched.
package tracker

import (
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

const (
	dim     = 4
	measDim = 2
)

// Repair stages reported to the repair hook
const (
	StagePredict = "predict"
	StageUpdate  = "update"
)

// Config holds the filter noise model
type Config struct {
	ProcessNoisePos  float64 `json:"process_noise_pos" yaml:"process_noise_pos"`   // Q diagonal for x, y (m²)
	ProcessNoiseVel  float64 `json:"process_noise_vel" yaml:"process_noise_vel"`   // Q diagonal for vx, vy
	MeasurementNoise float64 `json:"measurement_noise" yaml:"measurement_noise"`   // R diagonal (m²)
	InitialPosVar    float64 `json:"initial_pos_var" yaml:"initial_pos_var"`       // Seed covariance, position
	InitialVelVar    float64 `json:"initial_vel_var" yaml:"initial_vel_var"`       // Seed covariance, velocity
	MinVariance      float64 `json:"min_variance" yaml:"min_variance"`             // Eigenvalue floor after repair
	FallbackVariance float64 `json:"fallback_variance" yaml:"fallback_variance"`   // Diagonal used for non-finite covariance
}

// DefaultConfig returns tracker parameters suited to the unit-step simulation
func DefaultConfig() Config {
	return Config{
		ProcessNoisePos:  1.0,
		ProcessNoiseVel:  1.0,
		MeasurementNoise: 25.0,
		InitialPosVar:    100.0,
		InitialVelVar:    100.0,
		MinVariance:      1e-9,
		FallbackVariance: 1.0,
	}
}

// State is a track estimate and its error covariance
type State struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
	// P is the 4x4 covariance, row-major
	P [dim * dim]float64 `json:"p"`
}

// Trace returns the trace of the covariance
func (s State) Trace() float64 {
	return s.P[0] + s.P[5] + s.P[10] + s.P[15]
}

// Covariance returns a symmetric copy of the covariance
func (s State) Covariance() *mat.SymDense {
	p := s.P
	return mat.NewSymDense(dim, p[:])
}

func (s State) vec() *mat.VecDense {
	return mat.NewVecDense(dim, []float64{s.X, s.Y, s.VX, s.VY})
}

func (s *State) setVec(v mat.Vector) {
	s.X, s.Y, s.VX, s.VY = v.AtVec(0), v.AtVec(1), v.AtVec(2), v.AtVec(3)
}

func (s State) dense() *mat.Dense {
	p := s.P
	return mat.NewDense(dim, dim, p[:])
}

func (s *State) setDense(m mat.Matrix) {
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			s.P[i*dim+j] = m.At(i, j)
		}
	}
}

// Option configures a Filter
type Option func(*Filter)

// WithRepairHook registers a callback invoked for every covariance repair
func WithRepairHook(fn func(stage string)) Option {
	return func(f *Filter) {
		f.onRepair = fn
	}
}

// Filter applies predict/update cycles to States. It holds no per-track data
// and is safe for concurrent use as long as the repair hook is.
type Filter struct {
	cfg      Config
	logger   zerolog.Logger
	onRepair func(stage string)

	h *mat.Dense // measurement model
	r *mat.Dense // measurement noise
}

// NewFilter creates a filter with the given noise model
func NewFilter(cfg Config, logger zerolog.Logger, opts ...Option) *Filter {
	f := &Filter{
		cfg:    cfg,
		logger: logger.With().Str("component", "kalman").Logger(),
		h: mat.NewDense(measDim, dim, []float64{
			1, 0, 0, 0,
			0, 1, 0, 0,
		}),
		r: mat.NewDense(measDim, measDim, []float64{
			cfg.MeasurementNoise, 0,
			0, cfg.MeasurementNoise,
		}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Config returns the filter configuration
func (f *Filter) Config() Config {
	return f.cfg
}

// Seed creates the initial state from a known position and velocity
func (f *Filter) Seed(x, y, vx, vy float64) State {
	s := State{X: x, Y: y, VX: vx, VY: vy}
	s.P[0] = f.cfg.InitialPosVar
	s.P[5] = f.cfg.InitialPosVar
	s.P[10] = f.cfg.InitialVelVar
	s.P[15] = f.cfg.InitialVelVar
	return s
}

// Predict propagates the state dt forward with the constant velocity model:
// x' = F x, P' = F P Fᵀ + Q.
func (f *Filter) Predict(s State, dt float64) State {
	F := mat.NewDense(dim, dim, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})

	var x mat.VecDense
	x.MulVec(F, s.vec())

	var fp, fpf mat.Dense
	fp.Mul(F, s.dense())
	fpf.Mul(&fp, F.T())

	out := State{}
	out.setVec(&x)
	out.setDense(&fpf)
	out.P[0] += f.cfg.ProcessNoisePos
	out.P[5] += f.cfg.ProcessNoisePos
	out.P[10] += f.cfg.ProcessNoiseVel
	out.P[15] += f.cfg.ProcessNoiseVel

	f.condition(&out, StagePredict)
	return out
}

// Update corrects a predicted state with a position measurement (zx, zy).
// A zero innovation leaves the state vector unchanged.
func (f *Filter) Update(s State, zx, zy float64) State {
	f.condition(&s, StageUpdate)

	P := s.dense()

	// Innovation y = z - H x
	innov := mat.NewVecDense(measDim, []float64{zx - s.X, zy - s.Y})

	// S = H P Hᵀ + R
	var hp, S mat.Dense
	hp.Mul(f.h, P)
	S.Mul(&hp, f.h.T())
	S.Add(&S, f.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&S); err != nil {
		f.logger.Warn().Err(err).Msg("Singular innovation covariance, skipping update")
		f.report(StageUpdate)
		return s
	}

	// K = P Hᵀ S⁻¹
	var pht, K mat.Dense
	pht.Mul(P, f.h.T())
	K.Mul(&pht, &sInv)

	var dx, x mat.VecDense
	dx.MulVec(&K, innov)
	x.AddVec(s.vec(), &dx)

	// Joseph form: P' = (I - K H) P (I - K H)ᵀ + K R Kᵀ
	var kh, ikh mat.Dense
	kh.Mul(&K, f.h)
	ikh.Sub(eye(), &kh)

	var a, apat, kr, krk, pNew mat.Dense
	a.Mul(&ikh, P)
	apat.Mul(&a, ikh.T())
	kr.Mul(&K, f.r)
	krk.Mul(&kr, K.T())
	pNew.Add(&apat, &krk)

	out := State{}
	out.setVec(&x)
	out.setDense(&pNew)

	f.condition(&out, StageUpdate)
	return out
}

func eye() *mat.Dense {
	m := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// condition symmetrizes the covariance and restores positive
// semi-definiteness. Non-finite covariances fall back to a scaled identity,
// negative eigenvalues are clamped to MinVariance.
func (f *Filter) condition(s *State, stage string) {
	symmetrize(&s.P)

	if !finite(s.P[:]) {
		f.logger.Warn().Str("stage", stage).Msg("Non-finite covariance, resetting to fallback")
		f.reset(s, stage)
		return
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(s.Covariance(), true); !ok {
		f.logger.Warn().Str("stage", stage).Msg("Covariance eigendecomposition failed, resetting to fallback")
		f.reset(s, stage)
		return
	}

	values := eig.Values(nil)
	repaired := false
	for i, v := range values {
		if v < 0 {
			values[i] = f.cfg.MinVariance
			repaired = true
		}
	}
	if !repaired {
		return
	}

	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	var vd, rebuilt mat.Dense
	vd.Mul(&vecs, mat.NewDiagDense(dim, values))
	rebuilt.Mul(&vd, vecs.T())
	s.setDense(&rebuilt)
	symmetrize(&s.P)

	f.logger.Warn().
		Str("stage", stage).
		Float64("trace", s.Trace()).
		Msg("Covariance lost positive semi-definiteness, clamped eigenvalues")
	f.report(stage)
}

func (f *Filter) reset(s *State, stage string) {
	s.P = [dim * dim]float64{}
	for i := 0; i < dim; i++ {
		s.P[i*dim+i] = f.cfg.FallbackVariance
	}
	f.report(stage)
}

func (f *Filter) report(stage string) {
	if f.onRepair != nil {
		f.onRepair(stage)
	}
}

func symmetrize(p *[dim * dim]float64) {
	for i := 0; i < dim; i++ {
		for j := i + 1; j < dim; j++ {
			avg := (p[i*dim+j] + p[j*dim+i]) / 2
			p[i*dim+j] = avg
			p[j*dim+i] = avg
		}
	}
}

func finite(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
