package tracker

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newTestFilter(opts ...Option) *Filter {
	return NewFilter(DefaultConfig(), zerolog.Nop(), opts...)
}

func minEigen(t *testing.T, s State) float64 {
	t.Helper()
	var eig mat.EigenSym
	require.True(t, eig.Factorize(s.Covariance(), false))
	values := eig.Values(nil)
	lo := values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
	}
	return lo
}

func TestSeed(t *testing.T) {
	f := newTestFilter()
	s := f.Seed(1, 2, 3, 4)

	assert.Equal(t, 1.0, s.X)
	assert.Equal(t, 4.0, s.VY)
	assert.Equal(t, 400.0, s.Trace())
	assert.Equal(t, 0.0, s.P[1])
}

func TestPredictConstantVelocity(t *testing.T) {
	f := newTestFilter()
	s := f.Seed(15000, 0, 250, -10)

	p := f.Predict(s, 1.0)
	assert.Equal(t, 15250.0, p.X)
	assert.Equal(t, -10.0, p.Y)
	assert.Equal(t, 250.0, p.VX)

	// F P Fᵀ + Q for diagonal P: pos var = Ppos + dt²·Pvel + q
	assert.InDelta(t, 201.0, p.P[0], 1e-9)
	assert.InDelta(t, 100.0, p.P[2], 1e-9)
	assert.InDelta(t, 101.0, p.P[10], 1e-9)
	assert.Greater(t, p.Trace(), s.Trace())

	// the input is a value and must not change
	assert.Equal(t, 15000.0, s.X)
	assert.Equal(t, 400.0, s.Trace())
}

func TestUpdateZeroInnovation(t *testing.T) {
	f := newTestFilter()
	pred := f.Predict(f.Seed(100, 200, 5, -5), 1.0)

	upd := f.Update(pred, pred.X, pred.Y)

	assert.Equal(t, pred.X, upd.X)
	assert.Equal(t, pred.Y, upd.Y)
	assert.Equal(t, pred.VX, upd.VX)
	assert.Equal(t, pred.VY, upd.VY)
	assert.Less(t, upd.Trace(), pred.Trace())
}

func TestUpdateMovesTowardMeasurement(t *testing.T) {
	f := newTestFilter()
	pred := f.Predict(f.Seed(0, 0, 0, 0), 1.0)

	upd := f.Update(pred, 10, -10)

	assert.Greater(t, upd.X, 0.0)
	assert.Less(t, upd.X, 10.0)
	assert.Less(t, upd.Y, 0.0)
	assert.Greater(t, upd.Y, -10.0)
	// velocity is corrected through the position/velocity cross covariance
	assert.Greater(t, upd.VX, 0.0)
	assert.Less(t, upd.VY, 0.0)
}

func TestStationaryConvergence(t *testing.T) {
	f := newTestFilter()
	committed := f.Seed(5000, 3000, 0, 0)

	prevTrace := committed.Trace()
	prevErr := 0.0
	for step := 0; step < 10; step++ {
		pred := f.Predict(committed, 1.0)
		upd := f.Update(pred, 5000, 3000)

		assert.Less(t, upd.Trace(), pred.Trace(), "step %d: update must shrink the covariance", step)
		assert.Less(t, upd.Trace(), prevTrace, "step %d: committed trace must decrease", step)

		errNow := math.Hypot(upd.X-5000, upd.Y-3000)
		assert.LessOrEqual(t, errNow, prevErr+1e-12, "step %d", step)

		committed = upd
		prevTrace = upd.Trace()
		prevErr = errNow
	}
}

func TestConvergesFromOffset(t *testing.T) {
	f := newTestFilter()
	s := f.Seed(0, 0, 0, 0)

	for step := 0; step < 50; step++ {
		s = f.Update(f.Predict(s, 1.0), 100, 100)
	}

	assert.InDelta(t, 100, s.X, 0.5)
	assert.InDelta(t, 100, s.Y, 0.5)
	assert.InDelta(t, 0, s.VX, 0.5)
}

func TestCovarianceStaysPSD(t *testing.T) {
	f := newTestFilter()
	s := f.Seed(0, 0, 10, 10)

	for step := 0; step < 100; step++ {
		s = f.Update(f.Predict(s, 1.0), float64(step*10)+3, float64(step*10)-3)
		assert.GreaterOrEqual(t, minEigen(t, s), -1e-9)
		assert.Equal(t, s.P[1], s.P[4])
		assert.Equal(t, s.P[2], s.P[8])
	}
}

func TestRepairNegativeEigenvalue(t *testing.T) {
	var stages []string
	f := newTestFilter(WithRepairHook(func(stage string) { stages = append(stages, stage) }))

	s := f.Seed(0, 0, 0, 0)
	s.P[0] = -5 // not PSD

	p := f.Predict(s, 1.0)
	require.NotEmpty(t, stages)
	assert.Equal(t, StagePredict, stages[0])
	assert.GreaterOrEqual(t, minEigen(t, p), -1e-9)

	u := f.Update(p, 1, 1)
	assert.False(t, math.IsNaN(u.X))
	assert.GreaterOrEqual(t, minEigen(t, u), -1e-9)
}

func TestRepairNonFinite(t *testing.T) {
	repairs := 0
	f := newTestFilter(WithRepairHook(func(string) { repairs++ }))

	s := f.Seed(0, 0, 0, 0)
	s.P[5] = math.NaN()

	assert.NotPanics(t, func() {
		s = f.Update(s, 1, 2)
	})
	assert.Equal(t, 1, repairs)
	assert.False(t, math.IsNaN(s.X))
	assert.False(t, math.IsNaN(s.Trace()))

	s.P[0] = math.Inf(1)
	p := f.Predict(s, 1.0)
	assert.False(t, math.IsInf(p.Trace(), 0))
	assert.Equal(t, 2, repairs)
}

func TestSingularInnovationSkipsUpdate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MeasurementNoise = 0
	repairs := 0
	f := NewFilter(cfg, zerolog.Nop(), WithRepairHook(func(string) { repairs++ }))

	s := State{X: 1, Y: 1} // zero covariance and zero R
	u := f.Update(s, 5, 5)

	assert.Equal(t, 1.0, u.X)
	assert.Equal(t, 1.0, u.Y)
	assert.Equal(t, 1, repairs)
}
