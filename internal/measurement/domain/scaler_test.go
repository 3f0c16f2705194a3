package measurement

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustScaler(t *testing.T, factor, offset, primary, secondary float64) Scaler {
	t.Helper()
	cfg, err := NewScaleConfig(factor, offset, primary, secondary)
	require.NoError(t, err)
	scaler, err := NewScaler(cfg)
	require.NoError(t, err)
	return scaler
}

func TestNewScaleConfigRejectsZeroSecondary(t *testing.T) {
	_, err := NewScaleConfig(0.001, 0, 400, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "ct_secondary", cfgErr.Field)
}

func TestNewScalerRejectsZeroValue(t *testing.T) {
	_, err := NewScaler(ScaleConfig{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestScaleDefaultCalibration(t *testing.T) {
	scaler := mustScaler(t, 0.001, 0, 400, 1)

	got := scaler.Scale(1000)
	assert.InDelta(t, 1.0, got.Secondary, 1e-12)
	assert.InDelta(t, 400.0, got.Primary, 1e-9)
}

func TestScaleAppliesOffsetAfterFactor(t *testing.T) {
	scaler := mustScaler(t, 0.01, 0.5, 200, 5)

	raw := int32(250)
	got := scaler.Scale(raw)
	want := (float64(raw)*0.01 + 0.5) * (200.0 / 5.0)
	assert.InDelta(t, 3.0, got.Secondary, 1e-12)
	assert.InDelta(t, want, got.Primary, 1e-9)
}

func TestScaleRoundTripAcrossCounts(t *testing.T) {
	scaler := mustScaler(t, 0.00125, -0.02, 600, 1)
	for _, raw := range []int32{-32768, -1000, -1, 0, 1, 999, 32767} {
		got := scaler.Scale(raw)
		want := (float64(raw)*0.00125 - 0.02) * 600
		assert.InDelta(t, want, got.Primary, 1e-9, "raw=%d", raw)
	}
}

func TestRawForInvertsScale(t *testing.T) {
	scaler := mustScaler(t, 0.001, 0.01, 400, 1)

	raw := scaler.RawFor(120)
	got := scaler.Scale(int32(raw))
	assert.InDelta(t, 120.0, got.Primary, 0.5)
}

func TestCTRatioFollowsRatings(t *testing.T) {
	cfg, err := NewScaleConfig(0.001, 0, 1200, 5)
	require.NoError(t, err)
	assert.InDelta(t, 240.0, cfg.CTRatio(), 1e-12)

	cfg, err = NewScaleConfig(0.001, 0, 1200, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1200.0, cfg.CTRatio(), 1e-12)
}
