package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-autopilot/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func TestSize_MarginNotionalAndSize(t *testing.T) {
	m := NewManager(DefaultConfig())

	plan, err := m.Size(Request{Side: domain.SideLong, Available: 1000, Price: 50, PositionPct: 10, Leverage: 4, MaxLeverage: 10})
	require.NoError(t, err)
	assert.InDelta(t, 100, plan.Margin, 1e-9)
	assert.InDelta(t, 400, plan.Notional, 1e-9)
	assert.InDelta(t, 8, plan.Size, 1e-9)
	assert.Equal(t, 4, plan.Leverage)
}

func TestSize_LeverageCappedByAlertLevel(t *testing.T) {
	m := NewManager(DefaultConfig())

	plan, err := m.Size(Request{Side: domain.SideShort, Available: 1000, Price: 100, Leverage: 10, MaxLeverage: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Leverage)
	assert.InDelta(t, 200, plan.Notional, 1e-9)
}

func TestSize_DefaultsAndPercentCap(t *testing.T) {
	m := NewManager(DefaultConfig())

	plan, err := m.Size(Request{Side: domain.SideLong, Available: 1000, Price: 100})
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Leverage)
	assert.InDelta(t, 10, plan.PositionPct, 1e-9)

	plan, err = m.Size(Request{Side: domain.SideLong, Available: 1000, Price: 100, PositionPct: 90})
	require.NoError(t, err)
	assert.InDelta(t, 25, plan.PositionPct, 1e-9)
	assert.InDelta(t, 250, plan.Margin, 1e-9)
}

func TestSize_RejectsUnusableInput(t *testing.T) {
	m := NewManager(DefaultConfig())

	testCases := []struct {
		name string
		req  Request
		want error
	}{
		{"zero price", Request{Available: 1000, Price: 0}, ErrInvalidSizing},
		{"nan price", Request{Available: 1000, Price: math.NaN()}, ErrInvalidSizing},
		{"no balance", Request{Available: 0, Price: 100}, ErrNoAvailableBal},
		{"inf balance", Request{Available: math.Inf(1), Price: 100}, ErrNoAvailableBal},
		{"dust order", Request{Available: 10, Price: 100, PositionPct: 1, Leverage: 1}, ErrBelowMinimum},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Size(tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidateTargets(t *testing.T) {
	tp, sl := ValidateTargets(domain.SideLong, 100, ptr(110), ptr(95))
	require.NotNil(t, tp)
	require.NotNil(t, sl)

	tp, sl = ValidateTargets(domain.SideLong, 100, ptr(90), ptr(105))
	assert.Nil(t, tp)
	assert.Nil(t, sl)

	tp, sl = ValidateTargets(domain.SideShort, 100, ptr(90), ptr(105))
	require.NotNil(t, tp)
	require.NotNil(t, sl)
	assert.Equal(t, 90.0, *tp)
	assert.Equal(t, 105.0, *sl)
}
