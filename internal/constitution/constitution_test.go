package constitution_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/domain"
	wardentesting "github.com/aristath/warden/internal/testing"
)

func TestLoadFromReader_ValidDocument(t *testing.T) {
	doc, err := constitution.LoadFromReader(wardentesting.ConstitutionYAML)
	require.NoError(t, err)

	assert.Equal(t, "test-1", doc.Version())

	gen, ok := doc.Sleeve(domain.SleeveGen)
	require.True(t, ok)
	assert.Equal(t, domain.StrategyCSP, gen.Strategy)
	assert.Equal(t, 0.40, gen.DeltaBand.Min)
	assert.Equal(t, 0.45, gen.DeltaBand.Max)
	assert.True(t, gen.PermitsInstrument("SPY"))
	assert.False(t, gen.PermitsInstrument("TSLA"))

	_, ok = doc.Sleeve(domain.Sleeve("BOGUS"))
	assert.False(t, ok)

	assert.Equal(t, 5, doc.Protocol().ATRPeriod)
	assert.Equal(t, 50, doc.Capital().OrderSliceThreshold)
	assert.Equal(t, int64(500), doc.Liquidity().MinOpenInterest)
}

func TestBand_BoundsAreInclusive(t *testing.T) {
	b := constitution.Band{Min: 0.40, Max: 0.45}
	assert.True(t, b.Contains(0.40))
	assert.True(t, b.Contains(0.45))
	assert.True(t, b.Contains(0.42))
	assert.False(t, b.Contains(0.39999))
	assert.False(t, b.Contains(0.45001))
}

func TestWeeklySchedule_Covers(t *testing.T) {
	sched := constitution.WeeklySchedule{
		Weekday:     time.Monday,
		WindowStart: "10:00",
		WindowEnd:   "11:30",
	}

	monday := time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC) // a Monday
	assert.True(t, sched.Covers(monday))
	assert.True(t, sched.Covers(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)))
	assert.True(t, sched.Covers(time.Date(2025, 6, 2, 11, 30, 0, 0, time.UTC)))
	assert.False(t, sched.Covers(time.Date(2025, 6, 2, 11, 31, 0, 0, time.UTC)))
	assert.False(t, sched.Covers(monday.AddDate(0, 0, 1))) // Tuesday
}

func TestProtocolPolicy_Cadence(t *testing.T) {
	doc, err := constitution.LoadFromReader(wardentesting.ConstitutionYAML)
	require.NoError(t, err)

	p := doc.Protocol()
	assert.Equal(t, 300*time.Second, p.Cadence(domain.LevelL0))
	assert.Equal(t, 60*time.Second, p.Cadence(domain.LevelL1))
	assert.Equal(t, 30*time.Second, p.Cadence(domain.LevelL2))
	assert.Equal(t, time.Second, p.Cadence(domain.LevelL3))
}

// mutateYAML applies a single-line replacement to the shared fixture.
func mutateYAML(t *testing.T, old, new string) string {
	t.Helper()
	require.Contains(t, wardentesting.ConstitutionYAML, old)
	return strings.Replace(wardentesting.ConstitutionYAML, old, new, 1)
}

func TestLoad_ValidationFailures(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "ratios must sum to one",
			yaml: mutateYAML(t, "allocation_ratio: 0.40", "allocation_ratio: 0.50"),
			want: "allocation ratios",
		},
		{
			name: "delta band inverted",
			yaml: mutateYAML(t, "delta_band: { min: 0.40, max: 0.45 }", "delta_band: { min: 0.45, max: 0.40 }"),
			want: "delta band",
		},
		{
			name: "vix triggers not monotone",
			yaml: mutateYAML(t, "vix_safe_mode: 30", "vix_safe_mode: 45"),
			want: "VIX triggers",
		},
		{
			name: "atr period too small",
			yaml: mutateYAML(t, "atr_period: 5", "atr_period: 1"),
			want: "ATR period",
		},
		{
			name: "unknown atr method",
			yaml: mutateYAML(t, "atr_method: wilder", "atr_method: hull"),
			want: "ATR method",
		},
		{
			name: "missing version",
			yaml: mutateYAML(t, `version: "test-1"`, `version: ""`),
			want: "version",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := constitution.LoadFromReader(tc.yaml)
			require.Error(t, err)
			assert.Equal(t, domain.ErrConfig, domain.CodeOf(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSleeveClause(t *testing.T) {
	assert.Equal(t, "§2.GenAcc.Delta", constitution.SleeveClause(domain.SleeveGen, "Delta"))
	assert.Equal(t, "§2.RevAcc.DTE", constitution.SleeveClause(domain.SleeveRev, "DTE"))
	assert.Equal(t, "§2.ComAcc.Schedule", constitution.SleeveClause(domain.SleeveCom, "Schedule"))
}
