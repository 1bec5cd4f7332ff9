package ensemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func width(b *IntervalBuilder, point, variance, disagreement float64, obs int64) float64 {
	lower, upper := b.Interval(point, variance, disagreement, obs)
	return upper - lower
}

func TestInterval_CenteredOnPoint(t *testing.T) {
	b := NewIntervalBuilder(DefaultIntervalConfig())
	lower, upper := b.Interval(100, 4, 0, 50)
	assert.InDelta(t, 100.0, (lower+upper)/2, 1e-9)
	assert.Less(t, lower, 100.0)
	assert.Greater(t, upper, 100.0)
}

func TestInterval_WidensWithVariance(t *testing.T) {
	b := NewIntervalBuilder(DefaultIntervalConfig())
	assert.Greater(t, width(b, 100, 9, 0.1, 10), width(b, 100, 4, 0.1, 10))
}

func TestInterval_WidensWithNovelty(t *testing.T) {
	b := NewIntervalBuilder(DefaultIntervalConfig())
	novel := width(b, 100, 4, 0.1, 0)
	seasoned := width(b, 100, 4, 0.1, 1000)
	assert.Greater(t, novel, seasoned, "a rarely observed regime yields a wider interval")
}

func TestInterval_WidensWithDisagreement(t *testing.T) {
	b := NewIntervalBuilder(DefaultIntervalConfig())
	assert.Greater(t, width(b, 100, 4, 1.0, 10), width(b, 100, 4, 0.0, 10))
}

func TestInterval_DisagreementWidensAtZeroVariance(t *testing.T) {
	b := NewIntervalBuilder(DefaultIntervalConfig())
	agree := width(b, 100, 0, 0, 10)
	disagree := width(b, 100, 0, 4, 10)
	assert.Equal(t, 0.0, agree)
	assert.Greater(t, disagree, 0.0,
		"confident-but-conflicting members still widen the interval")
}

func TestInterval_NegativeInputsClamped(t *testing.T) {
	b := NewIntervalBuilder(DefaultIntervalConfig())
	lower, upper := b.Interval(100, -1, -1, -5)
	assert.Equal(t, 100.0, lower)
	assert.Equal(t, 100.0, upper)
}
