package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemNowIsUTC(t *testing.T) {
	now := System{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestFixedNeverAdvancesOnItsOwn(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFixed(t0)
	assert.True(t, f.Now().Equal(t0))
	assert.True(t, f.Now().Equal(t0))
}

func TestFixedAdvanceMovesForwardExplicitly(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFixed(t0)
	f.Advance(time.Hour)
	assert.True(t, f.Now().Equal(t0.Add(time.Hour)))
}
