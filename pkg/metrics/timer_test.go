package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerMeasuresElapsedTime(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	d := timer.Duration()
	assert.GreaterOrEqual(t, d, 10*time.Millisecond)
	assert.Less(t, d, time.Second)
}

func TestObserveDurationVec(t *testing.T) {
	timer := NewTimer()
	// Observation must not panic with a registered label.
	timer.ObserveDurationVec(ReconcileDuration, "link")
	timer.ObserveDurationVec(JobDuration, "up")
}
