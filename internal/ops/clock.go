package ops

import (
	"time"

	"github.com/kk-code-lab/nstore/internal/clock"
)

// wall drives report timestamps and staleness cutoffs.
var wall clock.Clock = clock.RealClock{}

func now() time.Time {
	return wall.Now()
}
