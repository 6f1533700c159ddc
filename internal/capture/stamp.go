package capture

import (
	"strconv"
	"time"

	"posestream-go/internal/types"
)

// Stamp returns the exact and slotted timestamps for a capture at t. The slot
// digit is the start of the interval the millisecond falls in, in tenths of a
// second, so a 500ms interval yields "0" or "5".
func Stamp(t time.Time, interval time.Duration) (exact, slotted string) {
	exact = t.Format(types.ExactLayout)
	ms := t.Nanosecond() / int(time.Millisecond)
	step := int(interval / time.Millisecond)
	if step <= 0 || step > 1000 {
		step = 1000
	}
	slot := (ms - ms%step) / 100
	slotted = t.Format(types.SecondLayout) + "." + strconv.Itoa(slot)
	return exact, slotted
}
