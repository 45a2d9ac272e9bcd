// Package viewport turns visibility reports from the display surface into
// the index of the item currently in view.
package viewport

import "context"

// DefaultThreshold is the visible percentage at which an item counts as in view.
const DefaultThreshold = 50.0

// Visibility is how much of one rendered item is on screen.
type Visibility struct {
	Index   int
	Percent float64 // 0..100
}

// Report is one visibility-change event, in the order the surface lists items.
type Report []Visibility

// Tracker picks the current item out of a Report.
type Tracker struct {
	Threshold float64
}

// NewTracker returns a Tracker using threshold, or DefaultThreshold if
// threshold is outside (0, 100].
func NewTracker(threshold float64) Tracker {
	if threshold <= 0 || threshold > 100 {
		threshold = DefaultThreshold
	}
	return Tracker{Threshold: threshold}
}

// Observe returns the index of the first item in report order that meets
// the threshold. ok is false for an empty report or when nothing qualifies.
func (t Tracker) Observe(report Report) (index int, ok bool) {
	threshold := t.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	for _, v := range report {
		if v.Index < 0 {
			continue
		}
		if v.Percent >= threshold {
			return v.Index, true
		}
	}
	return 0, false
}

// Run converts a stream of reports into a stream of positions. The output
// closes when reports closes or ctx is done.
func (t Tracker) Run(ctx context.Context, reports <-chan Report) <-chan int {
	out := make(chan int)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-reports:
				if !ok {
					return
				}
				idx, ok := t.Observe(r)
				if !ok {
					continue
				}
				select {
				case out <- idx:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
