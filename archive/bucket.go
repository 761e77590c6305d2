package archive

import (
	"fmt"
	"time"
)

// DefaultWindow is the length of time covered by each archive unit
const DefaultWindow = 30 * time.Minute

// Bucket identifies a time window of accumulated results.  Buckets are named by
// the date and the wall clock start of the window, eg: the half hour window
// starting 14:30 on 2 March 2024 is Date "20240302" and Label "1430".
type Bucket struct {
	// Date is the day of the window formatted as YYYYMMDD
	Date string `json:"date"`
	// Label is the window start formatted as HHMM
	Label string `json:"label"`
	// Start is the start time of the window
	Start time.Time `json:"start"`
}

// BucketFor returns the bucket that t falls in for the given window size.  The
// window is aligned to midnight in t's location, so with a 30 minute window
// minutes 0 to 29 of an hour map to HH00 and minutes 30 to 59 map to HH30.
func BucketFor(t time.Time, window time.Duration) Bucket {

	size := int(window / time.Minute)

	if size < 1 {
		size = 1
	}

	minuteOfDay := t.Hour()*60 + t.Minute()
	startMin := (minuteOfDay / size) * size

	start := time.Date(t.Year(), t.Month(), t.Day(), startMin/60, startMin%60,
		0, 0, t.Location())

	return Bucket{
		Date:  t.Format("20060102"),
		Label: fmt.Sprintf("%02d%02d", startMin/60, startMin%60),
		Start: start,
	}
}

// Key returns the bucket's storage key without extension, eg: "20240302/1430"
func (b Bucket) Key() string {
	return b.Date + "/" + b.Label
}

// Contains reports whether t falls within the bucket's window
func (b Bucket) Contains(t time.Time, window time.Duration) bool {
	return !t.Before(b.Start) && t.Before(b.Start.Add(window))
}

// validateWindow checks the window is a whole number of minutes that evenly
// divides a day
func validateWindow(window time.Duration) error {

	if window < time.Minute || window%time.Minute != 0 {
		return fmt.Errorf("archive window must be a whole number of minutes, got %s", window)
	}

	if (24*time.Hour)%window != 0 {
		return fmt.Errorf("archive window %s does not evenly divide a day", window)
	}

	return nil
}
