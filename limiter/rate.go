/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"time"
)

// Interval lengths used by Quota. A month is fixed to 30 days.
const (
	IntervalSecond = time.Second
	IntervalMinute = time.Minute
	IntervalHour   = time.Hour
	IntervalDay    = 24 * time.Hour
	IntervalMonth  = 30 * IntervalDay
)

// Rate allows at most Limit requests per sliding Interval.
type Rate struct {
	Limit    int
	Interval time.Duration
}

// Quota describes request limits in terms of the most common intervals.
// Zero-valued fields are ignored. Burst applies only to the per-second rate:
// with PerSecond=5 and Burst=3, up to 15 requests may be sent back-to-back
// before the rate of 5 requests per second is enforced.
type Quota struct {
	PerSecond int
	PerMinute int
	PerHour   int
	PerDay    int
	PerMonth  int
	Burst     int
}

// Rates translates the quota into a list of rates ordered ascending by
// interval. The first entry always has the smallest interval, which the
// catch-up logic relies on.
func (q Quota) Rates() []Rate {
	burst := q.Burst
	if burst <= 0 {
		burst = 1
	}

	var rates []Rate
	if q.PerSecond > 0 {
		rates = append(rates, Rate{Limit: q.PerSecond * burst, Interval: time.Duration(burst) * IntervalSecond})
	}
	if q.PerMinute > 0 {
		rates = append(rates, Rate{Limit: q.PerMinute, Interval: IntervalMinute})
	}
	if q.PerHour > 0 {
		rates = append(rates, Rate{Limit: q.PerHour, Interval: IntervalHour})
	}
	if q.PerDay > 0 {
		rates = append(rates, Rate{Limit: q.PerDay, Interval: IntervalDay})
	}
	if q.PerMonth > 0 {
		rates = append(rates, Rate{Limit: q.PerMonth, Interval: IntervalMonth})
	}
	return rates
}
