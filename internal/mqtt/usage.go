package mqtt

import (
	"sync"
	"time"
)

// Usage is a snapshot of the current day's dialogue activity.
type Usage struct {
	Turns        int64
	InputTokens  int64
	OutputTokens int64
	LastTurn     time.Time
}

// Tokens returns input plus output tokens.
func (u Usage) Tokens() int64 { return u.InputTokens + u.OutputTokens }

// DailyUsage counts turns and LLM tokens, resetting at local midnight.
// It is safe for concurrent use.
type DailyUsage struct {
	mu  sync.Mutex
	cur Usage
	day string
	now func() time.Time
	loc *time.Location
}

// NewDailyUsage returns a counter that rolls over at midnight in loc.
// A nil loc means [time.Local].
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{now: time.Now, loc: loc}
	d.day = d.today()
	return d
}

func (d *DailyUsage) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// rollover must be called with d.mu held.
func (d *DailyUsage) rollover() {
	if day := d.today(); day != d.day {
		d.cur = Usage{}
		d.day = day
	}
}

// AddTokens records the token counts of one LLM round trip.
func (d *DailyUsage) AddTokens(input, output int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	d.cur.InputTokens += int64(input)
	d.cur.OutputTokens += int64(output)
}

// AddTurn records a completed dialogue turn.
func (d *DailyUsage) AddTurn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	d.cur.Turns++
	d.cur.LastTurn = d.now()
}

// Snapshot returns today's totals.
func (d *DailyUsage) Snapshot() Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	return d.cur
}
