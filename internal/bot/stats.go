package bot

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rodaine/table"
)

// Report is the outcome of one bot run.
type Report struct {
	ID            string
	Name          string
	Room          string
	Frames        int64
	AvgFrame      time.Duration
	Actions       map[Action]int
	ChatsRejected int
	PeersSeen     int

	// Relay traffic, when the bot ran over a relay connection.
	Sent, Received, RateLimited int
}

// Collector aggregates reports from many bots. It is goroutine-safe.
type Collector struct {
	mu        sync.Mutex
	reports   []Report
	errors    int
	startTime time.Time
}

// NewCollector creates a collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Add records a bot report.
func (c *Collector) Add(r Report) {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
}

// AddError counts a bot that failed to start or stopped with an error.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Len returns the number of reports.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

// Write prints one row per bot followed by totals and the frame time
// distribution.
func (c *Collector) Write(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reports := append([]Report(nil), c.reports...)
	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })

	tbl := table.New("Bot", "Room", "Frames", "Avg frame", "Walk", "Chat", "Sit", "Dance", "Wave", "Laugh", "Rejected", "Peers", "Sent", "Recv", "Limited").
		WithWriter(w)
	var (
		totals [numActions]int
		frames []time.Duration
	)
	for _, r := range reports {
		row := []interface{}{r.Name, r.Room, r.Frames, r.AvgFrame.Round(time.Microsecond)}
		for a := Action(0); a < numActions; a++ {
			row = append(row, r.Actions[a])
			totals[a] += r.Actions[a]
		}
		row = append(row, r.ChatsRejected, r.PeersSeen, r.Sent, r.Received, r.RateLimited)
		tbl.AddRow(row...)
		if r.Frames > 0 {
			frames = append(frames, r.AvgFrame)
		}
	}
	tbl.Print()

	fmt.Fprintf(w, "\nDuration: %s  Bots: %d  Errors: %d\n",
		time.Since(c.startTime).Round(time.Second), len(reports), c.errors)
	fmt.Fprint(w, "Actions:")
	for a := Action(0); a < numActions; a++ {
		fmt.Fprintf(w, " %s=%d", a, totals[a])
	}
	fmt.Fprintln(w)

	if len(frames) > 0 {
		fmt.Fprint(w, "Avg frame time: ")
		writePercentiles(w, frames)
	}
}

// writePercentiles sorts durations and prints avg, p50, p95, p99 and max.
func writePercentiles(w io.Writer, durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	fmt.Fprintf(w, "avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
