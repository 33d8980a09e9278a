package fastboot

import "sync"

// DefaultOutputLines bounds the output log.
const DefaultOutputLines = 1024

// OutputLog keeps the most recent lines pushed by action callbacks. When
// full, the oldest line is dropped.
type OutputLog struct {
	mu      sync.Mutex
	lines   []string
	max     int
	dropped int
}

func NewOutputLog(max int) *OutputLog {
	if max <= 0 {
		max = DefaultOutputLines
	}
	return &OutputLog{max: max}
}

// Push appends a line.
func (o *OutputLog) Push(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.lines) == o.max {
		o.lines = o.lines[1:]
		o.dropped++
	}
	o.lines = append(o.lines, line)
}

// Drain returns the lines in insertion order and empties the log.
func (o *OutputLog) Drain() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	lines := o.lines
	o.lines = nil
	return lines
}

// Dropped returns how many lines were evicted since creation.
func (o *OutputLog) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
