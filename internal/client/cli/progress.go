package cli

import (
	"fmt"
	"io"
	"sync"
)

// progressPrinter renders transfer progress on one terminal line.
type progressPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	enabled bool
	last    map[string]int
}

func newProgressPrinter(w io.Writer, enabled bool) *progressPrinter {
	return &progressPrinter{w: w, enabled: enabled, last: make(map[string]int)}
}

func (p *progressPrinter) update(id, direction string, done, total int64) {
	if !p.enabled || total <= 0 {
		return
	}
	pct := int(done * 100 / total)

	p.mu.Lock()
	defer p.mu.Unlock()

	// redraw only on whole-percent changes
	if prev, ok := p.last[id]; ok && prev == pct {
		return
	}
	p.last[id] = pct
	fmt.Fprintf(p.w, "\r%s %-8s %3d%% (%s / %s)", shortID(id), direction, pct, humanBytes(done), humanBytes(total))
}

// finish ends the progress line of id, if one was drawn.
func (p *progressPrinter) finish(id string) {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.last[id]; ok {
		delete(p.last, id)
		fmt.Fprintln(p.w)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
