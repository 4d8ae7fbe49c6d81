package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// ProgressBar shows how many bytes and parts of a batch are uploaded.
// It is safe for concurrent use by upload workers.
type ProgressBar struct {
	mu sync.Mutex

	w     io.Writer
	title string
	width int

	total      int64
	current    int64
	parts      int
	partsDone  int
	lastRender string
}

// NewProgressBar creates a progress bar for total bytes spread over parts.
// A zero total shows the byte count only.
func NewProgressBar(w io.Writer, title string, total int64, parts int) *ProgressBar {
	return &ProgressBar{
		w:     w,
		title: title,
		width: 30,
		total: total,
		parts: parts,
	}
}

// Part records one delivered part of n bytes.
func (p *ProgressBar) Part(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current += n
	p.partsDone++
	p.render()
}

// Finish prints the final state and ends the line.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.render()
	fmt.Fprintln(p.w)
}

func (p *ProgressBar) render() {
	var line string
	if p.total <= 0 {
		line = fmt.Sprintf("%s %s", p.title, formatBytes(p.current))
	} else {
		percent := min(float64(p.current)/float64(p.total), 1)
		filled := int(float64(p.width) * percent)
		line = fmt.Sprintf("%s [%s%s] %3.0f%% (%s/%s",
			p.title,
			strings.Repeat("█", filled),
			strings.Repeat("░", p.width-filled),
			percent*100,
			formatBytes(p.current),
			formatBytes(p.total),
		)
		if p.parts > 0 {
			line += fmt.Sprintf(", %d/%d parts", p.partsDone, p.parts)
		}
		line += ")"
	}
	if line == p.lastRender {
		return
	}
	p.lastRender = line
	fmt.Fprintf(p.w, "\r%s", line)
}

// formatBytes formats bytes to a human readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
