package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// progressBar aggregates the progress of concurrently running chains into a
// single terminal line.
type progressBar struct {
	mu        sync.Mutex
	out       io.Writer
	done      map[string]int
	totals    map[string]int
	chains    int
	startTime time.Time
	printed   bool
}

func newProgressBar(chains int) *progressBar {
	return &progressBar{
		out:       os.Stdout,
		done:      make(map[string]int),
		totals:    make(map[string]int),
		chains:    chains,
		startTime: time.Now(),
	}
}

// Update is a coffin.ProgressCallback. The message is the pathway name.
func (b *progressBar) Update(completed, total int, pathway string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.done[pathway] = completed
	b.totals[pathway] = total

	// chains that have not reported yet are assumed to be as long as this one
	sumDone, sumTotal := 0, 0
	for name, t := range b.totals {
		sumDone += b.done[name]
		sumTotal += t
	}
	sumTotal += (b.chains - len(b.totals)) * total
	if sumTotal == 0 {
		return
	}

	percentage := float64(sumDone) / float64(sumTotal) * 100

	const width = 40
	numBars := int(percentage / 100 * width)
	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < width; i++ {
		switch {
		case i < numBars:
			sb.WriteString("█")
		case i == numBars:
			sb.WriteString("▓")
		default:
			sb.WriteString("░")
		}
	}
	sb.WriteString("]")

	elapsed := time.Since(b.startTime)
	remainingStr := "0s"
	if sumDone > 0 && sumDone < sumTotal {
		remaining := elapsed.Seconds() / float64(sumDone) * float64(sumTotal-sumDone)
		switch {
		case remaining < 60:
			remainingStr = fmt.Sprintf("%.1fs", remaining)
		case remaining < 3600:
			remainingStr = fmt.Sprintf("%.1fm", remaining/60)
		default:
			remainingStr = fmt.Sprintf("%.1fh", remaining/3600)
		}
	}

	fmt.Fprintf(b.out, "\r%s %.1f%% [%.1fs elapsed | %s remaining | %s]",
		sb.String(), percentage, elapsed.Seconds(), remainingStr, pathway)
	b.printed = true
}

// Done ends the progress line.
func (b *progressBar) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.printed {
		fmt.Fprintln(b.out)
		b.printed = false
	}
}
