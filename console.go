package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// RoundReport is the summary printed at every log interval.
type RoundReport struct {
	Step   int
	DLoss  float64
	GLoss  float64
	PLMean float64

	// Throughput over the last Interval steps.
	Interval int
	Elapsed  time.Duration

	// Step count at which the run is considered complete.
	Horizon int
}

// Console receives the trainer's periodic output. Nothing it does feeds
// back into training.
type Console interface {
	Round(r RoundReport)
	Progress(done, total int)
}

// ConsoleReporter writes round summaries and a progress bar to an
// io.Writer. A silent reporter only draws the progress bar.
type ConsoleReporter struct {
	w      io.Writer
	silent bool
	width  int
}

// NewConsoleReporter creates a reporter writing to w.
func NewConsoleReporter(w io.Writer, silent bool) *ConsoleReporter {
	return &ConsoleReporter{w: w, silent: silent, width: 50}
}

// Round prints losses, throughput and the time left to the horizon:
//
//	Round 1200:
//	D: 1.2034
//	G: 0.3371
//	PL: 0.0412
//	Steps/Second: 3.51
//	Steps/Hour: 12636
//	1k Steps: 4:44
//	Til Completion: 15h43m
func (c *ConsoleReporter) Round(r RoundReport) {
	if c.silent {
		return
	}
	fmt.Fprintf(c.w, "\n\nRound %d:\n", r.Step)
	fmt.Fprintf(c.w, "D: %.4f\n", r.DLoss)
	fmt.Fprintf(c.w, "G: %.4f\n", r.GLoss)
	fmt.Fprintf(c.w, "PL: %.4f\n", r.PLMean)

	secs := r.Elapsed.Seconds()
	if secs <= 0 || r.Interval <= 0 {
		fmt.Fprintln(c.w)
		return
	}
	perSecond := float64(r.Interval) / secs
	perMinute := perSecond * 60
	perHour := perMinute * 60
	fmt.Fprintf(c.w, "Steps/Second: %.2f\n", perSecond)
	fmt.Fprintf(c.w, "Steps/Hour: %.0f\n", perHour)

	min1k := math.Floor(1000 / perMinute)
	sec1k := math.Mod(math.Floor(1000/perSecond), 60)
	fmt.Fprintf(c.w, "1k Steps: %d:%02d\n", int(min1k), int(sec1k))

	left := float64(r.Horizon-r.Step) + 1e-7
	if left < 0 {
		left = 0
	}
	hours := math.Floor(left / perHour)
	minutes := math.Mod(math.Floor(left/perMinute), 60)
	fmt.Fprintf(c.w, "Til Completion: %dh%dm\n\n", int(hours), int(minutes))
}

// Progress redraws a single-line bar: done of total.
func (c *ConsoleReporter) Progress(done, total int) {
	if total <= 0 {
		return
	}
	frac := float64(done) / float64(total)
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * float64(c.width))
	bar := strings.Repeat("█", filled) + strings.Repeat("-", c.width-filled)
	fmt.Fprintf(c.w, "\r |%s| %3.0f%% ", bar, frac*100)
	if done >= total {
		fmt.Fprintln(c.w)
	}
}
