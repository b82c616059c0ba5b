package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/brhil/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps one status line with the running step and its elapsed time.
//
// Usage:
//
//	p := NewProgressPrinter(os.Stderr)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: Start at most once, Stop as often as needed.
type ProgressPrinter struct {
	w        io.Writer
	phase    atomic.Value // string
	since    atomic.Int64 // unix nanos of the last phase change
	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
	mu       sync.Mutex // serializes writes to w
}

func NewProgressPrinter(w io.Writer) *ProgressPrinter {
	p := &ProgressPrinter{
		w:        w,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.phase.Store("")
	return p
}

// Start begins refreshing the line in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.since.Store(time.Now().UnixNano())

	groutine.Go(context.Background(), "progress-printer", func(context.Context) {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.print()
			}
		}
	})
}

// SetPhase replaces the text of the status line and restarts its timer.
// Safe to call from multiple goroutines.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
	p.since.Store(time.Now().UnixNano())
}

func (p *ProgressPrinter) print() {
	phase := p.phase.Load().(string)
	if phase == "" {
		return
	}
	elapsed := time.Since(time.Unix(0, p.since.Load()))
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s%s (%ds)", clearLineSequence, phase, int(elapsed.Seconds()))
}

// Stop ends the refresh loop and clears the line. Safe to call multiple times.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		if p.started.Load() {
			<-p.done
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		fmt.Fprint(p.w, clearLineSequence)
	})
}
