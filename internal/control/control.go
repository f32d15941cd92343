// Package control is the run's control plane: signal handling, the
// pause-file protocol, and the scheduled checkpointer. It owns no crawl
// state; it only toggles the rate controller's gate, cancels the run
// context, and records status transitions in the store.
package control

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/redblackgraph/fscrawl/internal/ratelimit"
	"github.com/redblackgraph/fscrawl/internal/storage"
	"github.com/redblackgraph/fscrawl/internal/telemetry"
	"github.com/redblackgraph/fscrawl/internal/types"
)

// Command is one operator instruction read from the pause file.
type Command int

const (
	CommandNone Command = iota
	CommandPause
	CommandResume
	CommandStop
)

// ParseCommand interprets pause-file content: exactly one of pause,
// resume or stop, case-insensitive, surrounding whitespace ignored.
func ParseCommand(raw string) (Command, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pause":
		return CommandPause, true
	case "resume":
		return CommandResume, true
	case "stop":
		return CommandStop, true
	}
	return CommandNone, false
}

const pollInterval = time.Second

// Plane wires the operator surface to a running crawl.
type Plane struct {
	limiter *ratelimit.Controller
	store   storage.Store
	events  *telemetry.Emitter
	log     *slog.Logger

	// PauseFile, when non-empty, is polled for commands every second
	// (filesystem events accelerate the pickup when available).
	PauseFile string

	// CheckpointInterval drives scheduled store checkpoints. Default
	// 60 s; <= 0 keeps the default.
	CheckpointInterval time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	paused  bool
	lastCmd Command
}

func New(limiter *ratelimit.Controller, store storage.Store, events *telemetry.Emitter, log *slog.Logger) *Plane {
	if events == nil {
		events = telemetry.Nop()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Plane{
		limiter:            limiter,
		store:              store,
		events:             events,
		log:                log,
		CheckpointInterval: time.Minute,
	}
}

// Start derives the run context and launches the signal handler, the
// pause-file watcher, and the checkpoint scheduler. Callers run the
// engine under the returned context and call Shutdown when it exits.
func (p *Plane) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	sigStop := make(chan os.Signal, 1)
	sigPause := make(chan os.Signal, 1)
	signal.Notify(sigStop, os.Interrupt, syscall.SIGTERM)
	signal.Notify(sigPause, syscall.SIGUSR1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-sigStop:
				p.log.Info("stop signal received", "signal", s.String())
				p.Stop()
			case <-sigPause:
				p.Toggle()
			}
		}
	}()

	if p.PauseFile != "" {
		p.wg.Add(1)
		go p.watchPauseFile(ctx)
	}

	interval := p.CheckpointInterval
	if interval <= 0 {
		interval = time.Minute
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.store.Checkpoint(ctx, "scheduled"); err != nil {
					p.log.Warn("scheduled checkpoint failed", "error", err)
					continue
				}
				p.events.Emit(telemetry.EventCheckpoint, -1, map[string]any{"trigger": "scheduled"})
			}
		}
	}()

	return ctx
}

// Shutdown stops the signal handlers and waits for the watcher
// goroutines to drain.
func (p *Plane) Shutdown() {
	signal.Reset(os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Pause gates new request permits and records the paused status.
func (p *Plane) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.limiter.Pause()
	if err := p.store.SetRunStatus(context.Background(), types.StatusPaused); err != nil {
		p.log.Warn("failed to record paused status", "error", err)
	}
	p.log.Info("crawl paused")
}

// Resume reopens the permit gate.
func (p *Plane) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	p.limiter.Resume()
	if err := p.store.SetRunStatus(context.Background(), types.StatusRunning); err != nil {
		p.log.Warn("failed to record running status", "error", err)
	}
	p.log.Info("crawl resumed")
}

// Toggle flips between paused and running; wired to the pause signal.
func (p *Plane) Toggle() {
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if paused {
		p.Resume()
	} else {
		p.Pause()
	}
}

// Stop cancels the run context. A paused run is resumed first so blocked
// permit waiters observe the cancellation promptly.
func (p *Plane) Stop() {
	p.Resume()
	if p.cancel != nil {
		p.cancel()
	}
}

// watchPauseFile applies commands written to the pause file. The file is
// polled every second; fsnotify events on its directory shortcut the
// wait. A command is applied once per content change.
func (p *Plane) watchPauseFile(ctx context.Context) {
	defer p.wg.Done()

	var notify chan struct{}
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(filepath.Dir(p.PauseFile)); err == nil {
			notify = make(chan struct{}, 1)
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer watcher.Close()
				for {
					select {
					case <-ctx.Done():
						return
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if ev.Name == p.PauseFile {
							select {
							case notify <- struct{}{}:
							default:
							}
						}
					case <-watcher.Errors:
					}
				}
			}()
		} else {
			watcher.Close()
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-notify:
		}
		p.applyPauseFile()
	}
}

func (p *Plane) applyPauseFile() {
	data, err := os.ReadFile(p.PauseFile)
	if err != nil {
		return // absent file means no instruction
	}
	cmd, ok := ParseCommand(string(data))
	if !ok {
		p.log.Warn("ignoring malformed pause file", "path", p.PauseFile, "content", strings.TrimSpace(string(data)))
		return
	}

	p.mu.Lock()
	repeat := cmd == p.lastCmd
	p.lastCmd = cmd
	p.mu.Unlock()
	if repeat {
		return
	}

	switch cmd {
	case CommandPause:
		p.Pause()
	case CommandResume:
		p.Resume()
	case CommandStop:
		p.log.Info("stop requested via pause file")
		p.Stop()
	}
}
