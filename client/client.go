// Package client drives a neuralguard-serve process from Go.
//
// The service is started lazily on the first request (or by Preload), and
// requests are written to its stdin in order. Replies are matched to requests
// first-in first-out, which the service guarantees by answering strictly in
// sequence. If the service exits, pending requests fail and the next request
// starts a fresh process.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	neuralguard "github.com/Paranoid-AF/neuralguard"
)

// DefaultThreshold is the confidence an INJECTION verdict needs to be flagged.
const DefaultThreshold = 0.5

// Options configures a Detector.
type Options struct {
	// Command is the service executable, "neuralguard-serve" when empty.
	Command string
	Args    []string
	// Enabled turns the detector on. A disabled detector never starts the service.
	Enabled bool
	// Threshold is the minimum confidence for an INJECTION verdict to be
	// reported as an injection. Zero means DefaultThreshold.
	Threshold float64
	// CacheTTL caches verdicts per text for the given duration. Zero disables caching.
	CacheTTL time.Duration
	// Stderr receives the service's diagnostics. Nil discards them.
	Stderr io.Writer
	Logger *slog.Logger
}

// InjectionBlockedError is returned by DetectAndBlock for flagged text.
type InjectionBlockedError struct {
	Confidence float64
}

func (e *InjectionBlockedError) Error() string {
	return fmt.Sprintf("neural injection detector blocked request (confidence: %.1f%%)", e.Confidence*100)
}

// ErrNotRunning is returned when a request is sent to a service that has exited.
var ErrNotRunning = errors.New("service not running")

// pipes connects the detector to one service process.
type pipes struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	wait   func() error
	kill   func() error
}

type startFunc func() (*pipes, error)

// Detector classifies text through a neuralguard-serve process.
type Detector struct {
	opts   Options
	start  startFunc
	cache  *resultCache
	logger *slog.Logger

	mu   sync.Mutex
	proc *process
}

// New creates a detector. The service is not started until needed.
func New(opts Options) *Detector {
	if opts.Command == "" {
		opts.Command = "neuralguard-serve"
	}
	return newDetector(opts, execStarter(opts.Command, opts.Args, opts.Stderr))
}

func newDetector(opts Options, start startFunc) *Detector {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var cache *resultCache
	if opts.CacheTTL > 0 {
		cache = newResultCache(opts.CacheTTL)
	}
	return &Detector{opts: opts, start: start, cache: cache, logger: logger}
}

func execStarter(command string, args []string, stderr io.Writer) startFunc {
	return func() (*pipes, error) {
		cmd := exec.Command(command, args...)
		cmd.Stderr = stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", command, err)
		}
		kill := func() error {
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return err
			}
			return nil
		}
		return &pipes{stdin: stdin, stdout: stdout, wait: cmd.Wait, kill: kill}, nil
	}
}

// Preload starts the service and waits until it is ready. It is a no-op for a
// disabled detector.
func (d *Detector) Preload(ctx context.Context) error {
	if !d.opts.Enabled {
		return nil
	}
	_, err := d.running(ctx)
	return err
}

// IsReady reports whether a service process is running and ready.
func (d *Detector) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proc != nil && d.proc.isReady() && !d.proc.exited()
}

// Detect classifies text. The verdict's IsInjection is recomputed against the
// detector threshold; Label is passed through from the service.
func (d *Detector) Detect(ctx context.Context, text string) (*neuralguard.Result, error) {
	if !d.opts.Enabled {
		return &neuralguard.Result{Label: neuralguard.LabelDisabled}, nil
	}
	if res, ok := d.cache.get(text); ok {
		return res, nil
	}

	p, err := d.running(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := p.send(text)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		res := *r.res
		res.IsInjection = res.Label == neuralguard.LabelInjection && res.Confidence >= d.opts.Threshold
		d.cache.set(text, &res)
		return &res, nil
	case <-ctx.Done():
		// The reply is dropped by the reader when it arrives.
		return nil, ctx.Err()
	}
}

// DetectAndBlock classifies text and returns an *InjectionBlockedError when it is flagged.
func (d *Detector) DetectAndBlock(ctx context.Context, text string) (*neuralguard.Result, error) {
	res, err := d.Detect(ctx, text)
	if err != nil {
		return nil, err
	}
	if res.IsInjection {
		return res, &InjectionBlockedError{Confidence: res.Confidence}
	}
	return res, nil
}

// Close stops the service process and the cache.
func (d *Detector) Close() error {
	d.mu.Lock()
	p := d.proc
	d.proc = nil
	d.mu.Unlock()

	d.cache.close()
	if p == nil {
		return nil
	}
	return p.stop()
}

// running returns a ready process, starting one if needed. Concurrent callers
// share the same startup. d.mu is held only to pick or spawn the process, never
// while waiting for readiness.
func (d *Detector) running(ctx context.Context) (*process, error) {
	d.mu.Lock()
	p := d.proc
	if p == nil || p.exited() {
		pp, err := d.start()
		if err != nil {
			d.proc = nil
			d.mu.Unlock()
			return nil, err
		}
		p = newProcess(pp, d.logger)
		go p.readLoop()
		d.proc = p
	}
	d.mu.Unlock()

	select {
	case <-p.ready:
		return p, nil
	case <-p.done:
		if p.isReady() {
			return nil, p.exitErr
		}
		return nil, fmt.Errorf("service exited before ready: %w", p.exitErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type reply struct {
	res *neuralguard.Result
	err error
}

// process is one running service with its FIFO of pending requests.
type process struct {
	pipes  *pipes
	logger *slog.Logger

	ready chan struct{}
	done  chan struct{}
	// exitErr is set before done is closed.
	exitErr error

	writeMu sync.Mutex
	mu      sync.Mutex
	pending []chan reply
}

func newProcess(pp *pipes, logger *slog.Logger) *process {
	return &process{
		pipes:  pp,
		logger: logger,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (p *process) isReady() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// send enqueues a reply channel and writes the request. writeMu spans both so
// the queue order matches the write order; mu is released before writing so the
// reader can keep draining replies while the write blocks.
func (p *process) send(text string) (<-chan reply, error) {
	data, err := json.Marshal(neuralguard.Request{Text: text})
	if err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if p.exited() {
		p.mu.Unlock()
		return nil, ErrNotRunning
	}
	p.pending = append(p.pending, ch)
	p.mu.Unlock()

	if _, err := p.pipes.stdin.Write(append(data, '\n')); err != nil {
		p.forget(ch)
		return nil, fmt.Errorf("write request: %w", err)
	}
	return ch, nil
}

// forget removes ch from the queue if the reader has not taken it yet.
func (p *process) forget(ch chan reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.pending {
		if c == ch {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

// next pops the oldest pending request, or nil if none is waiting.
func (p *process) next() chan reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	ch := p.pending[0]
	p.pending = p.pending[1:]
	return ch
}

func (p *process) readLoop() {
	scanner := bufio.NewScanner(p.pipes.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	isReady := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var r neuralguard.Reply
		parseErr := json.Unmarshal(line, &r)

		if !isReady {
			// Anything before the readiness signal is startup noise.
			if parseErr == nil && r.Status == neuralguard.StatusReady {
				isReady = true
				close(p.ready)
				p.logger.Debug("service ready")
			}
			continue
		}

		ch := p.next()
		if ch == nil {
			p.logger.Warn("unexpected service output", "line", string(line))
			continue
		}
		switch res, ok := r.Result(); {
		case parseErr != nil:
			p.logger.Warn("failed to parse service output", "line", string(line))
			ch <- reply{err: fmt.Errorf("failed to parse service output: %s", line)}
		case r.Error != "":
			ch <- reply{err: errors.New(r.Error)}
		case ok:
			ch <- reply{res: res}
		default:
			ch <- reply{err: fmt.Errorf("unexpected service output: %s", line)}
		}
	}

	if err := scanner.Err(); err != nil {
		// Output can no longer be matched to requests.
		p.logger.Warn("reading service output failed", "error", err)
		p.pipes.kill()
	}

	waitErr := p.pipes.wait()
	if waitErr != nil {
		p.exitErr = fmt.Errorf("service exited: %w", waitErr)
	} else {
		p.exitErr = errors.New("service exited")
	}

	p.mu.Lock()
	close(p.done)
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: p.exitErr}
	}
}

func (p *process) stop() error {
	p.pipes.stdin.Close()
	if p.exited() {
		return nil
	}
	return p.pipes.kill()
}
