/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/couchbaselabs/dstopo/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultTermCooldown = 2 * time.Minute
	DefaultQuitCooldown = 2 * time.Minute
)

type State int

const (
	StateIdle State = iota
	StateArmed
	StateDisarmed
	StateExpired
	StateEscalatingTerm
	StateEscalatingQuit
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateDisarmed:
		return "disarmed"
	case StateExpired:
		return "expired"
	case StateEscalatingTerm:
		return "escalating-term"
	case StateEscalatingQuit:
		return "escalating-quit"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ProcessSource returns the pids that should be signalled on expiry.  It is
// called from the watchdog goroutine.
type ProcessSource func() []int

type Signaler func(pid int, sig unix.Signal) error

type Sleeper func(d time.Duration)

type Options struct {
	Logger *zap.Logger

	// Deadline of zero means the watchdog is never armed.
	Deadline     time.Duration
	TermCooldown time.Duration
	QuitCooldown time.Duration

	Processes ProcessSource
	Signaler  Signaler
	Sleep     Sleeper

	// OnTimeout is called once escalation has finished.  The default logs
	// the error and panics, which takes down the whole process.
	OnTimeout func(err *TimeoutError)

	Metrics *metrics.TopoMetrics
}

type Watchdog struct {
	logger       *zap.Logger
	deadline     time.Duration
	termCooldown time.Duration
	quitCooldown time.Duration
	processes    ProcessSource
	signaler     Signaler
	sleep        Sleeper
	onTimeout    func(err *TimeoutError)
	metrics      *metrics.TopoMetrics

	lock   sync.Mutex
	state  State
	timer  *time.Timer
	err    *TimeoutError
	doneCh chan struct{}
}

func New(opts Options) *Watchdog {
	w := &Watchdog{
		logger:       opts.Logger,
		deadline:     opts.Deadline,
		termCooldown: opts.TermCooldown,
		quitCooldown: opts.QuitCooldown,
		processes:    opts.Processes,
		signaler:     opts.Signaler,
		sleep:        opts.Sleep,
		onTimeout:    opts.OnTimeout,
		metrics:      opts.Metrics,
	}
	w.init()
	return w
}

func (w *Watchdog) init() {
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	if w.termCooldown <= 0 {
		w.termCooldown = DefaultTermCooldown
	}
	if w.quitCooldown <= 0 {
		w.quitCooldown = DefaultQuitCooldown
	}
	if w.processes == nil {
		w.processes = func() []int { return nil }
	}
	if w.signaler == nil {
		w.signaler = unix.Kill
	}
	if w.sleep == nil {
		w.sleep = time.Sleep
	}
	if w.onTimeout == nil {
		w.onTimeout = w.defaultOnTimeout
	}
	if w.metrics == nil {
		w.metrics = metrics.GetTopoMetrics()
	}

	w.state = StateIdle
	w.doneCh = make(chan struct{})
}

func (w *Watchdog) defaultOnTimeout(err *TimeoutError) {
	w.logger.Error("topology deadline exceeded, aborting", zap.Error(err))
	panic(err)
}

func (w *Watchdog) Deadline() time.Duration {
	return w.deadline
}

func (w *Watchdog) State() State {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.state
}

// Arm starts the deadline timer.  It returns false when the watchdog was not
// armed, either because it already was or because the deadline is zero.
func (w *Watchdog) Arm() bool {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.state != StateIdle || w.deadline <= 0 {
		return false
	}

	w.logger.Debug("arming watchdog", zap.Duration("deadline", w.deadline))

	w.state = StateArmed
	w.timer = time.AfterFunc(w.deadline, func() {
		w.Fire()
	})
	return true
}

// Disarm stops the deadline timer and reports whether it did so before the
// deadline expired.  Escalation that has already started is not interrupted.
func (w *Watchdog) Disarm() bool {
	w.lock.Lock()
	defer w.lock.Unlock()

	switch w.state {
	case StateIdle:
		w.state = StateDisarmed
		return false
	case StateArmed:
		w.state = StateDisarmed
		stopped := w.timer.Stop()
		w.logger.Debug("watchdog disarmed", zap.Bool("stopped", stopped))
		return stopped
	}

	return false
}

// Fire expires the watchdog immediately and starts escalation on its own
// goroutine.  It returns false if the watchdog was disarmed or has already
// expired.
func (w *Watchdog) Fire() bool {
	w.lock.Lock()
	if w.state != StateIdle && w.state != StateArmed {
		w.lock.Unlock()
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.state = StateExpired
	w.lock.Unlock()

	go w.escalate()
	return true
}

func (w *Watchdog) setState(state State) {
	w.lock.Lock()
	w.state = state
	w.lock.Unlock()
}

func (w *Watchdog) signal(pid int, sig unix.Signal) {
	w.metrics.WatchdogEscalations.Add(context.Background(), 1, metrics.SignalAttr(unix.SignalName(sig)))

	err := w.signaler(pid, sig)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			w.logger.Debug("process already gone", zap.Int("pid", pid))
			return
		}
		w.logger.Warn("failed to signal process",
			zap.Int("pid", pid),
			zap.String("signal", unix.SignalName(sig)),
			zap.Error(err))
	}
}

func (w *Watchdog) isAlive(pid int) bool {
	return w.signaler(pid, 0) == nil
}

func (w *Watchdog) escalate() {
	pids := w.processes()

	w.setState(StateEscalatingTerm)
	w.logger.Warn("deadline expired, terminating instances",
		zap.Duration("deadline", w.deadline),
		zap.Ints("pids", pids))

	for _, pid := range pids {
		w.signal(pid, unix.SIGTERM)
	}

	w.sleep(w.termCooldown)

	w.setState(StateEscalatingQuit)

	var alive []int
	for _, pid := range pids {
		if w.isAlive(pid) {
			alive = append(alive, pid)
		}
	}

	if len(alive) > 0 {
		w.logger.Warn("instances survived SIGTERM, sending SIGQUIT", zap.Ints("pids", alive))
		for _, pid := range alive {
			w.signal(pid, unix.SIGQUIT)
		}
	}

	w.sleep(w.quitCooldown)

	timeoutErr := &TimeoutError{Deadline: w.deadline}

	w.lock.Lock()
	w.state = StateFailed
	w.err = timeoutErr
	w.lock.Unlock()

	defer close(w.doneCh)
	w.onTimeout(timeoutErr)
}

// Done is closed once escalation has finished and OnTimeout has returned.
func (w *Watchdog) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watchdog) Err() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.err == nil {
		return nil
	}
	return w.err
}
