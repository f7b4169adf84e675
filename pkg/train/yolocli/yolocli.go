// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package yolocli implements train.Trainer by running the Ultralytics `yolo` command line tool.
//
// Training progress is followed by watching the results file (results.csv) the tool writes in the run
// directory after each epoch: each new row is converted to a train.State and passed to the OnEpochEnd hooks.
package yolocli

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/gomlx/detpipe/pkg/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultCommand runs the trainer.
var DefaultCommand = []string{"yolo"}

const (
	DefaultPollInterval = 2 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// Trainer implements train.Trainer with the `yolo` command line tool.
type Trainer struct {
	// Command (and initial arguments) to run the tool. Default is DefaultCommand.
	Command []string

	// Env holds extra environment variables ("KEY=value") for the tool.
	Env []string

	// PollInterval is how often the results file is checked, in addition to file system notifications.
	// Default is DefaultPollInterval.
	PollInterval time.Duration

	// StopTimeout is how long to wait for the tool to exit after it's interrupted, before killing it.
	// Default is DefaultStopTimeout.
	StopTimeout time.Duration
}

// Assert Trainer is a train.Trainer.
var _ train.Trainer = (*Trainer)(nil)

// New creates a Trainer running the given command, or DefaultCommand if none is given.
func New(command ...string) *Trainer {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &Trainer{
		Command:      command,
		PollInterval: DefaultPollInterval,
		StopTimeout:  DefaultStopTimeout,
	}
}

func (t *Trainer) command() []string {
	if len(t.Command) == 0 {
		return DefaultCommand
	}
	return t.Command
}

func (t *Trainer) pollInterval() time.Duration {
	if t.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return t.PollInterval
}

func (t *Trainer) stopTimeout() time.Duration {
	if t.StopTimeout <= 0 {
		return DefaultStopTimeout
	}
	return t.StopTimeout
}

// numOutputLines kept from the tool to report errors.
const numOutputLines = 20

// outputLogger logs each line written to it, and keeps the last lines.
type outputLogger struct {
	prefix string

	// maxLines kept, if 0 all lines are kept.
	maxLines int

	mu   sync.Mutex
	last []string
}

func (l *outputLogger) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	// The tool draws progress bars with carriage returns: each one is a line.
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if idx := bytes.IndexAny(data, "\r\n"); idx >= 0 {
			return idx + 1, data[:idx], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " ")
		if line == "" {
			continue
		}
		klog.V(1).Infof("%s: %s", l.prefix, line)
		l.mu.Lock()
		l.last = append(l.last, line)
		if l.maxLines > 0 && len(l.last) > l.maxLines {
			l.last = l.last[len(l.last)-l.maxLines:]
		}
		l.mu.Unlock()
	}
}

func (l *outputLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.last, "\n")
}

// process is a running instance of the tool. The result of cmd.Wait is sent to done.
type process struct {
	cmd    *exec.Cmd
	output *outputLogger
	wg     sync.WaitGroup
	done   chan error
}

// start the tool with the given arguments. If keepLines is 0 all the output is kept, otherwise only the
// last keepLines lines.
func (t *Trainer) start(ctx context.Context, keepLines int, args ...string) (*process, error) {
	command := t.command()
	fullArgs := append(append([]string(nil), command[1:]...), args...)
	cmd := exec.CommandContext(ctx, command[0], fullArgs...)
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = t.stopTimeout()
	p := &process{
		cmd:    cmd,
		output: &outputLogger{prefix: filepath.Base(command[0]), maxLines: keepLines},
		done:   make(chan error, 1),
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to capture trainer output")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to capture trainer output")
	}
	klog.V(1).Infof("running %s %s", command[0], strings.Join(fullArgs, " "))
	if err = cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %q", command[0])
	}
	p.wg.Add(2)
	for _, r := range []io.Reader{stdout, stderr} {
		go func() {
			defer p.wg.Done()
			p.output.consume(r)
		}()
	}
	go func() {
		// Pipes must be fully read before calling Wait.
		p.wg.Wait()
		p.done <- cmd.Wait()
	}()
	return p, nil
}

// exitError annotates the error of a finished process with the last lines of its output.
func (p *process) exitError(err error, name string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "%s failed, last output lines:\n%s", name, p.output)
}

// Train implements train.Trainer.
func (t *Trainer) Train(ctx context.Context, req train.Request) (*train.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	dataConfig, err := fsutil.AbsDir(req.DataConfig)
	if err != nil {
		return nil, err
	}
	runsDir, err := fsutil.AbsDir(req.RunsDir)
	if err != nil {
		return nil, err
	}
	runDir := filepath.Join(runsDir, req.Name)
	if err = fsutil.EnsureDir(runDir); err != nil {
		return nil, err
	}
	resultsPath := filepath.Join(runDir, ResultsFileName)
	if err = os.Remove(resultsPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to remove stale results file %q", resultsPath)
	}

	h := &req.Hyperparameters
	state := &train.State{ModelSummary: h.Model, RunDir: runDir, Epochs: h.Epochs}
	if err = req.Hooks.Start(state); err != nil {
		return nil, err
	}

	watcher, err := newResultsWatcher(resultsPath, t.pollInterval())
	if err != nil {
		return nil, err
	}
	procCtx, cancelProc := context.WithCancel(ctx)
	defer cancelProc()
	args := append([]string{"detect", "train",
		"data=" + dataConfig,
		"project=" + runsDir,
		"name=" + req.Name,
		"exist_ok=True",
	}, h.Args()...)
	proc, err := t.start(procCtx, numOutputLines, args...)
	if err != nil {
		_ = watcher.watcher.Close()
		return nil, err
	}
	watcher.Start(procCtx)

	// emitted is the number of results rows already passed to the hooks.
	emitted := 0
	var lastElapsed time.Duration
	emitNewResults := func(final bool) error {
		results, err := ReadResultsFile(resultsPath)
		if err != nil {
			if final {
				return err
			}
			// The file may not exist yet, or be in the middle of a write.
			klog.V(2).Infof("reading training results: %v", err)
			return nil
		}
		for _, r := range results[min(emitted, len(results)):] {
			state.Update(r.Epoch, r.Metrics, r.LossNames, r.LossItems, r.Elapsed-lastElapsed)
			lastElapsed = r.Elapsed
			emitted++
			if err = req.Hooks.EpochEnd(state); err != nil {
				return err
			}
		}
		return nil
	}

	var exitErr error
	for finished := false; !finished; {
		select {
		case <-watcher.Changed():
			if err = emitNewResults(false); err != nil {
				klog.Errorf("interrupting training: %v", err)
				cancelProc()
				<-proc.done
				watcher.Stop()
				return nil, err
			}
		case exitErr = <-proc.done:
			finished = true
		}
	}
	watcher.Stop()
	if ctx.Err() != nil {
		return nil, errors.Wrapf(ctx.Err(), "training interrupted")
	}
	if exitErr != nil {
		return nil, proc.exitError(exitErr, "training")
	}
	if err = emitNewResults(true); err != nil {
		return nil, err
	}
	if emitted == 0 {
		return nil, errors.Errorf("training finished without reporting any epoch in %q", resultsPath)
	}

	result := &train.Result{
		RunDir:         runDir,
		BestCheckpoint: filepath.Join(runDir, "weights", "best.pt"),
		LastCheckpoint: filepath.Join(runDir, "weights", "last.pt"),
		Final:          state.Clone(),
	}
	for _, checkpoint := range []string{result.BestCheckpoint, result.LastCheckpoint} {
		exists, err := fsutil.FileExists(checkpoint)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errors.Errorf("training finished but checkpoint %q was not created", checkpoint)
		}
	}
	if err = req.Hooks.End(state); err != nil {
		return nil, err
	}
	klog.Infof("training finished after %d epochs: best checkpoint in %q", state.Epoch, result.BestCheckpoint)
	return result, nil
}

// Validate implements train.Trainer: it runs the validation of the weights on the dataset's validation split,
// and parses the summary metrics printed by the tool.
func (t *Trainer) Validate(ctx context.Context, weights, dataConfig string) (map[string]float64, error) {
	tmpDir, err := os.MkdirTemp("", "detpipe-val-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary directory for validation")
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	proc, err := t.start(ctx, 0, "detect", "val",
		"model="+weights,
		"data="+dataConfig,
		"project="+tmpDir,
		"name=val",
		"exist_ok=True",
		"plots=False",
	)
	if err != nil {
		return nil, err
	}
	if err = proc.exitError(<-proc.done, "validation"); err != nil {
		return nil, err
	}
	metrics, err := parseValidationSummary(proc.output.String())
	if err != nil {
		return nil, errors.WithMessagef(err, "validating %q", weights)
	}
	return metrics, nil
}

// Predict runs the detection with the given weights on the source (an image or video file, or a camera index)
// and shows the results in a window. It blocks until the tool exits.
func (t *Trainer) Predict(ctx context.Context, weights, source, device string) error {
	args := []string{"detect", "predict", "model=" + weights, "source=" + source, "show=True"}
	if device != "" {
		args = append(args, "device="+device)
	}
	proc, err := t.start(ctx, numOutputLines, args...)
	if err != nil {
		return err
	}
	err = <-proc.done
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "prediction interrupted")
	}
	return proc.exitError(err, "prediction")
}
