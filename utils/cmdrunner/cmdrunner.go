package cmdrunner

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Runner executes an external administration tool and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type ExecRunnerOptions struct {
	Logger *zap.Logger

	// Echo copies the tool output to our own stdout/stderr as it is produced.
	Echo bool

	// Env is appended to the current process environment.
	Env []string
}

type ExecRunner struct {
	logger *zap.Logger
	echo   bool
	env    []string
}

var _ Runner = (*ExecRunner)(nil)

func NewExecRunner(opts ExecRunnerOptions) *ExecRunner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ExecRunner{
		logger: logger,
		echo:   opts.Echo,
		env:    opts.Env,
	}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}

	r.logger.Debug("running command", zap.String("cmd", strings.Join(cmd.Args, " ")))

	stdOut, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Wrap(err, "failed to open stdout pipe")
	}

	stdErr, err := cmd.StderrPipe()
	if err != nil {
		return "", errors.Wrap(err, "failed to open stderr pipe")
	}

	var outSink io.Writer = io.Discard
	var errSink io.Writer = io.Discard
	if r.echo {
		outSink = os.Stdout
		errSink = os.Stderr
	}

	pipeRdr, pipeWrt := io.Pipe()
	teeRdr := io.TeeReader(stdOut, pipeWrt)

	pipeBufRdr := bufio.NewReader(pipeRdr)
	var output strings.Builder
	outputWaitCh := make(chan struct{}, 1)
	go func() {
		for {
			line, _, err := pipeBufRdr.ReadLine()
			if err != nil {
				break
			}

			if output.Len() > 0 {
				output.WriteString("\n")
			}
			output.Write(line)
		}

		outputWaitCh <- struct{}{}
	}()

	go func() {
		_, _ = io.Copy(outSink, teeRdr)
		_ = pipeWrt.Close()
	}()

	var errOutput strings.Builder
	errWaitCh := make(chan struct{}, 1)
	go func() {
		_, _ = io.Copy(io.MultiWriter(errSink, &errOutput), stdErr)
		errWaitCh <- struct{}{}
	}()

	err = cmd.Start()
	if err != nil {
		_ = pipeWrt.Close()
		<-outputWaitCh
		return "", errors.Wrapf(err, "failed to start %s", name)
	}

	<-outputWaitCh
	<-errWaitCh

	err = cmd.Wait()
	if err != nil {
		return output.String(), &CommandError{
			Args:   cmd.Args,
			Stderr: strings.TrimSpace(errOutput.String()),
			Err:    err,
		}
	}

	return output.String(), nil
}

// CommandError is returned when the tool ran but exited unsuccessfully.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := "command `" + strings.Join(e.Args, " ") + "` failed: " + e.Err.Error()
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit status of a failed command, or -1 if err did not
// come from a command that ran to completion.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
