package fleet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

type WorkerStatus byte

const (
	WorkerStarting WorkerStatus = iota
	WorkerReady
	WorkerExited
)

// Printed by a worker process on stdout once its listener is bound. The
// supervisor treats the first occurrence as the one-shot readiness signal.
const ReadySentinel = "armada-worker-ready"

// A long-lived process capable of hosting many sessions. Identity (id,
// port) is stable across restarts so routing stays valid.
type Worker struct {
	Id   int
	Port int

	mutex  deadlock.Mutex
	status WorkerStatus
}

func (worker *Worker) Log() zerolog.Logger {
	return log.With().Int("worker", worker.Id).Logger()
}

func (worker *Worker) GetStatus() WorkerStatus {
	worker.mutex.Lock()
	defer worker.mutex.Unlock()
	return worker.status
}

func (worker *Worker) setStatus(status WorkerStatus) {
	worker.mutex.Lock()
	worker.status = status
	worker.mutex.Unlock()
}

func (worker *Worker) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", worker.Port)
}

// RunFunc runs one worker process until it exits. Implementations call
// ready exactly once, when the worker is serving.
type RunFunc func(ctx context.Context, worker *Worker, ready func()) error

// ProcessRunner forks the given binary with the `worker` subcommand and
// supervises it. extraEnv carries the fleet secret and serialized
// configuration to the child.
func ProcessRunner(binary string, extraEnv []string) RunFunc {
	return func(ctx context.Context, worker *Worker, ready func()) error {
		logger := worker.Log()

		cmd := exec.CommandContext(
			ctx,
			binary,
			"worker",
			"--id", strconv.Itoa(worker.Id),
			"--port", strconv.Itoa(worker.Port),
		)
		cmd.Env = append(os.Environ(), extraEnv...)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return err
		}

		if err := cmd.Start(); err != nil {
			logger.Error().Err(err).Msg("failed to start worker")
			return err
		}

		logger.Info().Msg("worker started")

		tailPipe := func(pipe io.ReadCloser, done chan bool) {
			scanner := bufio.NewScanner(pipe)
			for scanner.Scan() {
				logger.Info().Msg(scanner.Text())
			}
			done <- true
		}

		stdoutEOF := make(chan bool, 1)
		stderrEOF := make(chan bool, 1)

		go func(pipe io.ReadCloser, done chan bool) {
			scanner := bufio.NewScanner(pipe)

			for scanner.Scan() {
				message := scanner.Text()

				if strings.HasPrefix(message, ReadySentinel) {
					ready()
					continue
				}

				logger.Info().Msg(message)
			}
			done <- true
		}(stdout, stdoutEOF)

		go tailPipe(stderr, stderrEOF)

		<-stdoutEOF
		<-stderrEOF

		state, err := cmd.Process.Wait()
		if err != nil {
			// state may be nil here; there is nothing to inspect.
			logger.Error().Err(err).Msg("failed to reap worker process")
			return err
		}

		exitCode := state.ExitCode()
		if exitCode != 0 {
			unixStatus := state.Sys().(syscall.WaitStatus)

			logger.Error().
				Int("exitStatus", unixStatus.ExitStatus()).
				Bool("exited", unixStatus.Exited()).
				Bool("signaled", unixStatus.Signaled()).
				Str("signal", unixStatus.Signal().String()).
				Msgf("worker %d exited with code %d", worker.Id, exitCode)

			return fmt.Errorf("worker exited with code %d", exitCode)
		}

		logger.Info().Msg("worker exited")
		return nil
	}
}
