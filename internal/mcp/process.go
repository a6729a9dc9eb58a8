package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/async"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/logging"
)

// ProcessConfig configures a tool-provider child process: a fixed argv
// and a filtered environment limited to the provider's declared needs
// (spec §6, "filtered environment whose keys are limited to the
// provider's declared needs").
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// ProcessManager owns one tool-provider subprocess's lifecycle: spawn,
// write, line-read, graceful-then-forced shutdown, and exit monitoring.
type ProcessManager struct {
	command string
	args    []string
	env     []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	running bool

	logger      logging.Logger
	restartChan chan struct{}
	stopChan    chan struct{}
	waitDone    chan error
}

// NewProcessManager builds a ProcessManager for one provider.
func NewProcessManager(cfg ProcessConfig, logger logging.Logger) *ProcessManager {
	pm := &ProcessManager{
		command:     cfg.Command,
		args:        cfg.Args,
		logger:      logging.OrNop(logger),
		restartChan: make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
	}
	for k, v := range cfg.Env {
		pm.env = append(pm.env, fmt.Sprintf("%s=%s", k, v))
	}
	return pm
}

// Start spawns the child process and begins monitoring its stderr and
// exit in the background.
func (pm *ProcessManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("mcp: process already running")
	}

	pm.stopChan = make(chan struct{})
	pm.waitDone = make(chan error, 1)

	resolved, err := resolveExecutable(pm.command)
	if err != nil {
		return err
	}

	pm.cmd = exec.CommandContext(ctx, resolved, pm.args...)
	pm.cmd.Env = pm.env

	if pm.stdin, err = pm.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	if pm.stdout, err = pm.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if pm.stderr, err = pm.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("mcp: stderr pipe: %w", err)
	}

	if err := pm.cmd.Start(); err != nil {
		return fmt.Errorf("mcp: start process: %w", err)
	}
	pm.running = true
	pm.logger.Info("started tool provider process command=%s pid=%d", pm.command, pm.cmd.Process.Pid)

	async.Go(pm.logger, "mcp.monitorStderr", pm.monitorStderr)
	async.Go(pm.logger, "mcp.monitorExit", pm.monitorExit)

	return nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("mcp: command is required")
	}
	if strings.ContainsRune(trimmed, 0) {
		return "", fmt.Errorf("mcp: command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("mcp: command not found: %w", err)
	}
	return resolved, nil
}

// Stop gracefully shuts the process down: writes a zero-length line (the
// documented shutdown terminator, spec §6), then closes stdin, then
// waits up to timeout before force-killing.
func (pm *ProcessManager) Stop(timeout time.Duration) error {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return nil
	}
	pm.running = false
	stopChan := pm.stopChan
	waitDone := pm.waitDone
	cmd := pm.cmd
	stdin := pm.stdin
	pm.mu.Unlock()

	if stdin != nil {
		_, _ = stdin.Write([]byte("\n"))
		_ = stdin.Close()
	}
	if stopChan != nil {
		close(stopChan)
	}

	select {
	case <-waitDone:
		return nil
	case <-time.After(timeout):
		pm.logger.Warn("graceful shutdown timed out, killing process")
		if cmd != nil && cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				return fmt.Errorf("mcp: kill process: %w", err)
			}
		}
		return nil
	}
}

// Write sends one already-newline-terminated envelope to the child's
// stdin.
func (pm *ProcessManager) Write(data []byte) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.running || pm.stdin == nil {
		return fmt.Errorf("mcp: process not running")
	}
	if _, err := pm.stdin.Write(data); err != nil {
		return fmt.Errorf("mcp: write stdin: %w", err)
	}
	return nil
}

// Stdout exposes the raw stdout reader for the caller's own scanner loop,
// matching the teacher's single-reader-per-process convention.
func (pm *ProcessManager) Stdout() io.ReadCloser {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stdout
}

// IsRunning reports whether the process is currently alive from this
// manager's perspective.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// RestartChannel signals when the process has exited unexpectedly and
// needs a caller-driven reconnect.
func (pm *ProcessManager) RestartChannel() <-chan struct{} {
	return pm.restartChan
}

func (pm *ProcessManager) monitorStderr() {
	if pm.stderr == nil {
		return
	}
	scanner := bufio.NewScanner(pm.stderr)
	for scanner.Scan() {
		select {
		case <-pm.stopChan:
			return
		default:
			pm.logger.Debug("[provider stderr] %s", scanner.Text())
		}
	}
}

func (pm *ProcessManager) monitorExit() {
	if pm.cmd == nil {
		return
	}
	err := pm.cmd.Wait()

	pm.mu.Lock()
	waitDone := pm.waitDone
	wasRunning := pm.running
	pm.running = false
	pm.mu.Unlock()

	select {
	case waitDone <- err:
	default:
	}

	if wasRunning {
		if err != nil {
			pm.logger.Error("tool provider process exited unexpectedly: %v", err)
		} else {
			pm.logger.Warn("tool provider process exited unexpectedly with no error")
		}
		select {
		case pm.restartChan <- struct{}{}:
		default:
		}
	}
}
