package manager

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// child tracks a spawned agent server process.
type child struct {
	cmd    *exec.Cmd
	waitCh chan error
}

// spawnServer launches the agent server on the given port with an environment
// that disables interactive credential prompts and isolates its config and
// data directories under the manager home.
func (m *Manager) spawnServer(port int) (*child, error) {
	args := append(append([]string{}, m.cfg.Args...), "--port", strconv.Itoa(port))
	cmd := exec.Command(m.cfg.Command, args...)

	stateDir := filepath.Join(m.homeDir, "server")
	for _, sub := range []string{"config", "data"} {
		if err := os.MkdirAll(filepath.Join(stateDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create server state dir: %w", err)
		}
	}

	cmd.Env = append(os.Environ(),
		"CI=true",
		"NO_COLOR=1",
		"TERM=dumb",
		"XDG_CONFIG_HOME="+filepath.Join(stateDir, "config"),
		"XDG_DATA_HOME="+filepath.Join(stateDir, "data"),
	)

	logPath := filepath.Join(m.homeDir, "logs", "server.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create server log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open server log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("spawn %s: %w", m.cfg.Command, err)
	}

	c := &child{cmd: cmd, waitCh: make(chan error, 1)}
	go func() {
		c.waitCh <- cmd.Wait()
		logFile.Close()
	}()

	m.logger.Info("agent server spawned",
		"command", m.cfg.Command, "pid", cmd.Process.Pid, "port", port)
	return c, nil
}

// terminate sends SIGTERM, waits out the grace period, and SIGKILLs a child
// that is still running. Only ever called in spawn mode; attach-mode
// processes are not ours to signal.
func (c *child) terminate(grace time.Duration) {
	if c == nil || c.cmd.Process == nil {
		return
	}
	_ = c.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-c.waitCh:
		return
	case <-time.After(grace):
	}
	_ = c.cmd.Process.Kill()
	<-c.waitCh
}

// pid returns the child's process id, or 0 when no process is attached.
func (c *child) pid() int {
	if c == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}
