// Package plugins runs the four collaborators as MCP server subprocesses
// and adapts their tools to the collab contracts. One subprocess per
// role, speaking newline-delimited JSON-RPC over stdin/stdout.
package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/internal/secrets"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// PluginConfig describes how to launch one collaborator subprocess.
type PluginConfig struct {
	Role    string            `json:"role"` // observer, classifier, fixer, notifier
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Secrets are vault keys resolved at launch and injected into the
	// subprocess environment under their own names.
	Secrets []string `json:"secrets,omitempty"`
}

// PluginStatus is one entry of the manager's status report.
type PluginStatus struct {
	Role      string `json:"role"`
	Status    string `json:"status"` // starting, healthy, unhealthy, crashed, stopped
	LastError string `json:"last_error,omitempty"`
	Restarts  int    `json:"restarts"`
}

// Manager owns the collaborator subprocesses: launch, MCP handshake,
// health checking, restart with backoff, and graceful shutdown.
type Manager struct {
	vault   secrets.Vault
	plugins map[string]*managedPlugin
	mu      sync.RWMutex
	logger  *slog.Logger

	callTimeout time.Duration
}

type managedPlugin struct {
	config PluginConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	cancel context.CancelFunc

	// callMu serializes request/response pairs on the pipe.
	callMu sync.Mutex
	nextID int64

	status   string
	errCount int
	lastErr  string
	restarts int
}

const (
	handshakeTimeout   = 10 * time.Second
	defaultCallTimeout = 30 * time.Second
	healthInterval     = 30 * time.Second
	healthMissLimit    = 3
	stopGrace          = 5 * time.Second
	maxRestartBackoff  = 60 * time.Second
)

// NewManager creates a manager. The vault may be nil when no plugin
// declares secrets.
func NewManager(vault secrets.Vault, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		vault:       vault,
		plugins:     make(map[string]*managedPlugin),
		logger:      logger,
		callTimeout: defaultCallTimeout,
	}
}

// Load starts a collaborator subprocess and performs the MCP handshake.
func (m *Manager) Load(ctx context.Context, config PluginConfig) error {
	m.mu.Lock()
	if _, exists := m.plugins[config.Role]; exists {
		m.mu.Unlock()
		return fmt.Errorf("plugin for role %q already loaded", config.Role)
	}
	m.mu.Unlock()

	env, err := m.buildEnv(ctx, config)
	if err != nil {
		return err
	}

	pluginCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(pluginCtx, config.Command, config.Args...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	mp := &managedPlugin{
		config: config,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		cancel: cancel,
		status: "starting",
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start plugin %q: %w", config.Role, err)
	}

	if err := m.handshake(mp); err != nil {
		cancel()
		_ = cmd.Process.Kill()
		return fmt.Errorf("handshake with plugin %q: %w", config.Role, err)
	}

	mp.status = "healthy"

	m.mu.Lock()
	m.plugins[config.Role] = mp
	m.mu.Unlock()

	go m.healthCheckLoop(pluginCtx, mp)

	m.logger.Info("plugin loaded",
		slog.String("role", config.Role),
		slog.String("command", config.Command),
	)
	return nil
}

// buildEnv assembles the subprocess environment: the parent's, then the
// configured overrides, then resolved secrets.
func (m *Manager) buildEnv(ctx context.Context, config PluginConfig) ([]string, error) {
	env := os.Environ()
	for k, v := range config.Env {
		env = append(env, k+"="+v)
	}
	for _, key := range config.Secrets {
		if m.vault == nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"plugin %q needs secret %q but no vault is configured", config.Role, key)
		}
		val, err := m.vault.Resolve(ctx, key)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"resolve secret %q for plugin %q", key, config.Role).WithCause(err)
		}
		env = append(env, key+"="+string(val))
	}
	return env, nil
}

// handshake sends the MCP initialize request and waits for the reply.
func (m *Manager) handshake(mp *managedPlugin) error {
	_, err := mp.roundTrip("initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "pr-checks-agent",
			"version": "1.0.0",
		},
	}, handshakeTimeout)
	return err
}

// CallTool invokes one tool on the role's subprocess and returns the
// tool result. The context deadline, if sooner, wins over the default
// call timeout.
func (m *Manager) CallTool(ctx context.Context, role, tool string, args any) (json.RawMessage, error) {
	m.mu.RLock()
	mp, ok := m.plugins[role]
	m.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnavailable, "no plugin loaded for role %q", role)
	}

	timeout := m.callTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return nil, ctx.Err()
	}

	result, err := mp.roundTrip("tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	}, timeout)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// roundTrip writes one JSON-RPC request and reads one response,
// serialized per plugin so concurrent callers cannot interleave frames.
func (mp *managedPlugin) roundTrip(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	mp.callMu.Lock()
	defer mp.callMu.Unlock()

	mp.nextID++
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      mp.nextID,
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	data = append(data, '\n')
	if _, err := mp.stdin.Write(data); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeUnavailable,
			"plugin %q pipe closed", mp.config.Role).WithCause(err)
	}

	type frame struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	done := make(chan any, 1) // *frame or error

	go func() {
		line, err := mp.stdout.ReadBytes('\n')
		if err != nil {
			done <- err
			return
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			done <- fmt.Errorf("decode response: %w", err)
			return
		}
		done <- &f
	}()

	select {
	case out := <-done:
		switch v := out.(type) {
		case error:
			return nil, schema.NewErrorf(schema.ErrCodeUnavailable,
				"plugin %q read failed", mp.config.Role).WithCause(v)
		case *frame:
			if len(v.Error) > 0 {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"plugin %q %s error: %s", mp.config.Role, method, string(v.Error))
			}
			return v.Result, nil
		}
		return nil, fmt.Errorf("unreachable")
	case <-time.After(timeout):
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"plugin %q %s timed out after %s", mp.config.Role, method, timeout)
	}
}

// healthCheckLoop watches the subprocess; three consecutive misses
// trigger a restart with exponential backoff.
func (m *Manager) healthCheckLoop(ctx context.Context, mp *managedPlugin) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ping(mp); err != nil {
				m.mu.Lock()
				mp.errCount++
				mp.lastErr = err.Error()
				count := mp.errCount
				if count >= healthMissLimit {
					mp.status = "unhealthy"
					m.mu.Unlock()
					m.logger.Warn("plugin unhealthy",
						slog.String("role", mp.config.Role),
						slog.Int("consecutive_errors", count),
					)
					m.restart(ctx, mp)
					return
				}
				m.mu.Unlock()
			} else {
				m.mu.Lock()
				mp.errCount = 0
				mp.status = "healthy"
				m.mu.Unlock()
			}
		}
	}
}

func (m *Manager) ping(mp *managedPlugin) error {
	if mp.cmd.ProcessState != nil {
		return fmt.Errorf("process exited")
	}
	_, err := mp.roundTrip("ping", map[string]any{}, handshakeTimeout)
	return err
}

// restart replaces a failed subprocess. Backoff: min(1s * 2^errors, 60s).
func (m *Manager) restart(ctx context.Context, mp *managedPlugin) {
	m.mu.Lock()
	errCount := mp.errCount
	restarts := mp.restarts + 1
	mp.status = "crashed"
	m.mu.Unlock()

	delay := time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(errCount)),
		float64(maxRestartBackoff),
	))

	m.logger.Info("restarting plugin",
		slog.String("role", mp.config.Role),
		slog.Duration("backoff", delay),
		slog.Int("restarts", restarts),
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	mp.cancel()
	if mp.cmd.Process != nil {
		_ = mp.cmd.Process.Kill()
	}

	m.mu.Lock()
	delete(m.plugins, mp.config.Role)
	m.mu.Unlock()

	if err := m.Load(ctx, mp.config); err != nil {
		m.logger.Error("failed to restart plugin",
			slog.String("role", mp.config.Role),
			slog.String("error", err.Error()),
		)
		return
	}

	m.mu.Lock()
	if np, ok := m.plugins[mp.config.Role]; ok {
		np.restarts = restarts
	}
	m.mu.Unlock()
}

// Stop gracefully stops one subprocess: stdin closed, then a bounded
// wait, then kill.
func (m *Manager) Stop(role string) error {
	m.mu.Lock()
	mp, ok := m.plugins[role]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin for role %q not found", role)
	}
	delete(m.plugins, role)
	m.mu.Unlock()

	mp.cancel()

	if mp.cmd.Process != nil {
		_ = mp.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- mp.cmd.Wait() }()

		select {
		case <-done:
		case <-time.After(stopGrace):
			_ = mp.cmd.Process.Kill()
			<-done
		}
	}

	mp.status = "stopped"
	m.logger.Info("plugin stopped", slog.String("role", role))
	return nil
}

// StopAll stops every managed subprocess.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	roles := make([]string, 0, len(m.plugins))
	for role := range m.plugins {
		roles = append(roles, role)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, role := range roles {
		if err := m.Stop(role); err != nil {
			lastErr = err
			m.logger.Error("failed to stop plugin",
				slog.String("role", role),
				slog.String("error", err.Error()),
			)
		}
	}
	return lastErr
}

// Status reports the state of every managed subprocess.
func (m *Manager) Status() map[string]PluginStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]PluginStatus, len(m.plugins))
	for role, mp := range m.plugins {
		out[role] = PluginStatus{
			Role:      role,
			Status:    mp.status,
			LastError: mp.lastErr,
			Restarts:  mp.restarts,
		}
	}
	return out
}
