// Package resetter restores quarantined virtualized workers to a clean
// state over SSH: it pushes the reset script, re-images the build
// environment, restarts the worker agent, and verifies it before the
// worker rejoins the fleet.
package resetter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/veldt/buildfarm/pkg/farm"
)

const (
	scriptPath   = "/tmp/buildfarm/reset_worker.sh"
	agentService = "buildfarm-worker"
)

// Logger is the minimal logging surface the resetter needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type Resetter struct {
	workers    *farm.Registry
	scriptBody []byte
	logger     Logger
	timeout    time.Duration
}

func New(workers *farm.Registry, script []byte, logger Logger) *Resetter {
	return &Resetter{
		workers:    workers,
		scriptBody: script,
		logger:     logger,
		timeout:    15 * time.Minute,
	}
}

// ResetAsync kicks off a reset in the background.
func (r *Resetter) ResetAsync(name string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Reset(ctx, name); err != nil {
			r.logger.Error("worker reset failed", "worker", name, "error", err)
		}
	}()
}

// Reset re-images one virtualized worker and returns it to the healthy
// pool. Non-virtualized workers cannot be reset remotely; they stay
// quarantined for an operator.
func (r *Resetter) Reset(ctx context.Context, name string) error {
	worker, ok := r.workers.Get(name)
	if !ok {
		return farm.ErrWorkerNotFound
	}
	if !worker.Virtualized {
		return fmt.Errorf("worker %s is not virtualized, manual intervention required", name)
	}
	if worker.Assigned != "" {
		return fmt.Errorf("worker %s still holds job %s", name, worker.Assigned)
	}

	r.logger.Info("resetting worker", "worker", name)
	if err := r.workers.SetHealth(name, farm.HealthQuarantined, "reset in progress"); err != nil {
		return err
	}

	if err := r.run(ctx, worker); err != nil {
		if hErr := r.workers.SetHealth(name, farm.HealthQuarantined, err.Error()); hErr != nil {
			r.logger.Error("record reset failure", "worker", name, "error", hErr)
		}
		return err
	}

	if err := r.workers.SetHealth(name, farm.HealthHealthy, ""); err != nil {
		return err
	}
	r.logger.Info("worker reset complete", "worker", name)
	return nil
}

func (r *Resetter) run(ctx context.Context, worker farm.Worker) error {
	addr := fmt.Sprintf("%s:%d", worker.Reset.Host, worker.Reset.Port)
	authMethods, err := buildAuthMethods(worker.Reset)
	if err != nil {
		return err
	}

	config := &ssh.ClientConfig{
		User:            worker.Reset.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("ssh dial failed: %w", err)
	}
	defer client.Close()

	if err := pushFile(client, scriptPath, r.scriptBody, 0o755); err != nil {
		return fmt.Errorf("upload reset script: %w", err)
	}

	steps := []struct {
		message string
		command string
	}{
		{"running reset script", "bash " + scriptPath},
		{"restarting worker agent", "systemctl restart " + agentService},
	}
	for _, step := range steps {
		r.logger.Info(step.message, "worker", worker.Name)
		if _, err := runCommand(ctx, client, step.command); err != nil {
			return fmt.Errorf("%s: %w", step.message, err)
		}
	}

	time.Sleep(3 * time.Second)
	status, err := runCommand(ctx, client, "systemctl is-active "+agentService)
	if err != nil {
		return fmt.Errorf("agent status check failed: %w", err)
	}
	if !strings.Contains(status, "active") {
		logs, _ := runCommand(ctx, client, "journalctl -u "+agentService+" --no-pager -n 50")
		return fmt.Errorf("agent inactive after reset: %s", logs)
	}
	return nil
}

func buildAuthMethods(access farm.ResetAccess) ([]ssh.AuthMethod, error) {
	authMethods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(access.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(access.Password); password != "" {
		authMethods = append(authMethods, ssh.Password(password))
	}
	if len(authMethods) > 0 {
		return authMethods, nil
	}

	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func pushFile(client *ssh.Client, remotePath string, data []byte, perm os.FileMode) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(dirName(remotePath)); err != nil {
		return err
	}

	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(perm)
}

func runCommand(ctx context.Context, client *ssh.Client, command string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

func dirName(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx == -1 {
		return "."
	}
	return path[:idx]
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	if path := strings.TrimSpace(os.Getenv("BUILDFARM_DEFAULT_SSH_KEY")); path != "" {
		data, err := os.ReadFile(expandHome(path))
		if err != nil {
			return nil, err
		}
		return ssh.ParsePrivateKey(data)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		candidate := filepath.Join(home, ".ssh", name)
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			continue
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
