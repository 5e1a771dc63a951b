package systemdunit

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"
)

// Manager drives a single user's systemd user instance over dbus.
// Unlike a package-level singleton connection, each Manager
// owns its own conn since the user-manager daemon talks to many
// different per-user buses over its lifetime.
type Manager struct {
	conn *systemddbus.Conn
}

// Connect dials the system manager bus. The user-manager daemon runs
// as root; it connects to the system bus and addresses per-user
// instances through uid-scoped unit names (user@<uid>.service) rather
// than bridging into each user's session bus.
func Connect(ctx context.Context) (*Manager, error) {
	conn, err := systemddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	return &Manager{conn: conn}, nil
}

// Close releases the dbus connection.
func (m *Manager) Close() {
	m.conn.Close()
}

// DaemonReload reloads unit files, required after WriteUnit before
// StartUnit will see a newly written service.
func (m *Manager) DaemonReload(ctx context.Context) error {
	return m.conn.ReloadContext(ctx)
}

// StartUnit starts unitName and waits for the job result on the
// completion channel, bounded by timeout.
func (m *Manager) StartUnit(ctx context.Context, unitName string, timeout time.Duration) error {
	ch := make(chan string, 1)
	_, err := m.conn.StartUnitContext(ctx, unitName, "replace", ch)
	if err != nil {
		return err
	}

	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("start %s: job result %q", unitName, result)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("start %s: timed out waiting for job", unitName)
	}
}

// EnableUnit enables unitName so it starts on the next boot/linger.
func (m *Manager) EnableUnit(ctx context.Context, unitPath string) error {
	_, _, err := m.conn.EnableUnitFilesContext(ctx, []string{unitPath}, false, true)
	return err
}

// EnableLinger enables systemd-logind linger for username, so that
// user@<uid>.service keeps running without an active login session.
// There is no dbus-exposed equivalent reachable from the system bus
// without first bridging into the user's own session bus, so this shells
// out — documented in DESIGN.md as the one CLI-exec exception.
func EnableLinger(ctx context.Context, username string) error {
	cmd := exec.CommandContext(ctx, "loginctl", "enable-linger", username)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("loginctl enable-linger %s: %w: %s", username, err, out)
	}
	return nil
}

// StartUserService starts user@<uid>.service on the system bus so the
// target user's systemd --user instance is running.
func StartUserService(ctx context.Context, conn *Manager, uid int, timeout time.Duration) error {
	return conn.StartUnit(ctx, fmt.Sprintf("user@%d.service", uid), timeout)
}
