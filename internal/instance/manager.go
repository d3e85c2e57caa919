// Package instance provides PID-file-based singleton detection for the
// assignment daemon, generalized from the reference fleet monitor's
// Windows-only InstanceManager (which shelled out to tasklist/netstat) into
// a portable implementation using os.FindProcess and a zero-signal
// liveness probe, since this daemon targets Linux deployment by default.
package instance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// PIDFileData is the JSON payload written to the lock file.
type PIDFileData struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	HTTPAddr  string    `json:"http_addr"`
}

// Manager guards against running two daemon instances against the same
// database by way of a PID file colocated with it.
type Manager struct {
	pidFilePath string
}

// NewManager derives the PID file path from the database path, e.g.
// assigner.db -> assigner.db.pid.
func NewManager(dbPath string) *Manager {
	return &Manager{pidFilePath: dbPath + ".pid"}
}

// CheckExisting returns the running instance's PID file data if a live
// process still holds it, or nil if none does (stale PID files are
// silently reclaimed).
func (m *Manager) CheckExisting() (*PIDFileData, error) {
	data, err := m.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if isProcessAlive(data.PID) {
		return data, nil
	}
	_ = m.Remove()
	return nil, nil
}

// Write records the current process's PID file, failing if another live
// instance already holds one.
func (m *Manager) Write(httpAddr string) error {
	existing, err := m.CheckExisting()
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("another instance is already running (pid %d)", existing.PID)
	}

	data := &PIDFileData{PID: os.Getpid(), StartedAt: time.Now(), HTTPAddr: httpAddr}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode PID file: %w", err)
	}
	if dir := filepath.Dir(m.pidFilePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create PID file directory: %w", err)
		}
	}
	if err := os.WriteFile(m.pidFilePath, payload, 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Read parses the PID file without checking liveness.
func (m *Manager) Read() (*PIDFileData, error) {
	raw, err := os.ReadFile(m.pidFilePath)
	if err != nil {
		return nil, err
	}
	var data PIDFileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse PID file: %w", err)
	}
	return &data, nil
}

// Remove deletes the PID file, ignoring a not-exist error.
func (m *Manager) Remove() error {
	if err := os.Remove(m.pidFilePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// isProcessAlive sends signal 0 to pid, which performs existence and
// permission checks without actually delivering a signal.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
