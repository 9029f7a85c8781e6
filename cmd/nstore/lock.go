package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/kk-code-lab/nstore/internal/app"
)

// A store folder caches statuses in memory, so only one process may change
// it at a time. Writers hold a lock file refreshed by a heartbeat; a lock
// whose heartbeat went stale is taken over.
const (
	lockFilename        = ".nstore.lock"
	heartbeatInterval   = 5 * time.Second
	heartbeatStaleAfter = 15 * time.Second
	heartbeatFileMode   = 0o644
	heartbeatTempSuffix = ".tmp"
)

type lockHeartbeat struct {
	PID         int       `json:"pid"`
	Command     string    `json:"command"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	Version     string    `json:"version"`
	Commit      string    `json:"commit"`
}

type heartbeatStatus struct {
	Path    string
	ModTime time.Time
	Fresh   bool
	Data    lockHeartbeat
	HasData bool
}

type storeLock struct {
	path     string
	command  string
	started  time.Time
	stop     chan struct{}
	done     chan struct{}
	interval time.Duration
}

func lockPath(root string) string {
	return filepath.Join(root, lockFilename)
}

func readHeartbeatStatus(root string) (heartbeatStatus, error) {
	path := lockPath(root)
	info, err := os.Stat(path)
	if err != nil {
		return heartbeatStatus{}, err
	}
	status := heartbeatStatus{
		Path:    path,
		ModTime: info.ModTime(),
		Fresh:   time.Since(info.ModTime()) <= heartbeatStaleAfter,
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &status.Data); err == nil {
			status.HasData = true
		}
	}
	return status, nil
}

func acquireStoreLock(root, command string) (*storeLock, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := lockPath(root)
	if status, err := readHeartbeatStatus(root); err == nil {
		if status.Fresh {
			return nil, formatLockConflict(status)
		}
		_ = os.Remove(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, heartbeatFileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			if status, err := readHeartbeatStatus(root); err == nil && status.Fresh {
				return nil, formatLockConflict(status)
			}
		}
		return nil, err
	}
	_ = f.Close()
	l := &storeLock{
		path:     path,
		command:  command,
		started:  time.Now().UTC(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		interval: heartbeatInterval,
	}
	if err := l.writeHeartbeat(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	go l.loop()
	return l, nil
}

func (l *storeLock) loop() {
	ticker := time.NewTicker(l.interval)
	defer func() {
		ticker.Stop()
		close(l.done)
	}()
	for {
		select {
		case <-ticker.C:
			_ = l.writeHeartbeat()
		case <-l.stop:
			return
		}
	}
}

func (l *storeLock) writeHeartbeat() error {
	payload := lockHeartbeat{
		PID:         os.Getpid(),
		Command:     l.command,
		StartedAt:   l.started,
		HeartbeatAt: time.Now().UTC(),
		Version:     app.Version,
		Commit:      app.BuildCommit,
	}
	data, err := json.Marshal(&payload)
	if err != nil {
		return err
	}
	tempPath := l.path + heartbeatTempSuffix
	if err := os.WriteFile(tempPath, data, heartbeatFileMode); err != nil {
		return err
	}
	return os.Rename(tempPath, l.path)
}

func (l *storeLock) Release() {
	if l == nil {
		return
	}
	close(l.stop)
	<-l.done
	_ = os.Remove(l.path)
}

func formatLockConflict(status heartbeatStatus) error {
	if status.HasData {
		return fmt.Errorf("store is in use (pid=%d command=%s heartbeat=%s)",
			status.Data.PID,
			status.Data.Command,
			status.ModTime.UTC().Format(time.RFC3339),
		)
	}
	return fmt.Errorf("store is in use (lock updated %s)",
		status.ModTime.UTC().Format(time.RFC3339),
	)
}
