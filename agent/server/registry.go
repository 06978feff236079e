package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/clickclack-bot/smolvm/agent/ociruntime"
)

// runRecord is written to containers/run/<id>.json when a container starts
// and removed once containers/exit/<id>.json is written, so a crash
// mid-run is visible on the next boot as a run/ entry with no matching
// exit/ entry.
type runRecord struct {
	ContainerID string    `json:"container_id"`
	Image       string    `json:"image"`
	Command     []string  `json:"command"`
	StartedAt   time.Time `json:"started_at"`
}

// exitRecord is written to containers/exit/<id>.json once the runtime
// returns, alongside the captured stdout/stderr under containers/logs/.
type exitRecord struct {
	ContainerID string    `json:"container_id"`
	ExitCode    int       `json:"exit_code"`
	TimedOut    bool      `json:"timed_out"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// registryEntry is one row of the flat containers/registry.json index, the
// guest-local equivalent of the host record store's append-on-mutation
// discipline: a durable audit trail of every run this guest has executed.
type registryEntry struct {
	ContainerID string    `json:"container_id"`
	Image       string    `json:"image"`
	ExitCode    int       `json:"exit_code"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

type registryFile struct {
	Containers []registryEntry `json:"containers"`
}

// ensureRegistry creates an empty registry.json if one doesn't already exist.
func ensureRegistry(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("server: stat registry: %w", err)
	}
	return atomicWriteJSON(path, registryFile{Containers: []registryEntry{}})
}

func (s *Server) recordRunStart(containerID, image string, command []string, startedAt time.Time) error {
	path := filepath.Join(s.containersDir, "run", containerID+".json")
	return atomicWriteJSON(path, runRecord{
		ContainerID: containerID,
		Image:       image,
		Command:     command,
		StartedAt:   startedAt,
	})
}

func (s *Server) recordRunFinish(containerID string, result ociruntime.Result, startedAt, finishedAt time.Time) error {
	exitPath := filepath.Join(s.containersDir, "exit", containerID+".json")
	if err := atomicWriteJSON(exitPath, exitRecord{
		ContainerID: containerID,
		ExitCode:    result.ExitCode,
		TimedOut:    result.TimedOut,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
	}); err != nil {
		return err
	}

	logsBase := filepath.Join(s.containersDir, "logs", containerID)
	if err := os.WriteFile(logsBase+".stdout", result.Stdout, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("server: write stdout log: %w", err)
	}
	if err := os.WriteFile(logsBase+".stderr", result.Stderr, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("server: write stderr log: %w", err)
	}

	runPath := filepath.Join(s.containersDir, "run", containerID+".json")
	if err := os.Remove(runPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("server: remove run record: %w", err)
	}
	return nil
}

func (s *Server) appendRegistry(entry registryEntry) error {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()

	var reg registryFile
	data, err := os.ReadFile(s.registryPath) //nolint:gosec
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: read registry: %w", err)
		}
	} else if err := json.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("server: parse registry: %w", err)
	}

	reg.Containers = append(reg.Containers, entry)
	return atomicWriteJSON(s.registryPath, reg)
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("server: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
