// Package heartbeat implements the liveness file the arbiter and each
// worker share across the process boundary: the arbiter creates an
// unlinked temp file before spawning a worker, hands it to the child
// through os/exec's ExtraFiles (announced by the TPROXY_HEARTBEAT_FD
// environment variable, the same handoff idiom as the listener's
// TPROXY_FD), and polls its mtime from its own side of the same open file
// description — the Go rendering of the source's WorkerTmp, whose ctime
// survives a fork because the fd table is inherited rather than handed
// across exec.
package heartbeat

import (
	"fmt"
	"os"
	"time"
)

// FDEnvVar is the environment variable the arbiter sets to tell a freshly
// spawned worker which inherited fd is its heartbeat file.
const FDEnvVar = "TPROXY_HEARTBEAT_FD"

// Source is the arbiter's handle on one worker's heartbeat file: an
// *os.File to pass through ExtraFiles, plus the ability to poll ModTime.
type Source struct {
	f *os.File
}

// Create makes a new unlinked temp file to serve as a worker's heartbeat.
// The caller is responsible for adding File() to the child's ExtraFiles
// and setting FDEnvVar to the resulting fd number inside the child.
func Create() (*Source, error) {
	f, err := os.CreateTemp("", "tproxy-heartbeat-*")
	if err != nil {
		return nil, fmt.Errorf("heartbeat: create: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("heartbeat: unlink: %w", err)
	}
	return &Source{f: f}, nil
}

// File returns the underlying *os.File, to be placed in an exec.Cmd's
// ExtraFiles.
func (s *Source) File() *os.File { return s.f }

// ModTime reports when the worker last advanced this heartbeat.
func (s *Source) ModTime() (time.Time, error) {
	info, err := s.f.Stat()
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Close releases the arbiter's side of the heartbeat file.
func (s *Source) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	return s.f.Close()
}

// Sink is a worker's handle on its own heartbeat file, wrapping the fd it
// inherited from the arbiter at spawn time.
type Sink struct {
	f *os.File
}

// Open wraps the fd a worker inherited from its parent via ExtraFiles,
// identified by FDEnvVar.
func Open(fd uintptr) *Sink {
	return &Sink{f: os.NewFile(fd, "tproxy-heartbeat")}
}

// Notify advances the heartbeat's mtime, signaling liveness to the
// arbiter.
func (s *Sink) Notify() error {
	if _, err := s.f.WriteAt([]byte{0}, 0); err != nil {
		return err
	}
	return s.f.Sync()
}

// Close releases the worker's side of the heartbeat file.
func (s *Sink) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	return s.f.Close()
}
