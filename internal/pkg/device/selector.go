// Package device locates the device nodes of the modem.
package device

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/pkg/log"
	"github.com/autopeer-io/modempeer/pkg/options"
)

// PortKind names a device node role.
type PortKind int

const (
	PortControl PortKind = iota
	PortAT
	PortBootloader
)

func (k PortKind) String() string {
	switch k {
	case PortControl:
		return "control"
	case PortAT:
		return "at"
	default:
		return "bootloader"
	}
}

// Selector answers where the module's ports currently are.
type Selector interface {
	DeviceType() string
	FindControlPort() (string, error)
	FindATPort() (string, error)
	FindBootloaderPort() (string, error)
	// WaitForPort checks up to polls times, interval apart, and returns as
	// soon as a matching node is created.
	WaitForPort(ctx context.Context, kind PortKind, interval time.Duration, polls int) (string, error)
	// Invalidate forgets every memoised lookup.
	Invalidate()
}

// GlobSelector resolves ports from configured glob patterns.
type GlobSelector struct {
	deviceType string
	patterns   map[PortKind]string

	mu    sync.Mutex
	cache map[PortKind]string
}

var _ Selector = (*GlobSelector)(nil)

func NewGlobSelector(o *options.DeviceOptions) *GlobSelector {
	return &GlobSelector{
		deviceType: o.DeviceType,
		patterns: map[PortKind]string{
			PortControl:    o.ControlGlob,
			PortAT:         o.ATGlob,
			PortBootloader: o.BootloaderGlob,
		},
		cache: make(map[PortKind]string),
	}
}

func (s *GlobSelector) DeviceType() string { return s.deviceType }

func (s *GlobSelector) FindControlPort() (string, error)    { return s.find(PortControl) }
func (s *GlobSelector) FindATPort() (string, error)         { return s.find(PortAT) }
func (s *GlobSelector) FindBootloaderPort() (string, error) { return s.find(PortBootloader) }

func (s *GlobSelector) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cache)
}

// find returns the lexically first match of the kind's pattern.
func (s *GlobSelector) find(kind PortKind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.cache[kind]; ok {
		return p, nil
	}

	pattern := s.patterns[kind]
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("%s pattern %q: %w", kind, pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no %s port matches %q: %w", kind, pattern, errdefs.ErrTransportUnavailable)
	}
	sort.Strings(matches)

	s.cache[kind] = matches[0]
	return matches[0], nil
}

func (s *GlobSelector) WaitForPort(ctx context.Context, kind PortKind, interval time.Duration, polls int) (string, error) {
	s.forget(kind)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.watch(watchCtx, cancel, kind)

	var port string
	timeout := interval * time.Duration(max(polls, 1))
	err := wait.PollUntilContextTimeout(watchCtx, interval, timeout, true, func(context.Context) (bool, error) {
		p, err := s.find(kind)
		if err != nil {
			return false, nil
		}
		port = p
		return true, nil
	})
	if port != "" {
		return port, nil
	}

	// A create event cancels the poll early.
	if p, ferr := s.find(kind); ferr == nil {
		return p, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", fmt.Errorf("%s port after %d polls: %v: %w", kind, polls, err, errdefs.ErrTimeout)
}

func (s *GlobSelector) forget(kind PortKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, kind)
}

// watch cancels the wait when a node matching kind appears. Without a
// watcher the poll alone bounds the wait.
func (s *GlobSelector) watch(ctx context.Context, found context.CancelFunc, kind PortKind) {
	pattern := s.patterns[kind]

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug("Port watch unavailable", "error", err.Error())
		return
	}
	if err := w.Add(filepath.Dir(pattern)); err != nil {
		log.Debug("Port watch unavailable", "dir", filepath.Dir(pattern), "error", err.Error())
		_ = w.Close()
		return
	}

	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) {
					continue
				}
				if ok, _ := filepath.Match(pattern, ev.Name); ok {
					log.Debug("Port appeared", "kind", kind.String(), "path", ev.Name)
					found()
					return
				}
			case <-w.Errors:
			case <-ctx.Done():
				return
			}
		}
	}()
}
