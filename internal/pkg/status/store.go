// Package status persists the update counters as key=value lines.
package status

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/autopeer-io/modempeer/pkg/log"
)

// Keys of the persisted status file.
const (
	KeyRetryCount     = "fw_update_retry_count"
	KeyHwResetCount   = "hw_reset_count"
	KeyNeedRetry      = "need_retry"
	KeyLastErrorCode  = "last_error_code"
	KeyProgress       = "progress"
	KeyState          = "state"
	KeyUpdateStarted  = "update_started"
	KeyUpdateFinished = "update_finished"
)

// Values maps keys to their textual value.
type Values map[string]string

// Int returns the integer value of key, or 0 when absent or malformed.
func (v Values) Int(key string) int {
	n, err := strconv.Atoi(v[key])
	if err != nil {
		return 0
	}
	return n
}

func (v Values) SetInt(key string, n int) {
	v[key] = strconv.Itoa(n)
}

// Bool is true for "1" and "true".
func (v Values) Bool(key string) bool {
	b, _ := strconv.ParseBool(v[key])
	return b
}

func (v Values) SetBool(key string, b bool) {
	if b {
		v[key] = "1"
	} else {
		v[key] = "0"
	}
}

// Store is the single in-process owner of the status file. Writers replace
// the file with a rename so readers and a crash only ever see a complete
// file. Processes serialise on an flock of a sibling ".lock" file, which
// keeps its inode across renames.
type Store struct {
	path string

	mu     sync.Mutex
	values Values
}

// Open loads path, creating its directory. A missing file is an empty store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create status dir: %w", err)
	}
	s := &Store{path: path, values: Values{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// lock takes an flock of kind how on the lock file and returns its release.
func (s *Store) lock(how int) (func(), error) {
	f, err := os.OpenFile(s.path+".lock", os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open status lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock status file: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// read parses the status file. A missing file is empty.
func (s *Store) read() (Values, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Values{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open status file: %w", err)
	}
	defer f.Close()
	return parse(f)
}

// Reload re-reads the file under a shared lock.
func (s *Store) Reload() error {
	unlock, err := s.lock(unix.LOCK_SH)
	if err != nil {
		return err
	}
	defer unlock()

	values, err := s.read()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the cached values.
func (s *Store) Snapshot() Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Values, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *Store) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *Store) Int(key string) int {
	return s.Snapshot().Int(key)
}

// Set writes a single key.
func (s *Store) Set(key, value string) error {
	return s.Update(func(v Values) { v[key] = value })
}

// Update applies fn to the current file content and replaces the file
// under an exclusive lock.
func (s *Store) Update(fn func(Values)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	values, err := s.read()
	if err != nil {
		return err
	}
	fn(values)

	if err := rewrite(s.path, values); err != nil {
		return err
	}
	s.values = values
	return nil
}

func parse(r io.Reader) (Values, error) {
	values := Values{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		k, v, ok := strings.Cut(text, "=")
		if !ok || k == "" {
			log.Warn("Skipping malformed status line", "line", line)
			continue
		}
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read status file: %w", err)
	}
	return values, nil
}

// rewrite writes values to a temp file next to path, syncs it and renames
// it over path.
func rewrite(path string, values Values) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, values[k])
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create status temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write status file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod status file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close status file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace status file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
