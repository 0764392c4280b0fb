package profile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jzx17/taskpool/pkg/types"
)

// Config contains configuration for the profile manager
type Config struct {
	// Root is the directory profiles are created under
	Root string

	// TemplatePath is an optional read-only base template cloned into new
	// profiles. Empty means profiles start empty.
	TemplatePath string

	// MaxProfiles caps concurrently active profiles
	MaxProfiles int

	// CopyTimeBudget is the soft budget for template cloning; exceeding it
	// yields a partial copy with a warning
	CopyTimeBudget time.Duration

	// ExcludeSubpaths are template-relative path prefixes skipped during
	// cloning (caches, logs)
	ExcludeSubpaths []string

	// LockMarkers are file names always stripped from clones
	LockMarkers []string

	// CleanupRetries bounds removal retries for transiently locked files
	CleanupRetries int

	// Breaker configures the copy circuit breaker (optional)
	Breaker *BreakerConfig

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock

	// Logger for structured logging (optional, defaults to slog.Default)
	Logger *slog.Logger
}

// DefaultConfig returns default profile manager configuration
func DefaultConfig(root string) *Config {
	return &Config{
		Root:           root,
		MaxProfiles:    8,
		CopyTimeBudget: 30 * time.Second,
		ExcludeSubpaths: []string{
			"Cache", "Code Cache", "GPUCache", "logs", "Crashpad",
		},
		LockMarkers:    []string{"SingletonLock", "SingletonCookie", "SingletonSocket", "lockfile", ".parentlock"},
		CleanupRetries: 3,
		Clock:          types.NewRealClock(),
	}
}

// Profile describes one isolated execution context
type Profile struct {
	// Path is the profile directory
	Path string

	// WorkerID is the exclusive owner
	WorkerID string

	// CreatedAt is when the profile was created
	CreatedAt time.Time

	// LastAccessed is when the profile was last validated or created
	LastAccessed time.Time

	// Valid is the cached result of the last structural validation
	Valid bool

	// SizeBytes is the last measured size, if measured
	SizeBytes int64
}

// Stats is a snapshot of manager state
type Stats struct {
	ActiveProfiles int
	MaxProfiles    int
	TotalSizeBytes int64
	BreakerOpen    bool
	TemplatePath   string
}

// Manager creates, validates and destroys per-worker profiles. A profile
// directory is never shared by two workers concurrently, and the number
// of active profiles never exceeds MaxProfiles.
type Manager struct {
	config  *Config
	breaker *CircuitBreaker
	clock   types.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	profiles map[string]*Profile // worker ID -> profile
}

// NewManager creates a profile manager
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("profile manager config must not be nil")
	}
	if config.Root == "" {
		return nil, fmt.Errorf("profile root must be set")
	}
	if config.MaxProfiles <= 0 {
		return nil, fmt.Errorf("max profiles must be positive, got %d", config.MaxProfiles)
	}
	if config.Clock == nil {
		config.Clock = types.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.CleanupRetries <= 0 {
		config.CleanupRetries = 3
	}
	if config.CopyTimeBudget <= 0 {
		config.CopyTimeBudget = 30 * time.Second
	}

	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create profile root %s: %w", config.Root, err)
	}

	breakerConfig := config.Breaker
	if breakerConfig == nil {
		breakerConfig = DefaultBreakerConfig()
	}
	if breakerConfig.Clock == nil {
		breakerConfig.Clock = config.Clock
	}

	return &Manager{
		config:   config,
		breaker:  NewCircuitBreaker(breakerConfig),
		clock:    config.Clock,
		logger:   config.Logger,
		profiles: make(map[string]*Profile),
	}, nil
}

// Create allocates a profile directory for the worker. With force, an
// existing profile for the same worker is destroyed first; without it,
// duplicate ownership is a conflict. Template copy failures degrade to an
// empty profile rather than failing creation.
//
// The slot is reserved under the lock but the template copy runs outside
// it, so validation and cleanup of other profiles are not blocked for the
// duration of a slow clone.
func (m *Manager) Create(workerID string, force bool) (string, error) {
	m.mu.Lock()
	if _, exists := m.profiles[workerID]; exists {
		if !force {
			m.mu.Unlock()
			return "", types.NewProfileError(types.ProfileConflict, workerID,
				fmt.Errorf("worker already owns a profile"))
		}
		m.cleanupLocked(workerID)
	}

	if len(m.profiles) >= m.config.MaxProfiles {
		active := len(m.profiles)
		m.mu.Unlock()
		return "", types.NewCapacityError("profiles", active, m.config.MaxProfiles)
	}

	now := m.clock.Now()
	dir := filepath.Join(m.config.Root, fmt.Sprintf("profile-%s-%d", workerID, now.UnixNano()))
	// reserve the slot so the conflict and capacity checks keep holding
	// while the directory is populated
	m.profiles[workerID] = &Profile{
		Path:      dir,
		WorkerID:  workerID,
		CreatedAt: now,
	}
	m.mu.Unlock()

	if err := m.populate(workerID, dir); err != nil {
		os.RemoveAll(dir)
		m.mu.Lock()
		if p, ok := m.profiles[workerID]; ok && p.Path == dir {
			delete(m.profiles, workerID)
		}
		m.mu.Unlock()
		return "", err
	}

	m.mu.Lock()
	p, ok := m.profiles[workerID]
	if !ok || p.Path != dir {
		// concurrently cleaned up while populating
		m.mu.Unlock()
		os.RemoveAll(dir)
		return "", types.ErrProfileNotFound
	}
	p.LastAccessed = m.clock.Now()
	p.Valid = true
	active := len(m.profiles)
	m.mu.Unlock()

	m.logger.Info("profile created",
		"worker_id", workerID,
		"path", dir,
		"active_profiles", active)

	return dir, nil
}

// populate builds the profile directory: create it, clone the template
// through the breaker, then verify writability with a one-shot self-heal.
func (m *Manager) populate(workerID, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return types.NewProfileError(classifyFsError(err), workerID, err)
	}

	if m.config.TemplatePath != "" {
		if m.breaker.Allow() {
			if err := m.cloneTemplate(dir); err != nil {
				m.breaker.RecordFailure()
				m.logger.Warn("template copy failed, continuing with empty profile",
					"worker_id", workerID,
					"template", m.config.TemplatePath,
					"error", err)
			} else {
				m.breaker.RecordSuccess()
			}
		} else {
			m.logger.Warn("template copy skipped",
				"worker_id", workerID,
				"error", types.ErrBreakerOpen)
		}
	}

	if err := probe(dir); err != nil {
		// self-heal once: recreate empty
		m.logger.Warn("profile failed validation, recreating empty",
			"worker_id", workerID,
			"path", dir,
			"error", err)
		os.RemoveAll(dir)
		if mkErr := os.MkdirAll(dir, 0o700); mkErr != nil {
			return types.NewProfileError(classifyFsError(mkErr), workerID, mkErr)
		}
		if err = probe(dir); err != nil {
			return types.NewProfileError(types.ProfileCorrupted, workerID, err)
		}
	}
	return nil
}

// Validate checks existence, access and structural integrity of the
// worker's profile and updates the cached validity flag.
func (m *Manager) Validate(workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[workerID]
	if !ok {
		return false
	}

	p.LastAccessed = m.clock.Now()
	info, err := os.Stat(p.Path)
	p.Valid = err == nil && info.IsDir() && probe(p.Path) == nil
	return p.Valid
}

// Cleanup removes the worker's profile directory with bounded retries for
// transiently locked files. Bookkeeping is always dropped, even when
// filesystem removal partially fails. It never returns an error; the
// return value reports whether the directory is fully gone.
func (m *Manager) Cleanup(workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked(workerID)
}

func (m *Manager) cleanupLocked(workerID string) bool {
	p, ok := m.profiles[workerID]
	if !ok {
		return true
	}
	defer delete(m.profiles, workerID)

	var err error
	for attempt := 1; attempt <= m.config.CleanupRetries; attempt++ {
		if err = os.RemoveAll(p.Path); err == nil {
			m.logger.Debug("profile removed", "worker_id", workerID, "path", p.Path)
			return true
		}
		m.clock.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}

	m.logger.Warn("profile removal incomplete",
		"path", p.Path,
		"error", types.NewProfileError(types.ProfileCleanupFailed, workerID, err))
	return false
}

// CleanupAll removes every active profile and returns how many were
// fully removed
func (m *Manager) CleanupAll() int {
	m.mu.Lock()
	workerIDs := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		workerIDs = append(workerIDs, id)
	}
	m.mu.Unlock()

	removed := 0
	for _, id := range workerIDs {
		if m.Cleanup(id) {
			removed++
		}
	}
	return removed
}

// Path returns the profile directory for the worker
func (m *Manager) Path(workerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[workerID]
	if !ok {
		return "", types.ErrProfileNotFound
	}
	return p.Path, nil
}

// Size measures the worker's profile directory
func (m *Manager) Size(workerID string) (int64, error) {
	m.mu.Lock()
	p, ok := m.profiles[workerID]
	m.mu.Unlock()
	if !ok {
		return 0, types.ErrProfileNotFound
	}

	size, err := dirSize(p.Path)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	p.SizeBytes = size
	m.mu.Unlock()
	return size, nil
}

// Stats returns a snapshot of manager state
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		ActiveProfiles: len(m.profiles),
		MaxProfiles:    m.config.MaxProfiles,
		TemplatePath:   m.config.TemplatePath,
		BreakerOpen:    m.breaker.IsOpen(),
	}
	for _, p := range m.profiles {
		st.TotalSizeBytes += p.SizeBytes
	}
	return st
}

// Breaker exposes the copy circuit breaker
func (m *Manager) Breaker() *CircuitBreaker {
	return m.breaker
}

// cloneTemplate copies the template tree into dst, skipping excluded
// subpaths and lock markers. The copy stops with a warning once the soft
// time budget is exceeded, leaving a usable partial profile.
func (m *Manager) cloneTemplate(dst string) error {
	template := m.config.TemplatePath
	if _, err := os.Stat(template); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return types.NewProfileError(types.ProfileTemplateLocked, "", err)
		}
		return fmt.Errorf("stat template: %w", err)
	}

	deadline := m.clock.Now().Add(m.config.CopyTimeBudget)
	partial := false

	err := filepath.WalkDir(template, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(template, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if m.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && m.isLockMarker(d.Name()) {
			return nil
		}

		if m.clock.Now().After(deadline) {
			partial = true
			return filepath.SkipAll
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		return copyFile(path, target)
	})
	if err != nil {
		return err
	}

	if partial {
		m.logger.Warn("template copy exceeded time budget, profile is partial",
			"template", template,
			"budget", m.config.CopyTimeBudget)
	}
	return nil
}

func (m *Manager) excluded(rel string) bool {
	for _, prefix := range m.config.ExcludeSubpaths {
		if rel == prefix || strings.HasPrefix(rel, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (m *Manager) isLockMarker(name string) bool {
	for _, marker := range m.config.LockMarkers {
		if name == marker {
			return true
		}
	}
	return false
}

// probe verifies the directory is structurally usable with a write test
func probe(dir string) error {
	probePath := filepath.Join(dir, ".probe")
	if err := os.WriteFile(probePath, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("write probe: %w", err)
	}
	if _, err := os.ReadFile(probePath); err != nil {
		return fmt.Errorf("read probe: %w", err)
	}
	return os.Remove(probePath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

func classifyFsError(err error) types.ProfileErrorKind {
	switch {
	case errors.Is(err, os.ErrPermission):
		return types.ProfilePermissionDenied
	case errors.Is(err, syscall.ENOSPC):
		return types.ProfileDiskFull
	default:
		return types.ProfileCreateFailed
	}
}
