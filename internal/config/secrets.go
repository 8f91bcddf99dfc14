package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"uwgate/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// Secrets are the server-held values the gateway merges into upstream
// requests. They never leave the gateway.
type Secrets struct {
	TicketingClientSecret string
	TicketingPassword     string
	IDPClientSecret       string
	// SealingKey is nil when none is configured; the gateway then generates
	// an ephemeral one.
	SealingKey *[32]byte
}

// ResolveSecrets reads every secret from its *File path when one is set,
// falling back to the inline value.
func (c Config) ResolveSecrets() (Secrets, error) {
	var s Secrets
	var err error

	if s.TicketingClientSecret, err = readSecret(c.Ticketing.ClientSecret, c.Ticketing.ClientSecretFile); err != nil {
		return Secrets{}, err
	}
	if s.TicketingPassword, err = readSecret(c.Ticketing.Password, c.Ticketing.PasswordFile); err != nil {
		return Secrets{}, err
	}
	if s.IDPClientSecret, err = readSecret(c.IDP.ClientSecret, c.IDP.ClientSecretFile); err != nil {
		return Secrets{}, err
	}

	encoded, err := readSecret(c.Gateway.SealingKey, c.Gateway.SealingKeyFile)
	if err != nil {
		return Secrets{}, err
	}
	if encoded != "" {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(raw) != 32 {
			return Secrets{}, ValidationError{Field: "gateway.sealingKey", Message: "must be 32 bytes encoded as standard base64"}
		}
		var key [32]byte
		copy(key[:], raw)
		s.SealingKey = &key
	}
	return s, nil
}

func readSecret(inline, file string) (string, error) {
	if file == "" {
		return inline, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", file, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// secretFiles returns the configured secret file paths.
func (c Config) secretFiles() []string {
	var files []string
	for _, f := range []string{
		c.Ticketing.ClientSecretFile,
		c.Ticketing.PasswordFile,
		c.IDP.ClientSecretFile,
		c.Gateway.SealingKeyFile,
	} {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

// SecretSource holds the current Secrets and swaps them when the backing
// files change.
type SecretSource struct {
	cfg Config

	mu      sync.RWMutex
	current Secrets
}

// NewSecretSource resolves the secrets once. A failure here is a start-up
// error.
func NewSecretSource(cfg Config) (*SecretSource, error) {
	s, err := cfg.ResolveSecrets()
	if err != nil {
		return nil, err
	}
	return &SecretSource{cfg: cfg, current: s}, nil
}

// StaticSecrets wraps fixed secrets, mainly for tests.
func StaticSecrets(s Secrets) *SecretSource {
	return &SecretSource{current: s}
}

// Current returns the latest successfully resolved secrets.
func (s *SecretSource) Current() Secrets {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload re-reads all secret files. On failure the previous secrets are kept.
func (s *SecretSource) Reload() error {
	next, err := s.cfg.ResolveSecrets()
	if err != nil {
		logging.Warn("SecretSource", "Keeping previous secrets, reload failed: %v", err)
		return err
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	logging.Info("SecretSource", "Reloaded server secrets")
	return nil
}

// Files returns the secret files this source reads.
func (s *SecretSource) Files() []string {
	return s.cfg.secretFiles()
}

// DefaultDebounceInterval is how long the watcher waits after the last file
// event before reloading.
const DefaultDebounceInterval = 500 * time.Millisecond

// DefaultSecretPollInterval is the polling period used when fsnotify is
// unavailable.
const DefaultSecretPollInterval = 30 * time.Second

// SecretWatcherConfig holds configuration for the secret file watcher.
type SecretWatcherConfig struct {
	// Files are the secret files to watch. Their parent directories are
	// watched so that atomic symlink swaps (as done for mounted Kubernetes
	// secrets) are seen.
	Files []string

	// PollInterval is the fallback polling interval.
	PollInterval time.Duration

	// Debounce collapses bursts of events into one callback.
	Debounce time.Duration

	// OnChange is called after the debounce period.
	OnChange func()
}

// SecretWatcher triggers OnChange when any watched secret file changes.
type SecretWatcher struct {
	mu sync.Mutex

	config    SecretWatcherConfig
	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	lastModTimes map[string]time.Time

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewSecretWatcher creates a watcher; call Start to begin watching.
func NewSecretWatcher(config SecretWatcherConfig) *SecretWatcher {
	if config.PollInterval == 0 {
		config.PollInterval = DefaultSecretPollInterval
	}
	if config.Debounce == 0 {
		config.Debounce = DefaultDebounceInterval
	}
	return &SecretWatcher{
		config:       config,
		lastModTimes: make(map[string]time.Time),
	}
}

// WatchSecrets starts a watcher that reloads source whenever its files change.
// It returns nil when no secret is file-backed.
func WatchSecrets(source *SecretSource) (*SecretWatcher, error) {
	files := source.Files()
	if len(files) == 0 {
		return nil, nil
	}
	w := NewSecretWatcher(SecretWatcherConfig{
		Files: files,
		OnChange: func() {
			_ = source.Reload()
		},
	})
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}

// Start begins watching. It falls back to polling when fsnotify cannot be
// used for any of the directories.
func (w *SecretWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	w.stopCh = make(chan struct{})
	w.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("SecretWatcher", "fsnotify not available, falling back to polling: %v", err)
		go w.pollForChanges()
		return nil
	}

	for _, dir := range w.dirs() {
		if err := watcher.Add(dir); err != nil {
			logging.Warn("SecretWatcher", "Failed to watch directory %s, falling back to polling: %v", dir, err)
			watcher.Close()
			go w.pollForChanges()
			return nil
		}
	}
	w.fsWatcher = watcher

	go w.processEvents(watcher.Events, watcher.Errors)

	logging.Info("SecretWatcher", "Watching %d secret file(s) for changes", len(w.config.Files))
	return nil
}

func (w *SecretWatcher) dirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, f := range w.config.Files {
		d := filepath.Dir(f)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func (w *SecretWatcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("SecretWatcher", err, "fsnotify error")
		}
	}
}

func (w *SecretWatcher) handleEvent(event fsnotify.Event) {
	if !w.isRelevant(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	logging.Debug("SecretWatcher", "Secret file event: %s", event)
	w.triggerDebounced()
}

// isRelevant matches the watched files themselves and the "..data" style
// entries a projected volume swaps atomically.
func (w *SecretWatcher) isRelevant(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, "..") {
		return true
	}
	for _, f := range w.config.Files {
		if filepath.Clean(f) == filepath.Clean(name) {
			return true
		}
	}
	return false
}

func (w *SecretWatcher) triggerDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.config.Debounce, func() {
		w.mu.Lock()
		running := w.running
		callback := w.config.OnChange
		w.mu.Unlock()

		if running && callback != nil {
			callback()
		}
	})
}

func (w *SecretWatcher) pollForChanges() {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.checkForChanges()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.checkForChanges() {
				logging.Debug("SecretWatcher", "Secret file changes detected via polling")
				w.triggerDebounced()
			}
		}
	}
}

// checkForChanges records current mod times and reports whether any moved
// forward since the previous check.
func (w *SecretWatcher) checkForChanges() bool {
	changed := false
	for _, file := range w.config.Files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if last, ok := w.lastModTimes[file]; ok && mod.After(last) {
			changed = true
		}
		w.lastModTimes[file] = mod
	}
	return changed
}

// Stop stops the watcher and any pending reload.
func (w *SecretWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			logging.Warn("SecretWatcher", "Error closing fsnotify watcher: %v", err)
		}
		w.fsWatcher = nil
	}
	logging.Info("SecretWatcher", "Stopped secret watcher")
	return nil
}

// IsRunning reports whether the watcher is active.
func (w *SecretWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
