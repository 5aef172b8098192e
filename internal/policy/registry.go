// Package policy holds the versioned privacy policy and chat disclaimer.
//
// The registry is loaded from a YAML document at start and may be reloaded
// while serving. Readers always see a complete snapshot; a reload that fails
// to parse, or that moves the policy version backwards, leaves the current
// snapshot in place.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var (
	// ErrVersionRegression is returned when a reload lowers the policy version.
	ErrVersionRegression = errors.New("policy: version must not decrease")
	// ErrInvalidDocument is returned for a document without a usable policy.
	ErrInvalidDocument = errors.New("policy: invalid document")
)

// document is the on-disk layout.
type document struct {
	Policy struct {
		Version int    `yaml:"version"`
		Title   string `yaml:"title"`
		Content string `yaml:"content"`
	} `yaml:"policy"`
	Disclaimer struct {
		Version int    `yaml:"version"`
		Text    string `yaml:"text"`
	} `yaml:"disclaimer"`
}

// Snapshot is an immutable view of the loaded document.
type Snapshot struct {
	PolicyVersion     int       `json:"policy_version"`
	PolicyTitle       string    `json:"policy_title"`
	PolicyContent     string    `json:"policy_content"`
	DisclaimerVersion int       `json:"disclaimer_version"`
	DisclaimerText    string    `json:"-"`
	LoadedAt          time.Time `json:"loaded_at"`
}

// HasDisclaimer reports whether disclaimer text is loaded.
func (s Snapshot) HasDisclaimer() bool {
	return s.DisclaimerText != ""
}

// Registry serves the current snapshot.
type Registry struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex // serializes reloads
	cur atomic.Pointer[Snapshot]
}

// Load reads path and returns a registry serving it.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{path: path, logger: logger}
	snap, err := readFile(path)
	if err != nil {
		return nil, err
	}
	r.cur.Store(snap)
	return r, nil
}

// NewStatic returns a registry with a fixed snapshot that cannot be reloaded.
func NewStatic(s Snapshot) *Registry {
	r := &Registry{logger: slog.Default()}
	if s.LoadedAt.IsZero() {
		s.LoadedAt = time.Now().UTC()
	}
	r.cur.Store(&s)
	return r
}

// Current returns the active snapshot.
func (r *Registry) Current() Snapshot {
	return *r.cur.Load()
}

// Reload re-reads the document and swaps it in.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := readFile(r.path)
	if err != nil {
		return err
	}
	prev := r.cur.Load()
	if next.PolicyVersion < prev.PolicyVersion {
		return fmt.Errorf("%w: %d -> %d", ErrVersionRegression, prev.PolicyVersion, next.PolicyVersion)
	}
	r.cur.Store(next)

	r.logger.Info("policy reloaded",
		slog.Int("policy_version", next.PolicyVersion),
		slog.Int("disclaimer_version", next.DisclaimerVersion),
	)
	return nil
}

// Watch reloads the document whenever its file changes until ctx is done.
// The directory is watched so editors that replace the file are picked up.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(r.path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", r.path, err)
	}
	filename := filepath.Base(absPath)
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				if err := r.Reload(); err != nil {
					r.logger.Error("policy reload rejected", slog.String("error", err.Error()))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("policy watcher error", slog.String("error", err.Error()))
		}
	}
}

func readFile(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Snapshot, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Policy.Version < 1 {
		return nil, fmt.Errorf("%w: policy.version must be at least 1", ErrInvalidDocument)
	}
	if strings.TrimSpace(doc.Policy.Content) == "" {
		return nil, fmt.Errorf("%w: policy.content is empty", ErrInvalidDocument)
	}

	return &Snapshot{
		PolicyVersion:     doc.Policy.Version,
		PolicyTitle:       strings.TrimSpace(doc.Policy.Title),
		PolicyContent:     strings.TrimSpace(doc.Policy.Content),
		DisclaimerVersion: doc.Disclaimer.Version,
		DisclaimerText:    strings.TrimSpace(doc.Disclaimer.Text),
		LoadedAt:          time.Now().UTC(),
	}, nil
}
