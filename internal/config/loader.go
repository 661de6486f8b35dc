package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variable overrides. If configFile is empty, it searches the standard
// locations for mcp-router.yaml/.yml.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("mcp-router")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MCP_ROUTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("listen.http.port", "PORT")
}

// findConfigFile searches standard locations for an mcp-router config file
// with an explicit extension, so Viper never matches the binary itself.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcp-router"),
		"/etc/mcp-router",
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first mcp-router.yaml/.yml/.json found
// under paths, or empty string if none exist.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml", ".json"} {
			path := filepath.Join(dir, "mcp-router"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// LoadConfig reads the configuration file strictly (unknown top-level keys
// are rejected), normalizes the upstream map alias, fills in defaults, and
// validates cross-references. This is the single entry point used at
// startup and on every reload.
func LoadConfig() (*NormalizedConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg NormalizedConfig
	if err := viper.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config (unknown keys are rejected): %w", err)
	}

	cfg.NormalizeUpstreams()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path of the config file that was loaded, or
// empty string if none was found (env-vars-only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// Ref is an atomically-swappable, single-writer/many-reader pointer to the
// current config snapshot. Readers call Load() once per operation and use
// that snapshot for the lifetime of the operation, even if a newer
// snapshot is published mid-call.
type Ref struct {
	p atomic.Pointer[NormalizedConfig]
}

// NewRef creates a Ref seeded with the given snapshot.
func NewRef(cfg *NormalizedConfig) *Ref {
	r := &Ref{}
	r.p.Store(cfg)
	return r
}

// Load returns the current snapshot.
func (r *Ref) Load() *NormalizedConfig {
	return r.p.Load()
}

// Store atomically replaces the current snapshot. Never call this with a
// partially-validated config; LoadConfig always returns either a fully
// valid config or an error.
func (r *Ref) Store(cfg *NormalizedConfig) {
	r.p.Store(cfg)
}

// Watcher debounces filesystem change events on the config file and
// reloads it, publishing successful reloads through Ref and notifying
// subscribers. On a reload failure it logs a warning and keeps serving the
// last good config rather than ever serving a partial one.
type Watcher struct {
	ref      *Ref
	path     string
	logger   *slog.Logger
	debounce time.Duration
	onReload func(*NormalizedConfig)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for the config file backing ref. onReload,
// if non-nil, is invoked after every successful reload (used to signal the
// upstream manager's reconciler). debounce defaults to 50ms.
func NewWatcher(ref *Ref, path string, logger *slog.Logger, onReload func(*NormalizedConfig)) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watcher: no config file path (env-vars-only mode cannot be hot-reloaded)")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	// Watch the containing directory, not the file itself: editors that
	// replace the file (rename-over-write) emit events on the directory,
	// not a long-lived inode watch on the original file.
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch config directory %s: %w", dir, err)
	}

	return &Watcher{
		ref:      ref,
		path:     path,
		logger:   logger,
		debounce: 50 * time.Millisecond,
		onReload: onReload,
		watcher:  fsw,
		done:     make(chan struct{}),
	}, nil
}

// Run blocks, debouncing file events and reloading on settle, until ctx is
// cancelled or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	absPath, _ := filepath.Abs(w.path)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			evAbs, _ := filepath.Abs(ev.Name)
			if evAbs != absPath {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-timerC:
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig()
	if err != nil {
		w.logger.Warn("config reload failed, keeping last good config", "error", err)
		return
	}
	w.ref.Store(cfg)
	w.logger.Info("config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop stops the watcher and releases its filesystem handle.
func (w *Watcher) Stop() {
	close(w.done)
	_ = w.watcher.Close()
}
