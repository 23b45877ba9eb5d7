package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked after a new configuration has been installed
type ReloadCallback func(oldConfig, newConfig *Config)

// Watcher reloads the .env file on change and swaps the settings snapshot
// served by a SettingsHolder.
type Watcher struct {
	envPath  string
	holder   *SettingsHolder
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mutex     sync.Mutex
	config    *Config
	callbacks []ReloadCallback
	running   bool

	ctx        context.Context
	cancel     context.CancelFunc
	reloadChan chan struct{}
	done       sync.WaitGroup
}

// NewWatcher creates a watcher for the file cfg was loaded from
func NewWatcher(cfg *Config, holder *SettingsHolder, logger *logrus.Logger) (*Watcher, error) {
	if cfg.EnvFile == "" {
		return nil, fmt.Errorf("configuration was not loaded from a file")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	debounce := cfg.HotReload.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		envPath:    cfg.EnvFile,
		holder:     holder,
		logger:     logger,
		watcher:    fsw,
		debounce:   debounce,
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
		reloadChan: make(chan struct{}, 1),
	}, nil
}

// OnReload registers a callback run after each successful reload
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching the file's directory
func (w *Watcher) Start() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.running {
		return fmt.Errorf("config watcher already started")
	}

	// Editors replace files on save, so the directory is watched
	if err := w.watcher.Add(filepath.Dir(w.envPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	w.running = true

	w.done.Add(2)
	go w.watchFiles()
	go w.handleReloads()

	w.logger.WithField("path", w.envPath).Info("Configuration watcher started")
	return nil
}

// Stop stops the watcher and waits for its goroutines
func (w *Watcher) Stop() {
	w.mutex.Lock()
	if !w.running {
		w.mutex.Unlock()
		return
	}
	w.running = false
	w.mutex.Unlock()

	w.cancel()
	w.watcher.Close()
	w.done.Wait()
	w.logger.Info("Configuration watcher stopped")
}

// Current returns the last installed configuration
func (w *Watcher) Current() *Config {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.config
}

func (w *Watcher) watchFiles() {
	defer w.done.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("File watcher panic recovered")
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.reloadChan <- struct{}{}:
				w.logger.WithField("op", event.Op.String()).Debug("Configuration reload triggered by file change")
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("File watcher error")
		}
	}
}

func (w *Watcher) handleReloads() {
	defer w.done.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.reloadChan:
		}

		// Coalesce bursts of writes
		select {
		case <-w.ctx.Done():
			return
		case <-time.After(w.debounce):
		}
		select {
		case <-w.reloadChan:
		default:
		}

		if err := w.Reload(); err != nil {
			w.logger.WithError(err).Error("Configuration reload failed, keeping previous settings")
		}
	}
}

// Reload re-reads the file and installs the new settings snapshot. The
// previous snapshot stays in place when the new file does not validate.
func (w *Watcher) Reload() error {
	if err := godotenv.Overload(w.envPath); err != nil {
		return fmt.Errorf("failed to read %s: %w", w.envPath, err)
	}

	newConfig, err := parse()
	if err != nil {
		return err
	}

	w.mutex.Lock()
	oldConfig := w.config
	newConfig.EnvFile = oldConfig.EnvFile
	if newConfig.SIP.LocalAddress == "" || newConfig.SIP.LocalAddress == "auto" {
		newConfig.SIP.LocalAddress = oldConfig.SIP.LocalAddress
	}
	w.mutex.Unlock()

	if err := validateConfig(w.logger, newConfig); err != nil {
		return err
	}

	settings := newConfig.Services
	w.holder.Swap(&settings)

	w.mutex.Lock()
	w.config = newConfig
	callbacks := append([]ReloadCallback(nil), w.callbacks...)
	w.mutex.Unlock()

	for _, cb := range callbacks {
		cb(oldConfig, newConfig)
	}

	w.logger.WithFields(logrus.Fields{
		"path":           w.envPath,
		"ringing_period": settings.RingingPeriod,
	}).Info("Configuration reloaded")
	return nil
}
