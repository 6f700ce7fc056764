package renewsched

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/certd/pkg/certerrors"
	"github.com/cuemby/certd/pkg/certevents"
	metrics "github.com/cuemby/certd/pkg/certmetrics"
	"github.com/cuemby/certd/pkg/lifecycle"
	"github.com/cuemby/certd/pkg/registry"
)

// defaultDebounceWindow absorbs rename-in-place sequences: events for a
// path only settle after a 200ms quiet window.
const defaultDebounceWindow = 200 * time.Millisecond

var skippedDirNames = map[string]bool{"backups": true, "archive": true}

// Config configures a new Scheduler.
type Config struct {
	Registry *registry.Registry
	Pipeline *lifecycle.Pipeline
	CertsDir string
	CronSpec string        // "" disables the cron trigger
	Debounce time.Duration // watcher quiet window; 0 means the 200ms default
	Logger   zerolog.Logger
}

// Scheduler runs the cron and filesystem-watch triggers that drive
// automatic renewal sweeps.
type Scheduler struct {
	reg            *registry.Registry
	pipeline       *lifecycle.Pipeline
	certsDir       string
	debounceWindow time.Duration
	logger         zerolog.Logger

	cronMu    sync.Mutex
	cron      *cron.Cron
	cronID    cron.EntryID
	cronSpec  string
	scheduled bool

	watcher *fsnotify.Watcher

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	sweepMu    sync.Mutex
	sweeping   bool
	sweepAgain bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler. Call Start to begin running its triggers.
func New(cfg Config) (*Scheduler, error) {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounceWindow
	}
	s := &Scheduler{
		reg:            cfg.Registry,
		pipeline:       cfg.Pipeline,
		certsDir:       cfg.CertsDir,
		debounceWindow: debounce,
		logger:         cfg.Logger,
		cron:           cron.New(cron.WithParser(cronParser)),
		debounceTimers: make(map[string]*time.Timer),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	if cfg.CronSpec != "" {
		if err := s.SetCronSpec(cfg.CronSpec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// cronParser accepts both the traditional 5-field expression and a
// 6-field expression with a leading seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// SetCronSpec validates and (re)schedules the cron trigger. Passing "" is
// idempotent disable; passing the same spec twice is a no-op.
func (s *Scheduler) SetCronSpec(spec string) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if spec == s.cronSpec && s.scheduled == (spec != "") {
		return nil
	}
	if spec == "" {
		if s.scheduled {
			s.cron.Remove(s.cronID)
			s.scheduled = false
		}
		s.cronSpec = ""
		return nil
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return certerrors.Wrap(certerrors.BadInput, "invalid cron expression", err)
	}
	if s.scheduled {
		s.cron.Remove(s.cronID)
	}
	id, err := s.cron.AddFunc(spec, func() { s.triggerSweep(context.Background()) })
	if err != nil {
		return certerrors.Wrap(certerrors.BadInput, "schedule cron expression", err)
	}
	s.cronID = id
	s.cronSpec = spec
	s.scheduled = true
	return nil
}

// NextRun reports the cron trigger's next scheduled firing, if enabled.
func (s *Scheduler) NextRun() (time.Time, bool) {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if !s.scheduled {
		return time.Time{}, false
	}
	for _, e := range s.cron.Entries() {
		if e.ID == s.cronID {
			return e.Next, true
		}
	}
	return time.Time{}, false
}

// Start begins the cron scheduler (if configured) and the recursive
// filesystem watcher, both running until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return certerrors.Wrap(certerrors.IOError, "create filesystem watcher", err)
	}
	s.watcher = w
	if err := addWatchesRecursive(w, s.certsDir); err != nil {
		return err
	}

	go s.watchLoop(ctx)
	return nil
}

// Stop halts both triggers and waits for the watch loop to exit.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	close(s.stopCh)
	if s.watcher != nil {
		s.watcher.Close()
	}
	<-s.doneCh
}

func (s *Scheduler) watchLoop(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ctx, event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("filesystem watcher error")
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) handleEvent(ctx context.Context, event fsnotify.Event) {
	if shouldIgnorePath(s.certsDir, event.Name) {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if isDir, err := statIsDir(event.Name); err == nil && isDir {
			_ = addWatchesRecursive(s.watcher, event.Name)
		}
	}
	metrics.WatcherEventsTotal.Inc()
	s.debounce(ctx, event.Name)
}

func (s *Scheduler) debounce(ctx context.Context, path string) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if t, ok := s.debounceTimers[path]; ok {
		t.Stop()
	}
	s.debounceTimers[path] = time.AfterFunc(s.debounceWindow, func() {
		s.debounceMu.Lock()
		delete(s.debounceTimers, path)
		s.debounceMu.Unlock()
		s.onSettledChange(ctx, path)
	})
}

// onSettledChange runs once a path's events have quieted down: it maps the
// path to a fingerprint if one already manages that file, else forces a
// full rescan so new or removed certificates are picked up.
func (s *Scheduler) onSettledChange(ctx context.Context, path string) {
	if fp := s.lookupFingerprintForPath(path); fp != "" {
		s.reg.NotifyChanged(fp, certevents.KindUpdate)
	} else {
		s.reg.Invalidate(nil)
	}
	s.triggerSweep(ctx)
}

func (s *Scheduler) lookupFingerprintForPath(path string) string {
	for _, cert := range s.reg.GetAll() {
		for _, p := range cert.Paths {
			if p == path {
				return cert.Fingerprint
			}
		}
	}
	return ""
}

// TriggerSweep runs a renewal sweep on demand (POST /renewal/check),
// coalescing with any sweep already in progress the same way the cron
// trigger and the filesystem watcher do.
func (s *Scheduler) TriggerSweep(ctx context.Context) {
	s.triggerSweep(ctx)
}

// triggerSweep runs a renewal sweep. Sweeps are serialized: a trigger
// arriving while one is in progress is coalesced into a single extra pass
// once the current sweep finishes.
func (s *Scheduler) triggerSweep(ctx context.Context) {
	s.sweepMu.Lock()
	if s.sweeping {
		s.sweepAgain = true
		s.sweepMu.Unlock()
		return
	}
	s.sweeping = true
	s.sweepMu.Unlock()

	for {
		s.runSweep(ctx)

		s.sweepMu.Lock()
		if !s.sweepAgain {
			s.sweeping = false
			s.sweepMu.Unlock()
			return
		}
		s.sweepAgain = false
		s.sweepMu.Unlock()
	}
}

// runSweep enqueues createOrRenew for every certificate eligible for
// automatic renewal: autoRenew=true, isCA=false, and within its renewal
// window.
func (s *Scheduler) runSweep(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	if err := s.reg.LoadAll(ctx, false); err != nil {
		s.logger.Warn().Err(err).Msg("renewal sweep: reload failed")
		return
	}

	now := time.Now()
	for _, cert := range s.reg.GetAll() {
		if !cert.Config.AutoRenew || cert.IsCA {
			continue
		}
		daysLeft := cert.DaysUntilExpiry(now)
		if daysLeft >= cert.Config.RenewDaysBeforeExpiry {
			continue
		}
		if _, err := s.pipeline.CreateOrRenew(ctx, cert.Fingerprint, lifecycle.Options{}); err != nil {
			s.logger.Error().Str("fingerprint", cert.Fingerprint).Err(err).Msg("scheduled renewal failed")
		}
	}
}

func shouldIgnorePath(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") || skippedDirNames[strings.ToLower(part)] {
			return true
		}
	}
	return false
}

func addWatchesRecursive(w *fsnotify.Watcher, root string) error {
	return walkDirs(root, func(dir string) error {
		return w.Add(dir)
	})
}
