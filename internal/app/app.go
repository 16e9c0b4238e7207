// Package app wires the pipeline together: config, storage, throttle,
// classifier, buffer, scheduler, delivery and the Telegram channel, plus the
// cron triggers and systemd notifications.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"oppbot/internal/buffer"
	"oppbot/internal/classify"
	"oppbot/internal/config"
	"oppbot/internal/delivery"
	"oppbot/internal/report"
	"oppbot/internal/scheduler"
	"oppbot/internal/storage"
	"oppbot/internal/telegram"
	"oppbot/internal/throttle"
	logx "oppbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	db *storage.DB

	thr    *throttle.Service
	clf    *classify.Client
	buf    *buffer.Service
	queue  *delivery.Queue
	worker *delivery.Worker
	sched  *scheduler.Service
	tg     *telegram.Adapter
	rep    *report.Service

	cron *cron.Cron

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, rootLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log := rootLog.With(logx.String("comp", "app"))
	cfgm.SetLogger(rootLog.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, rootLog.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	thrCfg, err := throttleConfig(cfg)
	if err != nil {
		return nil, err
	}
	thr := throttle.New(thrCfg, rootLog.With(logx.String("comp", "throttle")))

	clfCfg, err := classifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	clf := classify.New(clfCfg, thr, rootLog.With(logx.String("comp", "classify")))

	buf := buffer.New(db, rootLog.With(logx.String("comp", "buffer")))

	delCfg, err := deliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	queue := delivery.NewQueue(delCfg, db, rootLog.With(logx.String("comp", "queue")))

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, buf, clf, queue, db,
		rootLog.With(logx.String("comp", "scheduler")))

	rep := report.New(pipelineStats{db}, thr, clf, sched, delCfg.Location)

	a := &App{
		cfgm:  cfgm,
		logs:  logSvc,
		log:   log,
		db:    db,
		thr:   thr,
		clf:   clf,
		buf:   buf,
		queue: queue,
		sched: sched,
		rep:   rep,
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	tg, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		ChatID:      cfg.Telegram.ChatID,
		PollTimeout: pollTimeout,
		SendGap:     sendGap(cfg.Telegram.RatePerSec),
	}, telegram.Handlers{
		Status:   a.statusText,
		Report:   func(ctx context.Context) string { return a.rep.Render(ctx) },
		Feedback: a.recordFeedback,
	}, rootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = db.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.tg = tg
	a.worker = delivery.NewWorker(delCfg, db, tg, rootLog.With(logx.String("comp", "worker")))
	queue.SetOnEnqueue(a.worker.Kick)

	return a, nil
}

// Offer hands one fetched item to the ingestion buffer. This is the only
// intake surface fetchers see.
func (a *App) Offer(ctx context.Context, it buffer.Item) (buffer.Result, error) {
	return a.buf.Offer(ctx, it)
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.runCtx, a.runCancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	if err := a.tg.Start(a.runCtx); err != nil {
		return err
	}
	a.worker.Start(a.runCtx)

	if err := a.startCron(cfg); err != nil {
		return err
	}

	go a.reloadLoop(a.runCtx)
	go func() {
		defer close(a.done)
		_ = a.cfgm.Watch(a.runCtx)
	}()
	go a.watchdogLoop(a.runCtx)

	// No-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.runCancel != nil {
		a.runCancel()
	}

	if a.cron != nil {
		// Stop returns once running jobs finish; bound it by ctx.
		select {
		case <-a.cron.Stop().Done():
		case <-ctx.Done():
			a.log.Warn("cron stop timed out")
		}
	}

	a.worker.Stop(ctx)
	_ = a.tg.Stop(ctx)

	if a.done != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}

	if err := a.db.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) startCron(cfg *config.Config) error {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Delivery.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("delivery.timezone: %w", err)
		}
		loc = l
	}
	a.cron = cron.New(cron.WithLocation(loc))

	tickMin, err := config.ParseDurationOrDefault("classifier.tick_min", cfg.Classifier.TickMin, 2*time.Minute)
	if err != nil {
		return err
	}
	tickMax, err := config.ParseDurationOrDefault("classifier.tick_max", cfg.Classifier.TickMax, 3*time.Minute)
	if err != nil {
		return err
	}
	a.cron.Schedule(scheduler.NewJitterSchedule(tickMin, tickMax), cron.FuncJob(func() {
		if err := a.sched.RunOnce(a.runCtx); err != nil {
			a.log.Warn("scheduler run failed", logx.Err(err))
		}
	}))

	if cfg.Report.Enabled {
		spec, err := dailyCronSpec(cfg.Report.DailyAt)
		if err != nil {
			return err
		}
		if _, err := a.cron.AddFunc(spec, a.sendDailyReport); err != nil {
			return err
		}
	}

	maxAge, err := config.ParseDurationOrDefault("retention.max_age", cfg.Retention.MaxAge, 60*24*time.Hour)
	if err != nil {
		return err
	}
	if maxAge > 0 {
		if _, err := a.cron.AddFunc("30 4 * * *", func() { a.retentionSweep(maxAge) }); err != nil {
			return err
		}
	}

	a.cron.Start()
	return nil
}

func (a *App) sendDailyReport() {
	ctx, cancel := context.WithTimeout(a.runCtx, time.Minute)
	defer cancel()
	if err := a.tg.Send(ctx, a.rep.Render(ctx), ""); err != nil {
		a.log.Warn("daily report send failed", logx.Err(err))
	}
}

func (a *App) retentionSweep(maxAge time.Duration) {
	ctx, cancel := context.WithTimeout(a.runCtx, time.Minute)
	defer cancel()
	cutoff := time.Now().Add(-maxAge)

	if n, err := a.db.PruneBuffer(ctx, cutoff); err != nil {
		a.log.Warn("buffer prune failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("buffer pruned", logx.Int64("rows", n))
	}
	if n, err := a.db.PruneOpportunities(ctx, cutoff); err != nil {
		a.log.Warn("opportunity prune failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("opportunities pruned", logx.Int64("rows", n))
	}
}

// statusText is the short /status answer; /report carries the full render.
func (a *App) statusText(ctx context.Context) string {
	buf, err := a.db.CountUnclassified(ctx)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	qd, err := a.db.Depth(ctx, time.Now())
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	sn := a.sched.Snapshot()
	return fmt.Sprintf("buffer %d · queue %d pending (%d locked) · drain %s",
		buf, qd.Pending, qd.Locked, sn.PlanState)
}

func (a *App) recordFeedback(ctx context.Context, postID, verdict string) error {
	switch verdict {
	case "good", "bad":
	default:
		return fmt.Errorf("verdict must be good or bad")
	}
	return a.db.SetFeedback(ctx, postID, verdict, time.Now())
}

// reloadLoop fans hot-reloaded configs out to the running services. A burst
// of file events keeps only the newest config.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
					continue
				default:
				}
				break
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if thrCfg, err := throttleConfig(cfg); err == nil {
		a.thr.Apply(thrCfg)
	} else {
		a.log.Warn("throttle config rejected", logx.Err(err))
	}
	if delCfg, err := deliveryConfig(cfg); err == nil {
		a.queue.Apply(delCfg)
		a.worker.Apply(delCfg)
	} else {
		a.log.Warn("delivery config rejected", logx.Err(err))
	}
	if schedCfg, err := schedulerConfig(cfg); err == nil {
		a.sched.Apply(schedCfg)
	} else {
		a.log.Warn("classifier config rejected", logx.Err(err))
	}
	a.log.Info("config applied")
}

// watchdogLoop pings systemd's watchdog at half the configured interval.
func (a *App) watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// pipelineStats adapts the store to the report's read interface.
type pipelineStats struct {
	db *storage.DB
}

func (p pipelineStats) BufferDepth(ctx context.Context) (int, error) {
	return p.db.CountUnclassified(ctx)
}

func (p pipelineStats) QueueDepth(ctx context.Context) (storage.QueueDepth, error) {
	return p.db.Depth(ctx, time.Now())
}

func (p pipelineStats) DayState(ctx context.Context, date string) (storage.DayState, error) {
	return p.db.GetDayState(ctx, date)
}

func sendGap(ratePerSec int) time.Duration {
	if ratePerSec <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(ratePerSec)
}

// dailyCronSpec converts "HH:MM" into a cron spec.
func dailyCronSpec(at string) (string, error) {
	if strings.TrimSpace(at) == "" {
		at = "21:00"
	}
	parts := strings.SplitN(at, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("report.daily_at: want HH:MM, got %q", at)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return "", fmt.Errorf("report.daily_at: bad hour in %q", at)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return "", fmt.Errorf("report.daily_at: bad minute in %q", at)
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}
