// Package app wires the dispatcher, auto-replies, operator console and HTTP
// API into one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"autobot/internal/autoreply"
	"autobot/internal/config"
	"autobot/internal/contacts"
	"autobot/internal/control"
	"autobot/internal/dispatch"
	"autobot/internal/eventbus"
	"autobot/internal/httpapi"
	"autobot/internal/llm"
	"autobot/internal/runtime/supervisor"
	"autobot/internal/scheduler"
	"autobot/internal/storage"
	"autobot/internal/transport/bridge"
	"autobot/internal/transport/telegram"
	"autobot/pkg/logx"
)

const (
	jobPruneRetries    = "ledger.prune"
	jobPruneBroadcasts = "broadcasts.prune"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	contacts   *contacts.Directory
	bridge     *bridge.Client
	replies    *autoreply.Responder
	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Service

	bot     *telegram.Adapter // nil when telegram is disabled
	console *control.Console
	api     *httpapi.Server // nil when http is disabled

	updates chan telegram.Message
}

func NewApp(cfgPath string) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	bus := eventbus.New()

	dir := contacts.NewDirectory(store)
	if err := dir.Load(ctx); err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}

	bcfg, err := mapBridgeConfig(cfg)
	if err != nil {
		return nil, err
	}
	wa := bridge.New(bcfg)

	lcfg, err := mapLLMConfig(cfg)
	if err != nil {
		return nil, err
	}
	replies := autoreply.New(mapAutoReplyConfig(cfg), store, llm.New(lcfg), root, bus)
	if err := replies.Load(ctx); err != nil {
		return nil, fmt.Errorf("load auto-replies: %w", err)
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, dispatch.Deps{
		Contacts:   dir,
		Transport:  wa,
		Log:        root,
		Bus:        bus,
		Broadcasts: store,
		Retries:    store,
	})

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		contacts:   dir,
		bridge:     wa,
		replies:    replies,
		dispatcher: disp,
		sched:      scheduler.New(mapSchedulerConfig(cfg), root),
		updates:    make(chan telegram.Message, 256),
	}
	if err := a.registerJobs(cfg); err != nil {
		return nil, err
	}

	if cfg.Telegram.Enabled {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		bot, err := telegram.New(tcfg, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		logSvc.SetSender(bot)
		a.bot = bot
		a.console = control.New(control.Config{Owners: cfg.Telegram.OwnerUserIDs}, control.Deps{
			Messenger:  bot,
			Dispatcher: disp,
			Contacts:   dir,
			AI:         replies,
			Audit:      store,
			Log:        root,
		})
	}

	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.api = httpapi.New(hcfg, httpapi.Deps{
			Contacts:   dir,
			Dispatcher: disp,
			Replies:    replies,
			Replier:    wa,
			Bus:        bus,
			Audit:      store,
			Log:        root,
		})
	}
	return a, nil
}

func (a *App) registerJobs(cfg *config.Config) error {
	spec := cfg.Maintenance.PruneSchedule
	err := a.sched.Add(jobPruneRetries, spec, 30*time.Second, func(context.Context) error {
		if n := a.dispatcher.PruneRetries(); n > 0 {
			a.log.Info("retry records pruned", logx.Int("count", n))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("maintenance.prune_schedule: %w", err)
	}
	err = a.sched.Add(jobPruneBroadcasts, spec, 30*time.Second, func(context.Context) error {
		if n := a.dispatcher.PruneHistory(); n > 0 {
			a.log.Info("broadcast history pruned", logx.Int("count", n))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("maintenance.prune_schedule: %w", err)
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.dispatcher.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	if a.bot != nil {
		if err := a.bot.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		if err := a.bot.SetCommands(a.console.Menu()); err != nil {
			a.log.Warn("telegram command menu not set", logx.Err(err))
		}
		a.sup.Go("control.console", func(c context.Context) error {
			return a.console.Run(c, a.updates)
		})
	}

	if a.api != nil {
		a.sup.Go("http.api", a.api.Run)
	}

	a.sup.Go0("bridge.probe", func(c context.Context) {
		pctx, cancel := context.WithTimeout(c, 5*time.Second)
		defer cancel()
		state, err := a.bridge.Status(pctx)
		if err != nil {
			a.log.Warn("whatsapp bridge unreachable", logx.Err(err))
			return
		}
		a.log.Info("whatsapp bridge reachable", logx.String("state", state))
	})

	// event trail for debugging; the websocket feed subscribes on its own
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Bool("telegram", a.bot != nil),
		logx.Bool("http", a.api != nil),
		logx.Int("contacts", len(a.contacts.List())),
	)
	return nil
}

// applyConfig pushes a reloaded config to the live components. Settings
// that are bound at construction are only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if pending := restartRequired(oldCfg, newCfg); len(pending) > 0 {
		a.log.Warn("config changed; restart required for these settings", logx.Strings("settings", pending))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if dcfg, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatcher.Apply(dcfg)
	}

	a.sched.Apply(mapSchedulerConfig(newCfg))
	if oldCfg == nil || oldCfg.Maintenance.PruneSchedule != newCfg.Maintenance.PruneSchedule {
		if err := a.registerJobs(newCfg); err != nil {
			a.log.Warn("maintenance jobs not rescheduled", logx.Err(err))
		}
	}

	a.replies.Apply(mapAutoReplyConfig(newCfg))
	if a.console != nil {
		a.console.SetOwners(newCfg.Telegram.OwnerUserIDs)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
		} else {
			stepCtx, cancel = context.WithCancel(ctx)
			cancel()
		}
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// intake first, then the dispatcher, storage last
	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dispatcher", 5*time.Second, a.dispatcher.Stop)
	step("supervisor", 6*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// restartRequired lists the changed settings that components read only once.
func restartRequired(oldCfg, newCfg *config.Config) []string {
	if oldCfg == nil {
		return nil
	}
	var out []string
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout {
		out = append(out, "telegram")
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		out = append(out, "http")
	}
	if oldCfg.Bridge != newCfg.Bridge {
		out = append(out, "bridge")
	}
	oa, na := oldCfg.AI, newCfg.AI
	if oa.BaseURL != na.BaseURL || oa.Model != na.Model || oa.Timeout != na.Timeout {
		out = append(out, "ai.model")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Dispatch.QueueSize != newCfg.Dispatch.QueueSize {
		out = append(out, "dispatch.queue_size")
	}
	return out
}
