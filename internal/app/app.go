package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"discquiz/internal/clock"
	"discquiz/internal/commands"
	"discquiz/internal/config"
	"discquiz/internal/delivery"
	"discquiz/internal/dispatch"
	"discquiz/internal/leaderboard"
	"discquiz/internal/notifier"
	rtsup "discquiz/internal/runtime/supervisor"
	"discquiz/internal/schedule"
	"discquiz/internal/storage"
	"discquiz/internal/task/engine"
	kit "discquiz/internal/transport"
	telegram "discquiz/internal/transport/telegram/adapter"
	"discquiz/internal/transport/telegram/router"
	logx "discquiz/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	adapter *telegram.Adapter
	clock   *clock.System
	quiz    *quizSource

	reg      *schedule.Service
	engine   *engine.Service
	notif    *notifier.Service
	delivery *delivery.Handler
	dispatch *dispatch.Engine
	board    *leaderboard.Publisher
	router   *router.Router

	updates chan kit.Update
}

// NewApp loads the config and wires every component. Nothing runs until
// Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Start with the Telegram sink off: Apply warns when it is enabled
	// without a target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(logTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	ad.SetLogger(root.With(logx.String("comp", "telegram")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	loc, err := clock.LoadLocation(cfg.Quiz.Timezone)
	if err != nil {
		return fail(err)
	}
	clk := clock.NewSystem(loc)

	reg, err := schedule.Open(ctx, store, root.With(logx.String("comp", "schedule")))
	if err != nil {
		return fail(fmt.Errorf("load schedules: %w", err))
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	engineSvc := engine.New(engCfg, root.With(logx.String("comp", "taskengine")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	notifSvc := notifier.New(ncfg, ad, store, root.With(logx.String("comp", "notifier")))

	apiTimeout, deliveryTimeout, err := mapQuizTimeouts(cfg)
	if err != nil {
		return fail(err)
	}
	qs := newQuizSource(cfg.Quiz.APIURL, apiTimeout)

	handler := delivery.New(qs, ad, store, qs,
		delivery.WithLogger(root.With(logx.String("comp", "delivery"))),
		delivery.WithRulesURL(cfg.Quiz.RulesPageURL),
	)

	disp := dispatch.New(clk, reg, handler,
		dispatch.WithLogger(root.With(logx.String("comp", "dispatch"))),
		dispatch.WithTasks(engineSvc),
		dispatch.WithMarks(store),
		dispatch.WithDeliveryTimeout(deliveryTimeout),
	)

	board, err := leaderboard.New(mapLeaderboardConfig(cfg), leaderboard.Deps{
		Clock:  clk,
		Scores: qs,
		Names:  ad,
		Chats:  reg,
		Out:    notifSvc,
		Marks:  store,
		Log:    root.With(logx.String("comp", "leaderboard")),
	})
	if err != nil {
		return fail(err)
	}

	cmdLog := root.With(logx.String("comp", "commands"))
	rt := router.New(cmdLog, ad, cfg.Telegram.AdminUserIDs)
	rt.SetCommands(commands.New(reg, store, board, commands.WithLogger(cmdLog)).Commands())

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		adapter:  ad,
		clock:    clk,
		quiz:     qs,
		reg:      reg,
		engine:   engineSvc,
		notif:    notifSvc,
		delivery: handler,
		dispatch: disp,
		board:    board,
		router:   rt,
		updates:  make(chan kit.Update, 256),
	}
	rt.SetAnswers(a.onPollAnswer)
	return a, nil
}

func (a *App) onPollAnswer(ctx context.Context, pa kit.PollAnswer) error {
	ans, err := a.delivery.HandleAnswer(ctx, pa)
	if errors.Is(err, delivery.ErrUnknownPoll) {
		return nil
	}
	if err != nil {
		return err
	}
	a.log.Debug("answer recorded",
		logx.Int64("chat_id", ans.ChatID),
		logx.Int64("user_id", ans.UserID),
		logx.Int64("question_id", ans.QuestionID),
		logx.Bool("correct", ans.Correct),
	)
	return nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.dispatch.Restore(a.sup.Context()); err != nil {
		return fmt.Errorf("restore dispatch watermark: %w", err)
	}
	if err := a.board.Restore(a.sup.Context()); err != nil {
		return fmt.Errorf("restore leaderboard state: %w", err)
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	// Both loops return an error only when the clock fails, which is fatal.
	a.sup.Go("dispatch.run", a.dispatch.Run)
	a.sup.Go("leaderboard.run", a.board.Run)
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
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
			coalesce:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break coalesce
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("schedules", len(a.reg.Snapshot())),
		logx.String("timezone", a.clock.Location().String()),
	)
	return nil
}

// applyConfig pushes a reloaded config into the live components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	// target first so Apply does not warn about a missing chat
	a.logs.SetTelegramTarget(logTarget(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	a.router.SetAdmins(next.Telegram.AdminUserIDs)

	if loc, err := clock.LoadLocation(next.Quiz.Timezone); err != nil {
		a.log.Warn("invalid quiz.timezone; keeping previous", logx.Err(err))
	} else {
		a.clock.SetLocation(loc)
	}
	a.delivery.SetRulesURL(next.Quiz.RulesPageURL)
	if apiTimeout, _, err := mapQuizTimeouts(next); err != nil {
		a.log.Warn("invalid quiz timeouts; keeping previous", logx.Err(err))
	} else if a.quiz.Repoint(next.Quiz.APIURL, apiTimeout) {
		a.log.Info("quiz api repointed", logx.String("url", strings.TrimSpace(next.Quiz.APIURL)))
	}

	if engCfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		applyCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Apply(applyCtx, engCfg)
		cancel()
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if err := a.board.Apply(mapLeaderboardConfig(next)); err != nil {
		a.log.Warn("invalid leaderboard config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the loops stop scheduling new work.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		// never extend the caller's deadline
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			if err != nil {
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

	// In-flight deliveries finish before their workers go away.
	step("dispatch", 5*time.Second, a.dispatch.Wait)
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
