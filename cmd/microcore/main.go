package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"goa.design/clue/log"

	"goa.design/microcore/config"
	"goa.design/microcore/features/model/anthropic"
	"goa.design/microcore/features/model/bedrock"
	"goa.design/microcore/runtime/task/engine"
	"goa.design/microcore/runtime/task/ingest"
	"goa.design/microcore/runtime/task/lifecycle"
	"goa.design/microcore/runtime/task/liveness"
	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/store"
	"goa.design/microcore/runtime/task/telemetry"
	"goa.design/microcore/runtime/task/throttle"
	"goa.design/microcore/runtime/task/tools"
	"goa.design/microcore/runtime/task/tools/builtin"
	"goa.design/microcore/runtime/task/transcript"
)

func main() {
	var (
		taskF   = flag.String("task", "", "Run the worker process for the given task id")
		launchF = flag.String("launch", "", "Start a new root task with the given message")
		stopF   = flag.String("stop", "", "Stop the given task's worker process")
		modelF  = flag.String("model", "", "Model alias for -launch (default from config)")
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger. Workers log JSON when detached, terminal format otherwise.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	st := store.NewRedis(cfg.RedisAddr)
	defer st.Close()

	logger := telemetry.NewClueLogger()
	probe := liveness.New(st, logger)
	ing := ingest.New(st, logger)
	mgr := lifecycle.New(st, ing, probe, logger, cfg.WorkerCommand, cfg.ResolveModel)

	switch {
	case *taskF != "":
		ctx = log.With(ctx, log.KV{K: "task_id", V: *taskF})
		if err := runWorker(ctx, cfg, st, ing, probe, mgr, logger, *taskF); err != nil {
			log.Fatal(ctx, err)
		}
	case *launchF != "":
		res, err := mgr.Launch(ctx, lifecycle.Request{
			Model:         *modelF,
			Messages:      []string{*launchF},
			MaxIterations: cfg.MaxIterations,
			StartProcess:  true,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		log.Print(ctx, log.KV{K: "task_id", V: res.TaskID}, log.KV{K: "pid", V: res.PID}, log.KV{K: "action", V: string(res.Action)})
	case *stopF != "":
		if err := mgr.Stop(ctx, *stopF); err != nil {
			log.Fatal(ctx, err)
		}
		log.Print(ctx, log.KV{K: "stopped", V: *stopF})
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// runWorker drives one task to completion: resolve the provider client, build
// the tool surface, and run the iteration engine alongside the throttle
// subscriber until the inbox empties or a signal lands.
func runWorker(ctx context.Context, cfg *config.Config, st *store.Redis, ing *ingest.Ingester, probe *liveness.Probe, mgr *lifecycle.Manager, logger telemetry.Logger, taskID string) error {
	rec, err := st.GetTaskRecord(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	client, err := newModelClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	for _, t := range []*tools.Tool{
		builtin.Bash(),
		builtin.Think(),
		builtin.Clock(nil),
		builtin.QueryTask(st, probe, client, cfg.ResolveModel),
	} {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	if rec.EnableRecursion {
		if err := registry.Register(builtin.SpawnTask(mgr, st)); err != nil {
			return err
		}
	}

	tracer := telemetry.NewClueTracer()
	dispatcher := tools.NewDispatcher(registry, ing, logger, tracer)

	stopped := func(ctx context.Context) bool {
		rec, err := st.GetTaskRecord(ctx, taskID)
		if err != nil {
			return true
		}
		return rec.Status == transcript.StatusStopped
	}
	coord := throttle.New(ctx, st, logger, rec.ModelID, taskID, stopped)

	summarizer := ""
	if cfg.SummarizerModel != "" {
		if summarizer, err = cfg.ResolveModel(cfg.SummarizerModel); err != nil {
			return fmt.Errorf("summarizer model: %w", err)
		}
	}

	eng := engine.New(engine.Config{
		TaskID:          taskID,
		Store:           st,
		Ingester:        ing,
		Throttle:        coord,
		Client:          client,
		Registry:        registry,
		Dispatcher:      dispatcher,
		Probe:           probe,
		Launcher:        mgr,
		Logger:          logger,
		Tracer:          tracer,
		SummarizerModel: summarizer,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-c:
			logger.Info(ctx, "signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "throttle subscriber exited", "err", err)
		}
	}()

	return eng.Run(ctx)
}

func newModelClient(ctx context.Context, cfg *config.Config, logger telemetry.Logger) (model.Client, error) {
	switch cfg.Provider {
	case "bedrock":
		awscfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		return bedrock.New(bedrockruntime.NewFromConfig(awscfg), bedrock.Options{Logger: logger})
	case "anthropic":
		return anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, anthropic.Options{})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
