package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Brownie44l1/scanfood-api/internal/app"
	"github.com/Brownie44l1/scanfood-api/internal/config"
	"github.com/Brownie44l1/scanfood-api/internal/handlers"
	"github.com/Brownie44l1/scanfood-api/internal/jobs"
	"github.com/Brownie44l1/scanfood-api/internal/pipeline"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	flags := config.Flags("scanfood-server")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.File != "" {
		log.Printf("Config loaded from: %s", cfg.File)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg)
	defer a.Close()

	// the model may be missing until the first training run finishes
	if err := a.Registry.Load(); err != nil {
		log.Printf("Model not loaded: %v", err)
	} else {
		st := a.Registry.Status()
		log.Printf("Model loaded: version %s, backbone %s, classes %v", st.Version, st.Backbone, st.Classes)
	}
	if cfg.Model.Watch {
		if err := a.Registry.Watch(ctx); err != nil {
			log.Fatalf("Failed to watch %s: %v", cfg.Paths.Models, err)
		}
	}

	store, closeStore, err := jobStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer closeStore()
	tracker := jobs.NewTracker(store)

	orch := pipeline.New(
		ctx, tracker, a.Trainer, a.Acquirer, a.Sanitizer, a.Registry, cfg.Paths.Datasets,
		pipeline.WithDefaults(pipeline.Defaults{
			Epochs:         cfg.Train.Epochs,
			BatchSize:      cfg.Train.BatchSize,
			LearningRate:   cfg.Train.LearningRate,
			ImagesPerClass: cfg.Train.ImagesPerClass,
			DatasetName:    cfg.Train.DatasetName,
		}),
		pipeline.WithPruning(a.Store, cfg.Model.KeepVersions),
		pipeline.WithLogger(cfg.Logger("pipeline")),
	)

	e := echo.New()
	e.HideBanner = true
	e.Logger = cfg.Logger("echo")
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code >= http.StatusInternalServerError {
			e.Logger.Error(err)
		}
	}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))
	e.Use(requestLogger(e))
	if cfg.Server.MaxUploadBytes > 0 {
		// room for the multipart envelope around the largest accepted image
		e.Use(middleware.BodyLimit(strconv.FormatInt(cfg.Server.MaxUploadBytes+1<<20, 10)))
	}

	handlers.NewHandler(
		a.Registry, orch, tracker,
		handlers.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		handlers.WithLogger(cfg.Logger("http")),
	).Register(e)

	log.Println("Endpoints:")
	for _, r := range e.Routes() {
		log.Println("  ", r.Method, r.Path)
	}

	go func() {
		log.Printf("Server starting on %s", cfg.Server.Addr)
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdown, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdown); err != nil {
		log.Printf("Error on shutdown: %v", err)
	}
	orch.Wait()
}

// jobStore opens the configured job status store and returns its closer.
func jobStore(ctx context.Context, cfg *config.Config) (jobs.Store, func(), error) {
	if cfg.Jobs.Store != "postgres" {
		return jobs.NewMemoryStore(), func() {}, nil
	}
	pool, store, err := jobs.ConnectPostgres(ctx, cfg.Jobs.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	return store, pool.Close, nil
}

func requestLogger(e *echo.Echo) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			e.Logger.Infof("%s %s %d %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	})
}
