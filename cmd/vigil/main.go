package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vigil/internal/asr"
	"vigil/internal/config"
	"vigil/internal/mcp"
	"vigil/internal/pipeline"
	"vigil/internal/server"
	"vigil/internal/store"
	"vigil/internal/tts"
	"vigil/internal/vlm"
	"vigil/internal/ws"
)

const checkpointInterval = 10 * time.Second

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		configF    = flag.String("config", "", "Path to JSON config file (default: config.json if present)")
		outputDirF = flag.String("output-dir", "", "Session output directory (overrides config)")
		asyncF     = flag.Bool("async", false, "Run inference in async mode (overrides config sync_mode)")
		sentryF    = flag.Bool("sentry", false, "Enable sentry mode at startup")
		noASRF     = flag.Bool("no-asr", false, "Disable the question intake server")
		noTTSF     = flag.Bool("no-tts", false, "Disable the speech fan-out worker")
		dbgF       = flag.Bool("debug", false, "Verbose logging")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[vigil] ", log.Ltime)
	}

	// .env is optional, real environment wins.
	_ = godotenv.Load()

	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatalf("config: %s", err)
	}
	if *outputDirF != "" {
		cfg.Monitoring.OutputDir = *outputDirF
	}
	if *asyncF {
		cfg.VLM.SyncMode = false
	}
	if *sentryF {
		cfg.Sentry.Enabled = true
	}
	if *noASRF {
		cfg.ASR.Enabled = false
	}
	if *noTTSF {
		cfg.TTS.Enabled = false
	}
	if *dbgF {
		cfg.Debug = true
	}

	// Session store owns the on-disk output directory.
	st, err := store.NewSession(cfg.Monitoring.OutputDir, store.ProcessorConfig{
		TargetVideoDuration:     cfg.Video.TargetVideoDuration,
		FramesPerSecond:         cfg.Video.FramesPerSecond,
		OriginalFPS:             cfg.Stream.FPS,
		TargetFramesPerVideo:    cfg.Video.TargetFramesPerVideo,
		FramesToCollectPerVideo: int(cfg.Video.TargetVideoDuration * cfg.Stream.FPS),
		MaxConcurrentInferences: cfg.VLM.MaxConcurrent,
	})
	if err != nil {
		logger.Fatalf("session: %s", err)
	}

	// Initialize the pipeline.
	var (
		dist      *pipeline.Distributor
		events    *pipeline.EventBus
		questions *pipeline.QuestionRegistry
		reader    *pipeline.TCPFrameReader
		packager  *pipeline.Packager
		analyzer  *vlm.Client
		scheduler *pipeline.Scheduler
		hub       *ws.Hub
	)
	{
		dist = pipeline.NewDistributor()
		events = pipeline.NewEventBus()
		questions = pipeline.NewQuestionRegistry(time.Duration(cfg.ASR.QuestionTimeout) * time.Second)

		reader = pipeline.NewTCPFrameReader(pipeline.ReaderConfig{
			Endpoint:    cfg.Stream.Endpoint(),
			DialTimeout: cfg.DialTimeout(),
			MaxRetries:  cfg.Stream.MaxRetries,
			Debug:       cfg.Debug,
		}, dist, events)

		packager = pipeline.NewPackager(pipeline.PackagerConfig{
			TargetDuration: cfg.Video.TargetVideoDuration,
			SampleFPS:      cfg.Video.FramesPerSecond,
			TargetFrames:   cfg.Video.TargetFramesPerVideo,
			UpstreamFPS:    cfg.Stream.FPS,
			MaxWidth:       cfg.Video.MaxWidth,
			MaxHeight:      cfg.Video.MaxHeight,
			JPEGQuality:    cfg.Video.JPEGQuality,
			SessionDir:     st.Dir(),
		})

		analyzer, err = vlm.NewClient(vlm.Config{
			APIKey:          cfg.VLM.APIKey,
			Model:           cfg.VLM.Model,
			BaseURL:         cfg.VLM.BaseURL,
			MaxVideoSizeMB:  cfg.VLM.MaxVideoSizeMB,
			MaxBase64SizeMB: cfg.VLM.MaxBase64SizeMB,
			SystemPrompt:    cfg.VLM.DefaultPrompt.System,
			UserTemplate:    cfg.VLM.DefaultPrompt.UserTemplate,
		})
		if err != nil {
			logger.Fatalf("vlm: %s", err)
		}

		var bridge pipeline.ControlBridge
		if cfg.MCP.Enabled {
			bridge = mcp.NewClient(cfg.MCP.BaseURL, time.Duration(cfg.MCP.Timeout*float64(time.Second)))
		}

		scheduler = pipeline.NewScheduler(pipeline.SchedulerConfig{
			SyncMode:      cfg.VLM.SyncMode,
			MaxConcurrent: cfg.VLM.MaxConcurrent,
			Timeout:       cfg.InferenceTimeout(),
			SentryEnabled: cfg.Sentry.Enabled,
		}, analyzer, bridge, st, questions, events)

		hub = ws.NewHub()
	}

	// Bridge pipeline events to the WebSocket surface.
	unsubscribe := events.Subscribe(func(e *pipeline.Event) {
		switch e.Type {
		case pipeline.EventInferenceCompleted:
			hub.BroadcastRecord(e.Record)
		case pipeline.EventStatusUpdate, pipeline.EventStreamStatus:
			hub.BroadcastStatus(string(e.Type), e.Status)
		case pipeline.EventError:
			hub.BroadcastError(e.Err)
		}
	})
	defer unsubscribe()

	// Two independent subscriptions so a slow WebSocket client can never
	// starve the packager, and vice versa.
	packagerSub := dist.Subscribe()
	go func() {
		for {
			select {
			case <-packagerSub.Done():
				return
			case f := <-packagerSub.Frames():
				packager.Offer(f)
			}
		}
	}()
	wsSub := dist.Subscribe()
	go func() {
		for {
			select {
			case <-wsSub.Done():
				return
			case f := <-wsSub.Frames():
				hub.BroadcastFrame(f)
			}
		}
	}()

	// Artifacts register with the store before they reach the scheduler so
	// media queries never race the inference that analyzes them.
	media := make(chan *pipeline.MediaArtifact)
	go func() {
		defer close(media)
		for a := range packager.Ready() {
			st.RegisterMedia(a)
			media <- a
		}
	}()

	packager.Start()
	scheduler.Start(media)
	if err := reader.Start(); err != nil {
		logger.Fatalf("reader: %s", err)
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the service.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	apiSrv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: server.New(st, reader, packager, scheduler, dist, hub).Router(),
	}
	startHTTPServer(ctx, apiSrv, "API", &wg, errc, logger)

	var asrSrv *http.Server
	if cfg.ASR.Enabled {
		asrSrv = &http.Server{
			Addr:    cfg.ASR.Addr(),
			Handler: asr.NewServer(questions, cfg.ASR.MaxQuestionLength).Router(),
		}
		startHTTPServer(ctx, asrSrv, "ASR", &wg, errc, logger)
	}

	var speaker *tts.Worker
	if cfg.TTS.Enabled {
		speaker = tts.NewWorker(tts.Config{
			OutputDir:     cfg.Monitoring.OutputDir,
			URL:           cfg.TTS.URL(),
			CheckInterval: time.Duration(cfg.TTS.CheckInterval * float64(time.Second)),
			MaxRetries:    cfg.TTS.MaxRetries,
			Timeout:       time.Duration(cfg.TTS.Timeout * float64(time.Second)),
		})
		speaker.Start()
	}

	// Periodically flush the experiment log so a crash loses at most one
	// interval of history.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(checkpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.SetFrameCount(reader.Stats().FramesReceived)
				st.SetInferencesStarted(scheduler.Status().TotalStarted)
				if err := st.Checkpoint(); err != nil {
					logger.Printf("checkpoint: %s", err)
				}
			}
		}
	}()

	logger.Printf("session %s, API on %s", st.SessionID(), cfg.Server.Addr())

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	reader.Stop()
	dist.Unsubscribe(packagerSub)
	dist.Unsubscribe(wsSub)
	packager.Stop()
	scheduler.Stop()
	if speaker != nil {
		speaker.Stop()
	}
	hub.CloseAll()

	st.SetFrameCount(reader.Stats().FramesReceived)
	st.SetInferencesStarted(scheduler.Status().TotalStarted)
	if err := st.Checkpoint(); err != nil {
		logger.Printf("final checkpoint: %s", err)
	}

	wg.Wait()
	logger.Println("exited")
}

// startHTTPServer runs srv until ctx is canceled, reporting fatal listen
// errors on errc.
func startHTTPServer(ctx context.Context, srv *http.Server, name string, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		logger.Printf("%s server listening on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("%s server shutdown: %s", name, err)
		}
	}()
}
