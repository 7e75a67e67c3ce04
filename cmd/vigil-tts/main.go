// vigil-tts runs the speech fan-out worker on its own, watching an output
// directory that another process (or host) is writing sessions into.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vigil/internal/config"
	"vigil/internal/tts"
)

func main() {
	var (
		configF    = flag.String("config", "", "Path to JSON config file (default: config.json if present)")
		outputDirF = flag.String("output-dir", "", "Session output directory (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[vigil-tts] ", log.Ltime)

	_ = godotenv.Load()

	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatalf("config: %s", err)
	}
	if *outputDirF != "" {
		cfg.Monitoring.OutputDir = *outputDirF
	}

	worker := tts.NewWorker(tts.Config{
		OutputDir:     cfg.Monitoring.OutputDir,
		URL:           cfg.TTS.URL(),
		CheckInterval: time.Duration(cfg.TTS.CheckInterval * float64(time.Second)),
		MaxRetries:    cfg.TTS.MaxRetries,
		Timeout:       time.Duration(cfg.TTS.Timeout * float64(time.Second)),
	})
	worker.Start()

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	logger.Printf("exiting (%v)", <-errc)
	worker.Stop()
	logger.Println("exited")
}
