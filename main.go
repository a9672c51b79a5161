package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"uprobe-tracer/config"
	"uprobe-tracer/database"
	"uprobe-tracer/event"
	"uprobe-tracer/symbols"
	"uprobe-tracer/tracer"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := logrus.New()

	fs := flag.NewFlagSet("uprobe-tracer", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}

	// An output file on the command line always wins and forces writing,
	// matching the harness's invocation convention.
	switch fs.NArg() {
	case 0:
	case 1:
		cfg.OutputPath = fs.Arg(0)
		cfg.WriteTrace = true
	default:
		fmt.Fprintf(os.Stderr, "Usage: %s [-config file] [output_file]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Without an output file, events are counted in memory only.\n")
		fmt.Fprintf(os.Stderr, "Set %s=1 to write the trace to %s.\n",
			config.EnvWriteFile, config.DefaultOutputPath)
		return 2
	}

	warnIfUnprivileged(log)

	// Allocate the capture array before anything attaches so the hot
	// path never allocates.
	buf := event.NewBuffer(cfg.MaxEvents)
	log.WithField("capacity", cfg.MaxEvents).Info("Allocated in-memory event buffer")

	session := &database.SessionRecord{
		StartedAt: time.Now(),
		Symbol:    cfg.Symbol,
	}

	var bpf *capture
	var renderStats event.RenderStats

	ctrl := &tracer.Controller{
		Buffer:      buf,
		PollTimeout: time.Duration(cfg.PollTimeoutMS) * time.Millisecond,
		DrainPasses: cfg.DrainPasses,
		Log:         log,
		Resolve: func() (string, uint64, error) {
			lib, err := symbols.FindLibrary(cfg.LibraryPaths)
			if err != nil {
				return "", 0, err
			}
			off, err := symbols.Resolve(lib, cfg.Symbol)
			if err != nil {
				return "", 0, err
			}
			session.Library, session.Offset = lib, off
			return lib, off, nil
		},
		Attach: func(lib string, addr uint64) (*tracer.Attachment, error) {
			c, err := initCapture(cfg)
			if err != nil {
				return nil, err
			}
			att, err := c.Attach(lib, addr)
			if err != nil {
				c.Close()
				return nil, err
			}
			bpf = c
			return att, nil
		},
		Render: func(b *event.Buffer) error {
			var w io.Writer = io.Discard
			if cfg.WriteTrace {
				f, err := os.Create(cfg.OutputPath)
				if err != nil {
					return fmt.Errorf("failed to open output file: %w", err)
				}
				defer f.Close()
				log.WithField("path", cfg.OutputPath).Info("Writing trace")
				w = f
			}
			stats, err := event.Render(b, w)
			renderStats = stats
			return err
		},
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		// Only the latch write happens here; teardown runs on the main
		// goroutine once the poll loop observes the flag.
		ctrl.Stop()
	}()

	runErr := ctrl.Run()

	var ringSent, ringDrops uint64
	if bpf != nil {
		if ringSent, ringDrops, err = bpf.Counters(); err != nil {
			log.WithError(err).Warn("Failed to read probe counters")
		}
		bpf.Close()
	}

	if runErr != nil {
		log.WithError(runErr).Error("Tracing failed")
		return 1
	}

	log.WithFields(logrus.Fields{
		"captured":     buf.Count(),
		"entries":      renderStats.Entries,
		"exits":        renderStats.Exits,
		"ring_sent":    ringSent,
		"ring_drops":   ringDrops,
		"buffer_drops": buf.Dropped(),
	}).Info("Tracing stopped")

	if cfg.WriteTrace {
		fixOwnership(log, cfg.OutputPath)
	}

	if cfg.DatabasePath != "" {
		session.StoppedAt = time.Now()
		session.Entries = renderStats.Entries
		session.Exits = renderStats.Exits
		session.RingDrops = ringDrops
		session.BufferDrops = buf.Dropped()
		if err := recordSession(cfg.DatabasePath, session); err != nil {
			log.WithError(err).Warn("Failed to record session summary")
		} else {
			fixOwnership(log, cfg.DatabasePath)
			fixOwnership(log, filepath.Join(cfg.DatabasePath, database.FileName))
		}
	}

	return 0
}

func recordSession(dataDir string, rec *database.SessionRecord) error {
	db, err := database.New(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.InsertSession(rec)
}
