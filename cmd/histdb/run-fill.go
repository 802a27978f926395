package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/andreyvit/histdb"
	"github.com/andreyvit/histdb/fill"
	"github.com/andreyvit/histdb/journal"
)

const journalFileName = "blocks-*.wal"

func runFill(c *cli.Context) error {
	m := meta(c)
	cfg := m.config

	if c.Bool("reset") {
		m.log.WithField("path", cfg.DBPath).Warn("removing database")
		if err := histdb.RemoveFiles(cfg.Backend, cfg.DBPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	db, err := m.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var j *journal.Journal
	if cfg.JournalDir != "" {
		j = journal.New(cfg.JournalDir, journal.Options{FileName: journalFileName, Sync: true, Logger: m.log})
		if err := j.StartWriting(); err != nil {
			return err
		}
		defer func() {
			if err := j.FinishWriting(); err != nil {
				m.log.WithError(err).Error("journal: finish")
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, m.log)
		defer srv.Close()
	}

	f, err := newFiller(m, db, j, fill.NewMetrics(reg))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = f.Run(ctx)
	if errors.Is(err, context.Canceled) {
		m.log.Info("interrupted")
		return nil
	}
	return err
}

func runReplay(c *cli.Context) error {
	m := meta(c)
	dir := c.String("journal")
	if dir == "" {
		dir = m.config.JournalDir
	}
	if dir == "" {
		return errors.New("replay: journal directory is required")
	}

	db, err := m.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := newFiller(m, db, nil, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	j := journal.New(dir, journal.Options{FileName: journalFileName, Logger: m.log})
	stats, err := f.Replay(ctx, j)
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"records": stats.Records, "applied": stats.Applied}).Info("replay done")
	return nil
}

func newFiller(m *metadata, db *histdb.DB, j *journal.Journal, metrics *fill.Metrics) (*fill.Filler, error) {
	cfg := m.config
	filters, err := cfg.Filters()
	if err != nil {
		return nil, err
	}
	return fill.New(db, fill.Options{
		Endpoint:            cfg.Endpoint,
		SkipTo:              cfg.SkipTo,
		StopBefore:          cfg.StopBefore,
		Filters:             filters,
		MaxMessagesInFlight: cfg.MaxMessagesInFlight,
		FetchBlock:          cfg.FetchBlock,
		FetchTraces:         cfg.FetchTraces,
		FetchDeltas:         cfg.FetchDeltas,
		Compressed:          cfg.Compressed,
		RetryDelay:          cfg.RetryDelay.Duration,
		DialTimeout:         cfg.DialTimeout.Duration,
		Journal:             j,
		Metrics:             metrics,
		Logger:              m.log,
	})
}

func serveMetrics(addr string, reg *prometheus.Registry, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server")
		}
	}()
	log.WithField("addr", addr).Info("serving metrics")
	return srv
}
