// Copyright 2026 The pageserver Authors
// This file is part of the pageserver library.
//
// The pageserver library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pageserver library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pageserver library. If not, see <http://www.gnu.org/licenses/>.

// pageserver runs a single timeline's write and flush path as a long-lived
// daemon: the CLI entrypoint for the storage engine the rest of this module
// implements as a library.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pageserver/pageserver/catalog"
	"github.com/pageserver/pageserver/flush"
	"github.com/pageserver/pageserver/log"
	"github.com/pageserver/pageserver/lsn"
	"github.com/pageserver/pageserver/metrics"
	"github.com/pageserver/pageserver/remotestorage"
	"github.com/pageserver/pageserver/resourcemgr"
	"github.com/pageserver/pageserver/timeline"
)

var (
	dataDirFlag = &cli.StringFlag{
		Name:  "data-dir",
		Usage: "directory to create ephemeral layer files in",
		Value: "./pageserver-data",
	}
	deltaDirFlag = &cli.StringFlag{
		Name:  "delta-dir",
		Usage: "directory to publish flushed L0 delta layers into",
		Value: "./pageserver-data/deltas",
	}
	catalogDirFlag = &cli.StringFlag{
		Name:  "catalog-dir",
		Usage: "pebble directory recording installed historic layers; empty disables persistence",
		Value: "./pageserver-data/catalog",
	}
	remoteDirFlag = &cli.StringFlag{
		Name:  "remote-dir",
		Usage: "local filesystem path delta layers are also uploaded to; empty disables upload",
	}
	maxDirtyBytesFlag = &cli.Uint64Flag{
		Name:  "max-dirty-bytes",
		Usage: "process-wide soft budget on bytes sitting in not-yet-flushed ephemeral layers",
		Value: 256 << 20,
	}
	maxLayerSizeFlag = &cli.Uint64Flag{
		Name:  "max-layer-size",
		Usage: "per-layer byte ceiling that forces a freeze",
		Value: 128 << 20,
	}
	flushConcurrencyFlag = &cli.IntFlag{
		Name:  "flush-concurrency",
		Usage: "max number of frozen layers flushed at once",
		Value: 4,
	}
	backendFlag = &cli.StringFlag{
		Name:  "flush-backend",
		Usage: "blob read strategy during flush: pagecached or direct",
		Value: "pagecached",
	}
	cleanCacheFlag = &cli.IntFlag{
		Name:  "flush-cache-bytes",
		Usage: "size of the clean-blob cache consulted by the pagecached flush backend; 0 disables it",
		Value: 32 << 20,
	}
	httpAddrFlag = &cli.StringFlag{
		Name:  "http-addr",
		Usage: "address the /healthz and /debug/metrics endpoints listen on",
		Value: "127.0.0.1:9897",
	}
	idlePollFlag = &cli.DurationFlag{
		Name:  "idle-poll",
		Usage: "how long the flush worker sleeps after finding nothing queued",
		Value: time.Second,
	}
	freezeTickFlag = &cli.DurationFlag{
		Name:  "freeze-tick",
		Usage: "how often the age-based freeze ticker checks the open layer",
		Value: 30 * time.Second,
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "trace, debug, info, warn, error",
		Value: "info",
	}
)

func main() {
	app := &cli.App{
		Name:  "pageserver",
		Usage: "page-versioned storage engine daemon",
		Commands: []*cli.Command{
			serveCommand,
			versionCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "print the engine version",
	Action: func(c *cli.Context) error {
		fmt.Println("pageserver/0.1.0")
		return nil
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the write, freeze and flush path for one timeline until terminated",
	Flags: []cli.Flag{
		dataDirFlag, deltaDirFlag, catalogDirFlag, remoteDirFlag,
		maxDirtyBytesFlag, maxLayerSizeFlag, flushConcurrencyFlag,
		backendFlag, cleanCacheFlag, httpAddrFlag, idlePollFlag,
		freezeTickFlag, logLevelFlag,
	},
	Action: runServe,
}

func parseBackend(s string) (flush.Backend, error) {
	switch s {
	case "pagecached", "":
		return flush.PageCached, nil
	case "direct":
		return flush.Direct, nil
	default:
		return 0, fmt.Errorf("unknown --flush-backend %q", s)
	}
}

func parseLogLevel(s string) log.Level {
	switch s {
	case "trace":
		return log.LevelTrace
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

func runServe(c *cli.Context) error {
	log.SetLevel(parseLogLevel(c.String(logLevelFlag.Name)))

	dataDir := c.String(dataDirFlag.Name)
	deltaDir := c.String(deltaDirFlag.Name)
	for _, dir := range []string{dataDir, deltaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("pageserver: create %s: %w", dir, err)
		}
	}

	var cat *catalog.Catalog
	if dir := c.String(catalogDirFlag.Name); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("pageserver: create catalog dir: %w", err)
		}
		db, err := catalog.Open(dir)
		if err != nil {
			return fmt.Errorf("pageserver: open catalog: %w", err)
		}
		defer db.Close()
		cat = db
	}

	backend, err := parseBackend(c.String(backendFlag.Name))
	if err != nil {
		return err
	}

	acct := resourcemgr.New(c.Uint64(maxDirtyBytesFlag.Name))
	tl := timeline.New(dataDir, lsn.Lsn(0), acct, c.Uint64(maxLayerSizeFlag.Name), cat)
	if err := tl.LoadHistoricFromCatalog(); err != nil {
		return fmt.Errorf("pageserver: reload catalog: %w", err)
	}

	limiter := flush.NewLimiter(c.Int(flushConcurrencyFlag.Name))
	worker := flush.NewWorker(tl.Manager, limiter, backend, deltaDir, c.Int(cleanCacheFlag.Name))

	if remoteDir := c.String(remoteDirFlag.Name); remoteDir != "" {
		fs, err := remotestorage.NewLocalFs(remoteDir, 64)
		if err != nil {
			return fmt.Errorf("pageserver: open remote store: %w", err)
		}
		store := remotestorage.NewGated(fs, remotestorage.NewPools(remotestorage.DefaultPoolSize))
		worker.Uploader = func(ctx context.Context, localPath, remotePath string) error {
			f, err := os.Open(localPath)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			return store.Upload(ctx, remotePath, f, info.Size(), nil)
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tl.FlushForever(worker, stop, c.Duration(idlePollFlag.Name))
	}()
	go tl.RunAgeTicker(stop, c.Duration(freezeTickFlag.Name))

	srv := newDebugServer(c.String(httpAddrFlag.Name))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("debug http server exited", "err", err)
		}
	}()

	log.Info("pageserver started", "data_dir", dataDir, "delta_dir", deltaDir, "http_addr", c.String(httpAddrFlag.Name))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("pageserver shutting down")
	close(stop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	<-done
	return nil
}

// newDebugServer builds the operator-facing HTTP surface: a liveness check
// and a flat dump of the metrics registry, rather than pulling in a full
// metrics exporter.
func newDebugServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("/debug/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.Registry().Each(func(name string, i interface{}) {
			fmt.Fprintf(w, "%s %v\n", name, i)
		})
	})
	return &http.Server{Addr: addr, Handler: mux}
}
