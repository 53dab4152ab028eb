// Copyright 2018-2023 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-micro/plugins/v4/events/natsjs"
	"github.com/opencloud-eu/transfermanager/internal/http/interceptors/appctx"
	logmw "github.com/opencloud-eu/transfermanager/internal/http/interceptors/log"
	"github.com/opencloud-eu/transfermanager/internal/http/interceptors/metrics"
	"github.com/opencloud-eu/transfermanager/internal/http/services/prometheus"
	"github.com/opencloud-eu/transfermanager/internal/http/services/transfermanager"
	ctxpkg "github.com/opencloud-eu/transfermanager/pkg/appctx"
	"github.com/opencloud-eu/transfermanager/pkg/config"
	"github.com/opencloud-eu/transfermanager/pkg/events"
	"github.com/opencloud-eu/transfermanager/pkg/events/server"
	eventsstream "github.com/opencloud-eu/transfermanager/pkg/events/stream"
	exstream "github.com/opencloud-eu/transfermanager/pkg/exchange/stream"
	"github.com/opencloud-eu/transfermanager/pkg/logger"
	"github.com/opencloud-eu/transfermanager/pkg/rhttp"
	"github.com/opencloud-eu/transfermanager/pkg/store"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/audit"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/idgen"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/manager"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	microstore "go-micro.dev/v4/store"
	"golang.org/x/sync/errgroup"
)

var (
	versionFlag = flag.Bool("version", false, "show version and exit")
	testFlag    = flag.Bool("t", false, "test configuration and exit")
	configFlag  = flag.String("c", "/etc/transfermanager/transfermanager.toml", "set configuration file")

	// Compile time variables initialized with ldflags.
	gitCommit, buildDate, version, goVersion string
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "version=%s commit=%s go_version=%s build_date=%s\n", version, gitCommit, goVersion, buildDate)
		os.Exit(0)
	}

	conf, err := loadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading configuration: %v\n", err)
		os.Exit(1)
	}
	if *testFlag {
		if _, err := manager.ParseConfig(conf.TransferManager); err != nil {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "configuration file %s is valid\n", *configFlag)
		os.Exit(0)
	}

	log, err := newLogger(conf.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = ctxpkg.WithLogger(ctx, log)

	if err := run(ctx, conf, log); err != nil {
		log.Error().Err(err).Msg("transfer manager stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("transfer manager stopped")
}

func loadConfig(path string) (*config.Config, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return config.Load(fd)
}

func newLogger(conf config.Log) (*zerolog.Logger, error) {
	w, err := getWriter(conf.Output)
	if err != nil {
		return nil, err
	}
	l := logger.New(logger.WithLevel(conf.Level), logger.WithWriter(w, logger.Mode(conf.Mode)))
	sub := l.With().Int("pid", os.Getpid()).Logger()
	return &sub, nil
}

func getWriter(out string) (io.Writer, error) {
	if out == "stderr" || out == "" {
		return os.Stderr, nil
	}
	if out == "stdout" {
		return os.Stdout, nil
	}
	fd, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "error creating log file: "+out)
	}
	return fd, nil
}

func newStream(conf config.Events) (events.Stream, func(), error) {
	switch conf.Type {
	case "nats":
		s, err := server.NewNatsStream(
			natsjs.Address(conf.Endpoint),
			natsjs.ClusterID(conf.Cluster),
		)
		if err != nil {
			return nil, nil, errors.Wrap(err, "error connecting to nats")
		}
		return s, func() {}, nil
	default:
		m := eventsstream.NewMemory()
		return m, m.Close, nil
	}
}

func newStore(conf config.Store) microstore.Store {
	opts := []microstore.Option{
		store.Store(conf.Type),
		microstore.Database(conf.Database),
		store.TTL(time.Duration(conf.TTL) * time.Second),
	}
	if len(conf.Nodes) > 0 {
		opts = append(opts, microstore.Nodes(conf.Nodes...))
	}
	return store.Create(opts...)
}

func newIDGenerator(conf config.IDGenerator, s microstore.Store, database string) idgen.Generator {
	fallback := idgen.NewCounter(1)
	if conf.Type == "store" {
		return idgen.NewStore(store.NewTable(s, database, "ids", 0), int64(conf.Block), fallback)
	}
	return fallback
}

func run(ctx context.Context, conf *config.Config, log *zerolog.Logger) error {
	mc, err := manager.ParseConfig(conf.TransferManager)
	if err != nil {
		return err
	}

	stream, closeStream, err := newStream(conf.Events)
	if err != nil {
		return err
	}
	defer closeStream()

	s := newStore(conf.Store)
	if s == nil {
		return errors.Errorf("invalid %s store configuration", conf.Store.Type)
	}
	sink := audit.New(s, conf.Store.Database, time.Duration(conf.Store.TTL)*time.Second)
	if n, err := sink.Abandon(ctx, time.Now()); err != nil {
		log.Warn().Err(err).Msg("error reading transfers of a previous run")
	} else if n > 0 {
		log.Warn().Int("count", n).Msg("marked transfers of a previous run as failed")
	}

	ex, err := exstream.New(ctx, stream, conf.Events.ReplyTopic)
	if err != nil {
		return err
	}

	mgr, err := manager.New(ctx, mc,
		manager.WithExchange(ex),
		manager.WithPublisher(stream),
		manager.WithSink(sink),
		manager.WithIDGenerator(newIDGenerator(conf.IDGenerator, s, conf.Store.Database)),
	)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := exstream.Serve(ctx, stream, conf.Events.InboundTopic, conf.Events.Group, mgr.HandleMessage); err != nil {
		return err
	}
	log.Info().Str("topic", conf.Events.InboundTopic).Str("group", conf.Events.Group).Msg("serving transfer requests")

	admin, err := transfermanager.New(conf.HTTP.Services["transfermanager"], mgr)
	if err != nil {
		return err
	}
	prom, err := prometheus.New(conf.HTTP.Services["prometheus"])
	if err != nil {
		return err
	}
	srv, err := rhttp.New(
		rhttp.WithServices(admin, prom),
		rhttp.WithMiddlewares(metrics.New(), logmw.New(), appctx.New(*log), middleware.RequestID),
		rhttp.WithLogger(log.With().Str("pkg", "rhttp").Logger()),
		rhttp.WithShutdownTimeout(time.Duration(conf.Core.ShutdownTimeout)*time.Second),
	)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", conf.HTTP.Address)
	if err != nil {
		return errors.Wrap(err, "error listening for the admin api")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		if err := mgr.Close(); err != nil {
			log.Error().Err(err).Msg("error closing transfer manager")
		}
		return srv.Stop()
	})
	return g.Wait()
}
