package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	boltstore "collabtext/collabd/internal/adapters/bolt"
	"collabtext/collabd/internal/adapters/memory"
	pgstore "collabtext/collabd/internal/adapters/postgres"
	"collabtext/collabd/internal/changelog"
	"collabtext/collabd/internal/config"
	"collabtext/collabd/internal/coord"
	"collabtext/collabd/internal/ports"
	"collabtext/collabd/internal/session"
	"collabtext/collabd/internal/transport"
)

var errChangeLogUnhealthy = errors.New("change log unavailable")

type storage struct {
	changes  ports.ChangeStore
	docs     ports.DocumentStore
	authz    ports.Authorizer
	identity ports.IdentityResolver
	close    func()
}

func wireStorage(ctx context.Context, cfg config.Config) (*storage, error) {
	st := &storage{authz: memory.AllowAll(), identity: memory.NewDirectory(nil), close: func() {}}
	switch cfg.Storage.Backend {
	case "memory":
		s := memory.NewStore()
		st.changes, st.docs = s, s
		glog.Warningf("[wire]memory storage: changes are lost on exit\n")
	case "bolt":
		s, err := boltstore.Open(cfg.Bolt.Path)
		if err != nil {
			return nil, fmt.Errorf("wire bolt storage: %w", err)
		}
		st.changes, st.docs = s, s
		st.close = func() { s.Close() }
	case "postgres":
		s, err := pgstore.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("wire postgres storage: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		st.changes, st.docs, st.identity = s, s, s
		if cfg.Auth.ACL == "postgres" {
			st.authz = s
		}
		st.close = s.Close
	}
	return st, nil
}

func wireCoordinator(ctx context.Context, cfg config.Config) (ports.Coordinator, func(), error) {
	switch cfg.Coordination.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if _, err := client.Ping(ctx).Result(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		glog.Infof("[wire]connected to redis %s\n", cfg.Redis.Addr)
		return coord.NewRedis(client, cfg.Instance.ID, cfg.Coordination.LeaseTTL), func() { client.Close() }, nil
	default:
		return coord.NewLocal(cfg.Instance.ID, cfg.Coordination.LeaseTTL), func() {}, nil
	}
}

func sessionOptions(cfg config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.IdleGrace = cfg.Session.IdleGrace
	opts.HeartbeatTimeout = cfg.Heartbeat.Timeout
	opts.HistoryLimit = cfg.Session.HistoryLimit
	opts.ResyncMaxIncremental = cfg.Session.ResyncMaxIncremental
	opts.CheckpointEvery = cfg.Session.CheckpointEvery
	opts.LeaseTTL = cfg.Coordination.LeaseTTL
	opts.ForwardTimeout = cfg.Coordination.ForwardTimeout
	// Leases are refreshed by the sweep.
	opts.SweepInterval = cfg.Coordination.LeaseTTL / 3
	return opts
}

func changelogOptions(cfg config.Config) changelog.Options {
	opts := changelog.DefaultOptions()
	opts.BatchSize = cfg.Changelog.BatchSize
	opts.FlushInterval = cfg.Changelog.FlushInterval
	opts.Buffer = cfg.Changelog.Buffer
	opts.MaxRetry = cfg.Changelog.MaxRetry
	opts.MaxPending = cfg.Changelog.MaxPending
	return opts
}

func transportOptions(cfg config.Config) transport.Options {
	opts := transport.DefaultOptions()
	opts.PingPeriod = cfg.Heartbeat.Interval
	opts.PongWait = cfg.Heartbeat.Timeout
	return opts
}

type app struct {
	cfg     config.Config
	storage *storage
	coord   ports.Coordinator
	manager *session.Manager
	writer  *changelog.Writer
	hub     *transport.Hub
	server  *transport.Server
	closers []func()
}

func wireApp(ctx context.Context, cfg config.Config) (*app, error) {
	st, err := wireStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cc, closeCoord, err := wireCoordinator(ctx, cfg)
	if err != nil {
		st.close()
		return nil, err
	}

	writer := changelog.NewWriter(st.changes, st.docs, ports.SystemClock{}, changelogOptions(cfg))
	manager := session.NewManager(session.Deps{
		Authorizer:  st.authz,
		Documents:   st.docs,
		Changes:     st.changes,
		ChangeLog:   writer,
		Identity:    st.identity,
		Coordinator: cc,
	}, sessionOptions(cfg))
	writer.OnHealthChange(manager.PersistenceChanged)

	hub := transport.NewHub()
	ready := func() error {
		if !writer.Healthy() {
			return errChangeLogUnhealthy
		}
		return nil
	}
	server := transport.NewServer(manager, hub, transport.NewAuthenticator(cfg.Auth.JWTSecret), nil, ready, transportOptions(cfg))

	return &app{
		cfg:     cfg,
		storage: st,
		coord:   cc,
		manager: manager,
		writer:  writer,
		hub:     hub,
		server:  server,
		closers: []func(){closeCoord, st.close},
	}, nil
}

// serve runs until ctx ends, then drains sessions and flushes the change log
// before returning.
func (a *app) serve(ctx context.Context) error {
	if err := a.coord.Start(ctx, a.manager); err != nil {
		return fmt.Errorf("start coordination: %w", err)
	}

	// The writer outlives ctx so that shutdown checkpoints reach storage.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		a.writer.Run(writerCtx)
		close(writerDone)
	}()
	go a.hub.Run(ctx)
	go a.manager.Run(ctx)

	httpServer := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		glog.Infof("[serve]instance %s listening on %s\n", a.cfg.Instance.ID, a.cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	glog.Infof("[serve]shutting down\n")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("[serve]http shutdown = %s\n", err)
	}
	a.manager.Shutdown(shutdownCtx)
	stopWriter()
	<-writerDone
	if err := a.coord.Close(); err != nil {
		glog.Warningf("[serve]close coordination = %s\n", err)
	}
	return serveErr
}

func (a *app) close() {
	for _, c := range a.closers {
		c()
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
