package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/chatsync/cmd/chatsync/internal"
	"github.com/tinyland-inc/chatsync/pkg/logger"
	"github.com/tinyland-inc/chatsync/pkg/metrics"
	"github.com/tinyland-inc/chatsync/pkg/poller"
	"github.com/tinyland-inc/chatsync/pkg/session"
)

func chatCmd(ctx context.Context, configPath, room string, debug bool) error {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}
	user, err := internal.RequireUser(cfg)
	if err != nil {
		return err
	}

	// The terminal belongs to the REPL; logs go to a file.
	if err := os.MkdirAll(internal.GetHomeDir(), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(internal.GetLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	defer logFile.Close()
	logger.SetOutput(logFile, false)

	manager, err := internal.NewConnectionManager(cfg)
	if err != nil {
		return err
	}
	client := internal.NewAPIClient(cfg)
	sess := session.New(user, manager, client, session.WithPublishTimeout(cfg.PublishTimeout()))
	defer sess.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sess.Run(gctx) })

	if cfg.Queue.Enabled {
		p, err := poller.New(cfg.Queue.Schedule, sess.FetchQueue, sess.DeliverQueued)
		if err != nil {
			return err
		}
		g.Go(func() error { return p.Run(gctx) })
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr) })
	}

	fmt.Printf("%s chatsync %s, signed in as %s\n", internal.Logo, internal.GetVersion(), user.Username)
	if err := sess.Connect(gctx); err != nil {
		fmt.Printf("Warning: %v (messages cannot be sent until reconnected, try /connect)\n", err)
	}
	if _, err := sess.LoadRooms(gctx); err != nil {
		fmt.Printf("Warning: could not load rooms: %v\n", err)
	}

	r := newREPL(sess, client)
	if room != "" {
		r.handle(gctx, "/join "+room)
	}

	g.Go(func() error {
		defer stop()
		r.run(gctx)
		return nil
	})

	err = g.Wait()
	_ = sess.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.InfoCF("metrics", "Serving metrics", map[string]any{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
