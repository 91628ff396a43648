package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/randyvpcode/task-manager/api"
	"github.com/randyvpcode/task-manager/config"
	"github.com/randyvpcode/task-manager/storage"
	"github.com/randyvpcode/task-manager/taskstore"
	"github.com/randyvpcode/task-manager/tui"
	"github.com/randyvpcode/task-manager/view"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the task list over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			auth, err := newAuthenticator(a.cfg.Auth)
			if err != nil {
				return err
			}
			ts, rc, err := a.openStore(false)
			if err != nil {
				return err
			}
			defer a.closeRedis(rc)

			v := view.New(ts, a.logger)
			if err := v.Load(ctx); err != nil {
				a.logger.WithError(err).Warn("initial load failed")
			}
			go v.Watch(ctx)

			opts := api.Options{Auth: auth, Logger: a.logger, MaxBodySize: a.cfg.Server.MaxBodySize}
			if rc != nil {
				opts.Deduper = api.NewRedisDeduper(rc, "", a.cfg.Redis.DeduperTTL.Duration)
			}
			e := api.New(v, opts)
			errCh := make(chan error, 1)
			go func() {
				a.logger.WithField("addr", a.cfg.Server.ListenAddr).Info("api listening")
				errCh <- e.Start(a.cfg.Server.ListenAddr)
			}()

			select {
			case err = <-errCh:
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := e.Shutdown(shutdownCtx); serr != nil {
				a.logger.WithError(serr).Error("shutdown api")
			}
			if derr := ts.Deinitialize(shutdownCtx); derr != nil {
				a.logger.WithError(derr).Error("close store")
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func (a *app) tuiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Browse and edit the task list in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Logs go to a file while the screen is in use.
			a.logger.SetOutput(logSink(a.cfg.Database.DataDir))

			ts, rc, err := a.openStore(false)
			if err != nil {
				return err
			}
			defer a.closeRedis(rc)
			defer ts.Deinitialize(context.Background())

			v := view.New(ts, a.logger)
			if err := v.Load(ctx); err != nil {
				a.logger.WithError(err).Warn("initial load failed")
			}
			go v.Watch(ctx)
			return tui.Run(ctx, v)
		},
	}
}

func (a *app) uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Push pending local changes to the remote and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ts, _, err := a.openStore(true)
			if err != nil {
				return err
			}
			defer ts.Deinitialize(context.Background())

			if err := ts.Initialize(ctx); err != nil {
				return err
			}
			before := ts.Pending()
			if err := ts.Upload(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d change(s), %d pending\n", before-ts.Pending(), ts.Pending())
			return nil
		},
	}
}

func (a *app) pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Fetch remote changes into the local database and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ts, _, err := a.openStore(true)
			if err != nil {
				return err
			}
			defer ts.Deinitialize(context.Background())

			if err := ts.Initialize(ctx); err != nil {
				return err
			}
			if err := ts.Pull(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d task(s) in %s\n", len(ts.Data()), ts.Name())
			return nil
		},
	}
}

func (a *app) provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the remote table for the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Remote.URL == "" {
				return errors.New("REMOTE_URL must be set to provision")
			}
			remote, err := storage.NewTableRemote(a.cfg.Remote.URL, storage.RemoteOptions{
				Auth: storage.RemoteAuth{Username: a.cfg.Remote.Username, Password: a.cfg.Remote.Password},
			}, a.cfg.Database.Name)
			if err != nil {
				return err
			}
			if err := remote.EnsureTable(cmd.Context()); err != nil {
				return fmt.Errorf("create table: %w", err)
			}
			a.logger.WithField("table", storage.TableName(a.cfg.Database.Name)).Info("remote table ready")
			return nil
		},
	}
}

// openStore builds the task store from the configuration. One-shot commands
// run without the pull loop and without Redis.
func (a *app) openStore(oneShot bool) (*taskstore.TaskStore, *redis.Client, error) {
	opts := a.cfg.StoreOptions()
	opts.Logger = a.logger
	if oneShot {
		opts.PullInterval = -1
	}

	var rc *redis.Client
	if conn := a.cfg.Redis.ConnectionString; conn != "" && !oneShot {
		redisOpts, err := config.RedisOptions(conn)
		if err != nil {
			return nil, nil, err
		}
		rc = redis.NewClient(redisOpts)
		opts.Redis = rc
	}

	ts := taskstore.New(taskstore.Config{
		Name:      a.cfg.Database.Name,
		URLRemote: a.cfg.Remote.URL,
		Username:  a.cfg.Remote.Username,
		Password:  a.cfg.Remote.Password,
	}, opts)
	return ts, rc, nil
}

func (a *app) closeRedis(rc *redis.Client) {
	if rc == nil {
		return
	}
	if err := rc.Close(); err != nil {
		a.logger.WithError(err).Warn("close redis")
	}
}

// newAuthenticator returns nil when the API runs without authentication.
func newAuthenticator(cfg config.Auth) (api.Authenticator, error) {
	switch cfg.Mode {
	case config.AuthHS256:
		return api.NewSharedSecretAuth([]byte(cfg.SharedSecret)), nil
	case config.AuthJWKS:
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		return api.NewJWKSAuth(jwks, cfg.Audience, "https://"+cfg.Domain+"/", cfg.JWKSCacheTTL.Duration), nil
	default:
		return nil, nil
	}
}

func logSink(dir string) *os.File {
	if err := os.MkdirAll(dir, 0o755); err == nil {
		if f, err := os.OpenFile(filepath.Join(dir, "tasklist.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			return f
		}
	}
	null, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	return null
}
