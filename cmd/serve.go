package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"StoryToComic-server/logger"
	"StoryToComic-server/routers"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()
			if port == "" {
				port = a.cfg.Server.Port
			}
			if a.cfg.Logging.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			srv := &http.Server{
				Addr:              port,
				Handler:           routers.InitRouter(a.manager, a.cfg.PreferencesFile),
				ReadHeaderTimeout: 10 * time.Second,
			}
			l := logger.WithComponent("server")
			errCh := make(chan error, 1)
			go func() {
				l.Info("server starting", slog.String("addr", port))
				errCh <- srv.ListenAndServe()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			l.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&port, "addr", "", "listen address (overrides server.port)")
	return cmd
}
