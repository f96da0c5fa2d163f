package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/depotd/depot/internal/admin"
	"github.com/depotd/depot/internal/auth"
	"github.com/depotd/depot/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the repository over HTTP",
	Long:  "Start the HTTP server. Reads and writes go through the same engine the other commands use, against the configured data directory.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "listen address")
	serveCmd.Flags().String("auth-secret", "", "shared secret for bearer token verification (DEPOT_AUTH_SECRET)")
	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("auth_secret", serveCmd.Flags().Lookup("auth-secret"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) (err error) {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := repo.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var verifier *auth.Verifier
	if secret := viper.GetString("auth_secret"); secret != "" {
		verifier = auth.NewVerifier(secret)
	} else {
		slog.Warn("no auth secret configured, only anonymous reads will succeed")
	}

	mirror, err := admin.Open(filepath.Join(getDataDir(), "admin.db"))
	if err != nil {
		return err
	}
	defer mirror.Close()
	if err := mirror.Sync(cmd.Context(), repo.Schema()); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: viper.GetString("listen"),
		Handler: server.New(server.Config{
			Repo:     repo,
			Verifier: verifier,
			Mirror:   mirror,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
