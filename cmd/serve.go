package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atomicobject/vaultd/internal/api"
	"github.com/atomicobject/vaultd/internal/config"
	"github.com/atomicobject/vaultd/internal/preferences"
	"github.com/atomicobject/vaultd/internal/registry"
	"github.com/atomicobject/vaultd/internal/vaultcore"
	"github.com/atomicobject/vaultd/internal/vaultlog"
)

var (
	serveAddr    string
	serveOrigins string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vaultd HTTP/WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := vaultlog.For("serve")

		registryPath, err := config.RegistryPath()
		if err != nil {
			return err
		}
		prefsPath, err := config.PreferencesPath()
		if err != nil {
			return err
		}

		reg, err := registry.Open(registryPath)
		if err != nil {
			return err
		}
		defer reg.Close()

		prefs, err := preferences.Open(prefsPath)
		if err != nil {
			return err
		}

		core, err := vaultcore.New(reg, prefs)
		if err != nil {
			return err
		}

		var origins []string
		if serveOrigins != "" {
			origins = strings.Split(serveOrigins, ",")
		}
		handler := api.NewRouter(core, api.Options{AllowedOrigins: origins})

		srv := &http.Server{Addr: serveAddr, Handler: handler}

		errCh := make(chan error, 1)
		go func() {
			log.WithField("addr", serveAddr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Info("shutting down")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":7417", "address to listen on")
	serveCmd.Flags().StringVar(&serveOrigins, "allowed-origins", "", "comma-separated CORS origins (empty disables CORS)")
	rootCmd.AddCommand(serveCmd)
}
