package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strefethen/sonos-remote/internal/app"
	"github.com/strefethen/sonos-remote/internal/auth"
	"github.com/strefethen/sonos-remote/internal/config"
	"github.com/strefethen/sonos-remote/internal/devicecache"
	"github.com/strefethen/sonos-remote/internal/logging"
	"github.com/strefethen/sonos-remote/internal/server"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "sonos-remote",
		Short:        "Network remote control service for Sonos speakers",
		SilenceUsage: true,
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(serveCommand(&configPath))
	root.AddCommand(discoverCommand(&configPath))
	root.AddCommand(tokenCommand(&configPath))
	root.AddCommand(versionCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadStack(configPath string) (config.Config, *logging.Sink, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	sink, err := logging.New(logging.Config{
		Level:         cfg.LogLevel,
		Format:        cfg.LogFormat,
		AllowChannels: cfg.LogAllowChannels,
		BlockChannels: cfg.LogBlockChannels,
	})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, sink, nil
}

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and event listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sink, err := loadStack(*configPath)
			if err != nil {
				return err
			}
			defer sink.Sync()
			log := sink.Channel("main")

			var cache *devicecache.Cache
			if cfg.CachePath != "" {
				cache, err = devicecache.Open(cfg.CachePath)
				if err != nil {
					log.Warn("device cache unavailable, running without persistence",
						zap.String("path", cfg.CachePath), zap.Error(err))
				} else {
					defer cache.Close()
				}
			}

			controller := app.New(cfg, sink, cache)
			hub := server.NewHub(sink.Channel("ws"))
			controller.OnState(hub.Broadcast)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			loopDone := make(chan error, 1)
			go func() {
				loopDone <- controller.Run(ctx)
			}()

			apiServer := &http.Server{
				Addr:              cfg.Host + ":" + cfg.Port,
				Handler:           server.NewHandler(cfg, sink, controller, hub),
				ReadHeaderTimeout: 5 * time.Second,
			}
			callbackServer := &http.Server{
				Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.CallbackPort),
				Handler:           server.NewCallbackHandler(controller),
				ReadHeaderTimeout: 5 * time.Second,
			}

			serverErr := make(chan error, 2)
			go func() {
				log.Info("control api listening", zap.String("addr", apiServer.Addr),
					zap.Bool("auth", cfg.AuthEnabled()))
				serverErr <- apiServer.ListenAndServe()
			}()
			go func() {
				log.Info("event callback listening", zap.String("addr", callbackServer.Addr))
				serverErr <- callbackServer.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
			case err := <-serverErr:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					stop()
					log.Error("server failed", zap.Error(err))
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			apiServer.Shutdown(shutdownCtx)
			callbackServer.Shutdown(shutdownCtx)
			hub.Close()

			select {
			case <-loopDone:
			case <-shutdownCtx.Done():
				log.Warn("controller did not stop in time")
			}
			log.Info("stopped")
			return nil
		},
	}
}

func discoverCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Scan the network once and print the speakers found",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sink, err := loadStack(*configPath)
			if err != nil {
				return err
			}
			defer sink.Sync()

			// One-shot scan: no cache, no default selection, no rescans.
			cfg.RescanSchedule = ""
			cfg.DefaultDeviceIP = ""
			controller := app.New(cfg, sink, nil)

			ctx, cancel := context.WithTimeout(cmd.Context(),
				time.Duration(cfg.DiscoveryTimeoutMs)*time.Millisecond+5*time.Second)
			defer cancel()

			loopDone := make(chan error, 1)
			loopCtx, stopLoop := context.WithCancel(context.Background())
			go func() {
				loopDone <- controller.Run(loopCtx)
			}()
			defer func() {
				stopLoop()
				<-loopDone
			}()

			// Run starts a scan on its own; wait for it to settle.
			for {
				scanning, err := controller.Discovering(ctx)
				if err != nil {
					return err
				}
				if !scanning {
					break
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("discovery did not finish in time")
				case <-time.After(200 * time.Millisecond):
				}
			}

			devices, err := controller.Devices(ctx)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no speakers found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tIP\tUUID")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.IP, d.UUID)
			}
			return w.Flush()
		},
	}
}

func tokenCommand(configPath *string) *cobra.Command {
	var name string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if !cfg.AuthEnabled() {
				return fmt.Errorf("JWT_SECRET is not configured, the API runs open")
			}

			token, err := auth.GenerateToken(cfg.JWTSecret, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "client name embedded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 365*24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("name")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "sonos-remote "+version)
		},
	}
}
