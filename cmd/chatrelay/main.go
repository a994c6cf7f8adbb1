package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/config"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "chatrelay",
		Short:        "Peer message relay client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newRegisterCommand(),
		newPostCommand(),
		newSyncCommand(),
		newRunCommand(),
		newStatusCommand(),
		newMessagesCommand(),
		newPeersCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Period between scheduled syncs")
	cmd.PersistentFlags().Duration("sync-timeout", defaults.GetDuration("sync.timeout"), "Deadline for the download phase after uploads finish")
	cmd.PersistentFlags().Duration("registration-timeout", defaults.GetDuration("registration.timeout"), "Deadline for a registration")
	cmd.PersistentFlags().String("default-chatroom", defaults.GetString("chatroom.default"), "Chatroom seeded at registration and used for posts without one")
	cmd.PersistentFlags().Float64("latitude", defaults.GetFloat64("location.latitude"), "Device latitude attached to messages")
	cmd.PersistentFlags().Float64("longitude", defaults.GetFloat64("location.longitude"), "Device longitude attached to messages")
	cmd.PersistentFlags().Bool("transport-insecure", defaults.GetBool("transport.insecure"), "Dial relay servers without TLS")
	cmd.PersistentFlags().String("status-address", defaults.GetString("status.address"), "Status API listen address (empty disables it)")
	cmd.PersistentFlags().Bool("tracing-enabled", defaults.GetBool("tracing.enabled"), "Export traces over OTLP/gRPC")
	cmd.PersistentFlags().String("tracing-endpoint", defaults.GetString("tracing.endpoint"), "OTLP/gRPC collector endpoint")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "sync.timeout", "sync-timeout")
	bindFlag(cmd, "registration.timeout", "registration-timeout")
	bindFlag(cmd, "chatroom.default", "default-chatroom")
	bindFlag(cmd, "location.latitude", "latitude")
	bindFlag(cmd, "location.longitude", "longitude")
	bindFlag(cmd, "transport.insecure", "transport-insecure")
	bindFlag(cmd, "status.address", "status-address")
	bindFlag(cmd, "tracing.enabled", "tracing-enabled")
	bindFlag(cmd, "tracing.endpoint", "tracing-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("chatrelay")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// withApplication wires the application for the duration of one command.
func withApplication(cmd *cobra.Command, run func(ctx context.Context, app *application) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close(context.Background())
	return run(ctx, app)
}

func newRegisterCommand() *cobra.Command {
	var serverAddress, chatName string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this device with a relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				if err := app.adapter.RunRegistration(ctx, serverAddress, chatName); err != nil {
					return err
				}
				identity, err := app.store.Identity(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"app_id":         identity.DisplayAppID(),
					"chat_name":      identity.ChatName,
					"server_address": identity.ServerAddress,
				})
			})
		},
	}
	cmd.Flags().StringVar(&serverAddress, "server", "", "Relay server address (host:port)")
	cmd.Flags().StringVar(&chatName, "name", "", "Chat name announced to peers")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newPostCommand() *cobra.Command {
	var chatroom string
	cmd := &cobra.Command{
		Use:   "post [text...]",
		Short: "Queue a message for delivery on the next sync",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				response, err := app.adapter.RunPostMessage(ctx, chatroom, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), response)
			})
		},
	}
	cmd.Flags().StringVar(&chatroom, "chatroom", "", "Target chatroom (defaults to the configured default chatroom)")
	return cmd
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync session against the registered relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				syncErr := app.adapter.RunSyncOnce(ctx)
				if err := printJSON(cmd.OutOrStdout(), app.adapter.LastSync()); err != nil {
					return err
				}
				return syncErr
			})
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync periodically and serve the status API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, runService)
		},
	}
}

func runService(ctx context.Context, app *application) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = app.adapter.RunSyncOnce(signalCtx)
	if err := app.adapter.StartPeriodicSync(signalCtx); err != nil {
		return err
	}
	defer func() {
		if err := app.adapter.StopPeriodicSync(); err != nil {
			app.logger.Warn("failed to stop periodic sync", zap.Error(err))
		}
	}()

	if app.config.StatusAddress == "" {
		<-signalCtx.Done()
		return nil
	}

	handler, err := server.NewHTTPHandler(app.statusDependencies())
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              app.config.StatusAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("status api starting", zap.String("address", app.config.StatusAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the device identity, watermark and outbound queue size",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				identity, err := app.store.Identity(ctx)
				if err != nil {
					return err
				}
				watermark, err := app.store.Watermark(ctx)
				if err != nil {
					return err
				}
				outbound, err := app.store.OutboundQueue(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"app_id":         identity.DisplayAppID(),
					"registered":     identity.Registered(),
					"chat_name":      identity.ChatName,
					"server_address": identity.ServerAddress,
					"watermark":      watermark,
					"outbound":       len(outbound),
				})
			})
		},
	}
}

func newMessagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "messages [chatroom]",
		Short: "List the messages of a chatroom",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				chatroom := app.config.DefaultChatroom
				if len(args) == 1 {
					chatroom = args[0]
				}
				messages, err := app.store.Messages(ctx, chatroom)
				if err != nil {
					return fmt.Errorf("list messages of %q: %w", chatroom, err)
				}
				return printJSON(cmd.OutOrStdout(), messages)
			})
		},
	}
}

func newPeersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List known peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				peers, err := app.store.Peers(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), peers)
			})
		},
	}
}
