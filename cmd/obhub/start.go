package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/keepmind9/obhub/internal/command"
	"github.com/keepmind9/obhub/internal/core"
	"github.com/keepmind9/obhub/internal/logger"
	"github.com/keepmind9/obhub/internal/protocol"
)

var (
	configFile string

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the obhub service",
		Long:  "Start the obhub websocket listener and dispatch inbound bot events through the command engine",
		Run: func(cmd *cobra.Command, args []string) {
			config, err := core.LoadConfig(configFile)
			if err != nil {
				log.Fatalf("Failed to load config: %v", err)
			}

			fmt.Printf("Starting obhub with config: %s\n", configFile)
			fmt.Printf("Listen address: %s:%d\n", config.Server.Host, config.Server.Port)
			fmt.Printf("Commands enabled: %v\n", !config.Commands.Disabled)

			logConfig := logger.Config{
				Level:        config.Logging.Level,
				File:         config.Logging.File,
				MaxSize:      config.Logging.MaxSize,
				MaxBackups:   config.Logging.MaxBackups,
				MaxAge:       config.Logging.MaxAge,
				Compress:     config.Logging.Compress,
				EnableStdout: config.Logging.EnableStdout,
			}
			if err := logger.InitLogger(logConfig); err != nil {
				log.Fatalf("Failed to initialize logger: %v", err)
			}

			logger.WithFields(logrus.Fields{
				"config_file": configFile,
				"log_level":   config.Logging.Level,
			}).Info("Logger initialized")

			service := core.NewService(config)
			registerBuiltinCommands(service)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			serviceErrChan := make(chan error, 1)
			go func() {
				fmt.Println("\nobhub service starting...")
				fmt.Println("Press Ctrl+C to stop")
				serviceErrChan <- service.Run(ctx)
			}()

			select {
			case sig := <-sigChan:
				log.Printf("Received signal: %v, shutting down gracefully...", sig)
				cancel()
				if err := <-serviceErrChan; err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			case err := <-serviceErrChan:
				if err != nil {
					log.Fatalf("Service error: %v", err)
				}
			}

			log.Println("obhub stopped")
		},
	}
)

// registerBuiltinCommands installs the small built-in static command set.
// Everything else is expected to be registered by the embedding program.
func registerBuiltinCommands(service *core.Service) {
	pong := func(ctx context.Context, ev *protocol.Event) error {
		return service.Reply(ev, "pong")
	}
	service.Registry().RegisterStatic(
		command.Descriptor{
			Name:        "ping-private",
			Expressions: []string{`^/ping$`},
			Source:      protocol.SourcePrivate,
			GroupName:   "builtin",
			Handler:     pong,
		},
		command.Descriptor{
			Name:        "ping-group",
			Expressions: []string{`^/ping$`},
			Source:      protocol.SourceGroup,
			GroupName:   "builtin",
			Handler:     pong,
		},
	)
}

func init() {
	startCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file path")
}
