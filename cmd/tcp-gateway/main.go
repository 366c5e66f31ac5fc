package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/authz"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/bridge"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/database"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/event"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/gateway"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/notify"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/router"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/server"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/utils"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "tcp-gateway",
		Short:         "TCP gateway for JSON speaking field devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "path to the JSON configuration file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return err
	}

	loggerCallback := logger.Init(cfg.LogDir, cfg.DebugMode)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback)
	defer cleaner.Clean()

	records, err := configuredDevices(cfg)
	if err != nil {
		logger.FatalF("Error occured while reading devices from config, details: %v", err)
		return err
	}

	opts, err := gatewayOptions(cfg)
	if err != nil {
		logger.FatalF("Error occured while applying config, details: %v", err)
		return err
	}

	if cfg.Database.Enabled {
		db, err := database.ConnectDatabase(cfg.Database, cfg.AppName)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return err
		}
		cleaner.Add(db)
		store := db.Devices(cfg.Database.Collection)
		snapshot, err := store.AllDevices(ctx)
		if err != nil {
			logger.FatalF("Error occured while loading devices, details: %v", err)
			return err
		}
		records = append(records, snapshot...)
		opts.Directory = store
	}

	notifiers := notify.Multi{notify.LogNotifier{}}
	var mqttBridge *bridge.Bridge
	if cfg.Bridge.Enabled {
		mqttBridge, err = bridge.Connect(bridge.Options{
			Broker:         cfg.Bridge.Broker,
			ClientID:       cfg.Bridge.ClientID,
			Username:       cfg.Bridge.Username,
			Password:       cfg.Bridge.Password,
			TopicPrefix:    cfg.Bridge.TopicPrefix,
			QoS:            cfg.Bridge.QoS,
			ConnectTimeout: utils.ParseStringTime(cfg.Bridge.ConnectTimeout, bridge.DefaultConnectTimeout),
		})
		if err != nil {
			logger.FatalF("Error occured while connecting MQTT bridge, details: %v", err)
			return err
		}
		cleaner.Add(mqttBridge)
		opts.Pipeline = mqttBridge
		opts.Upstream = mqttBridge
		notifiers = append(notifiers, mqttBridge)
	}
	opts.Notifier = notifiers

	gw := gateway.New(opts)
	gw.Seed(records)
	if err := gw.Start(); err != nil {
		if errors.Is(err, server.ErrAddressInUse) {
			logger.FatalF("Port %d is already in use, details: %v", cfg.AppPort, err)
		} else {
			logger.FatalF("TCP Gateway start error: %v", err)
		}
		return err
	}
	cleaner.Add(gw)

	if mqttBridge != nil {
		if err := mqttBridge.Serve(gw); err != nil {
			logger.FatalF("Error occured while subscribing control topics, details: %v", err)
			return err
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		metricsServer := metrics.NewServer(cfg.MetricsAddr)
		cleaner.Add(metricsServer)
		group.Go(metricsServer.ListenAndServe)
	}
	group.Go(func() error {
		err := event.WaitForSignal(ctx)
		cleaner.Clean()
		return err
	})
	return group.Wait()
}

func configuredDevices(cfg config.Config) ([]authz.DeviceRecord, error) {
	records := make([]authz.DeviceRecord, 0, len(cfg.Devices))
	for i, raw := range cfg.Devices {
		record, err := authz.ParseRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func gatewayOptions(cfg config.Config) (gateway.Options, error) {
	policy, err := connection.ParsePolicy(cfg.BindPolicy)
	if err != nil {
		return gateway.Options{}, err
	}
	bindOn, err := router.ParseBindOn(cfg.BindOn)
	if err != nil {
		return gateway.Options{}, err
	}
	return gateway.Options{
		Server: server.Options{
			Address:        cfg.Address(),
			Greeting:       cfg.Connack,
			KeepAlive:      utils.ParseStringTime(cfg.KeepAlive, server.DefaultKeepAlive),
			IdleTimeout:    utils.ParseStringTime(cfg.IdleTimeout, server.DefaultIdleTimeout),
			WriteTimeout:   utils.ParseStringTime(cfg.WriteTimeout, 10*time.Second),
			ReadBufferSize: cfg.ReadBufferSize,
			MaxConnections: cfg.MaxConnections,
		},
		Topics: protocol.Topics{
			Data:         cfg.Topics.Data,
			Message:      cfg.Topics.Message,
			GroupMessage: cfg.Topics.GroupMessage,
		},
		Policy:   policy,
		BindOn:   bindOn,
		Sentinel: cfg.EmptyPayload,
		Workers:  cfg.BroadcastWorkers,
		Resolver: []authz.ResolverOption{
			authz.WithLookupTimeout(utils.ParseStringTime(cfg.LookupTimeout, authz.DefaultLookupTimeout)),
			authz.WithDeniedCache(cfg.DeniedCacheSize, utils.ParseStringTime(cfg.DeniedCacheTTL, 0)),
		},
		Terminator: cfg.LineTerminator,
	}, nil
}
