// Package database connects to the MongoDB device directory.
package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/utils"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultOperationTimeout = 5 * time.Second

type Database struct {
	Client           *mongo.Client
	DB               *mongo.Database
	OperationTimeout time.Duration
}

// Invoke disconnects the client; it is registered with the shutdown cleaner.
func (d *Database) Invoke(_ context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(context.Background(), d.OperationTimeout)
	defer cancel()
	return d.Client.Disconnect(ctx)
}

// Devices returns the device directory backed by the configured collection.
func (d *Database) Devices(collection string) *DeviceStore {
	return NewDeviceStore(mongoCollection{coll: d.DB.Collection(collection)}, d.OperationTimeout)
}

// URI returns cfg.URI when set, otherwise a URI built from the host and
// credential fields.
func URI(cfg config.Database) string {
	if cfg.URI != "" {
		return cfg.URI
	}
	if cfg.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		url.QueryEscape(cfg.Username), url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
	)
}

func clientOptions(cfg config.Database, appName string) *options.ClientOptions {
	clientOptions := options.Client().ApplyURI(URI(cfg)).SetAppName(appName)
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(cfg.ConnectIdleTimeout, 5*time.Minute))
	clientOptions.SetConnectTimeout(utils.ParseStringTime(cfg.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(cfg.SocketTimeout, 30*time.Second))
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(cfg.Heartbeat, 10*time.Second))
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})
	return clientOptions
}

func ConnectDatabase(cfg config.Database, appName string) (*Database, error) {
	logger.DebugF("Connecting to database...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(cfg, appName))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	logger.InfoF("Connected to database %s", cfg.Database)
	return &Database{
		Client:           client,
		DB:               client.Database(cfg.Database),
		OperationTimeout: utils.ParseStringTime(cfg.OperationTimeout, DefaultOperationTimeout),
	}, nil
}
