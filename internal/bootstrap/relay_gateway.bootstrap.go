package bootstrap

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/krobus00/market-data-relay/internal/config"
	"github.com/krobus00/market-data-relay/internal/entity"
	relayHandler "github.com/krobus00/market-data-relay/internal/handler/relay/http"
	"github.com/krobus00/market-data-relay/internal/infrastructure"
	"github.com/krobus00/market-data-relay/internal/repository"
	"github.com/krobus00/market-data-relay/internal/service/mirror"
	"github.com/krobus00/market-data-relay/internal/service/relay"
	"github.com/krobus00/market-data-relay/internal/service/status"
	"github.com/krobus00/market-data-relay/internal/service/upstream"
	"github.com/krobus00/market-data-relay/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartRelayGateway(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstreamClient, err := upstream.NewClient(config.Env.Upstream)
	util.ContinueOrFatal(err)

	var nc *nats.Conn
	var frameSink entity.FrameSink
	if config.Env.Mirror.Enabled {
		nc, err = infrastructure.NewNATSConn(config.Env.Mirror.URL)
		util.ContinueOrFatal(err)
		frameSink = mirror.NewNATSMirror(nc)
	}

	registry := relay.NewRegistry(upstreamClient, frameSink)
	statusProvider := relay.NewStatusProvider(upstreamClient, registry)

	var db *sqlx.DB
	if dbCfg, ok := config.Env.Database["relay"]; ok && strings.TrimSpace(dbCfg.DSN) != "" {
		db, err = infrastructure.NewPostgresConnection(ctx, dbCfg)
		util.ContinueOrFatal(err)
		infrastructure.StartPostgresHealthCheck(ctx, db, dbCfg.PingInterval)

		channelSubscriptionRepo := repository.NewChannelSubscriptionRepository(db)
		subs, err := channelSubscriptionRepo.GetAll(ctx)
		util.ContinueOrFatal(err)

		for _, sub := range subs {
			if err := registry.Pin(sub.Channel); err != nil {
				logrus.Errorf("failed to pin channel %s: %v", sub.Channel, err)
			}
		}
	} else {
		logrus.Info("relay database not configured, skipping pinned channels")
	}

	var statusStore *status.RedisStore
	if config.Env.StatusSnapshot.Enabled {
		redisCfg := config.Env.Redis["status"]
		statusStore, err = status.NewRedisStore(redisCfg.CacheDSN, config.Env.StatusSnapshot.TTL)
		util.ContinueOrFatal(err)

		snapshotKey := config.Env.StatusSnapshot.Key
		if snapshotKey == "" {
			snapshotKey = "market-data-relay:status"
		}

		status.StartSnapshotLoop(ctx, statusStore, snapshotKey, config.Env.StatusSnapshot.Interval, statusProvider.Status)
	}

	var upstreamWG sync.WaitGroup
	upstreamWG.Add(1)
	go func() {
		defer upstreamWG.Done()
		upstreamClient.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	handler := relayHandler.NewRelayHTTPHandler(registry, statusProvider, config.Env.Downstream)
	handler.Register(mux)

	httpServer := infrastructure.NewHTTPServerWithConfig(infrastructure.DefaultHTTPServerConfig(), mux)
	go func() {
		if err := httpServer.Start(); err != nil {
			logrus.Errorf("http server stopped: %v", err)
		}
	}()

	shutdownOps := map[string]operation{
		"http server": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"downstream connections": func(ctx context.Context) error {
			registry.CloseAll()
			return nil
		},
		"upstream feed connection": func(ctx context.Context) error {
			cancel()
			upstreamWG.Wait()
			return nil
		},
	}

	if db != nil {
		shutdownOps["database"] = func(ctx context.Context) error {
			cancel()
			return db.Close()
		}
	}

	if nc != nil {
		shutdownOps["nats connection"] = func(ctx context.Context) error {
			return infrastructure.CloseNATS(nc)
		}
	}

	if statusStore != nil {
		shutdownOps["redis connection"] = func(ctx context.Context) error {
			return statusStore.Close()
		}
	}

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, shutdownOps)

	<-wait
}
