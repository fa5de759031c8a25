package nodeapp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fr3shw3b/flowsession/internal/node"
	"github.com/fr3shw3b/flowsession/pkg/clock"
	"github.com/fr3shw3b/flowsession/pkg/config"
	"github.com/fr3shw3b/flowsession/pkg/flowmapper"
	"github.com/fr3shw3b/flowsession/pkg/records"
	"github.com/fr3shw3b/flowsession/pkg/replay"
	"github.com/fr3shw3b/flowsession/pkg/replayer"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/fr3shw3b/flowsession/pkg/statestore"
	"github.com/fr3shw3b/flowsession/pkg/storage/sqlite"
	"github.com/fr3shw3b/flowsession/pkg/telemetry"
	"github.com/fr3shw3b/flowsession/pkg/transport"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const topicBuffer = 256

func Run(port int) error {
	if err := godotenv.Load(".env.node"); err != nil {
		log.Println("No .env.node file loaded, using the process environment: ", err)
	}

	conf, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration for node: ", err)
	}
	logger := createLogger(conf.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, "flowsession-node", conf.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	stores, err := openStores(conf.StorePath, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	hosted := hostedIdentities(conf)
	bus := records.NewBus(logger)
	defer bus.Close()
	inbound, err := bus.Subscribe(records.TopicP2PIn, topicBuffer)
	if err != nil {
		return err
	}
	outbound, err := bus.Subscribe(records.TopicP2POut, topicBuffer)
	if err != nil {
		return err
	}

	directory := createDirectory(conf)
	sessionReplayer := replayer.NewSessionReplayer(
		&replayer.Params{
			Scheduler: replay.Config{
				SweepInterval:     conf.ReplaySweepInterval,
				LimitTotalReplays: conf.LimitTotalReplays,
				MaxReplays:        conf.MaxReplays,
			},
		},
		createCalculator(conf),
		directory,
		directory,
		bus,
		clock.System(),
		logger,
	)
	if err := sessionReplayer.Start(ctx); err != nil {
		return err
	}
	defer sessionReplayer.Stop()

	gateway := transport.NewDefaultGateway(&transport.GatewayParams{}, bus, logger)
	defer gateway.Close()

	processor := node.NewDefaultProcessor(
		&node.Params{
			Mapper: flowmapper.NewDefaultMapper(
				&flowmapper.Params{CleanupWindow: conf.FlowMapperCleanupWindow},
				flowmapper.NewHostedIdentityResolver(hosted),
				logger,
			),
			Manager:         session.NewDefaultManager(&session.Options{ErrorOnRepeatedClose: conf.ErrorOnRepeatedClose}, logger),
			MapperStore:     stores.mapper,
			SessionStore:    stores.sessions,
			Replayer:        sessionReplayer,
			Publisher:       bus,
			Flow:            node.EchoFlow(),
			CleanupInterval: conf.FlowMapperCleanupInterval,
			OnCleanup: func(sessionIDs []string) {
				routes := make([]string, 0, len(sessionIDs))
				for _, sessionID := range sessionIDs {
					routes = append(routes, flowmapper.ToggleSessionID(sessionID))
				}
				gateway.ForgetRoutes(routes)
			},
		},
		logger,
	)

	go gateway.Run(ctx, outbound)
	go func() {
		if err := processor.Run(ctx, inbound); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session processor stopped: ", err)
		}
	}()

	router := mux.NewRouter()
	router.Handle("/", gateway)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		ReadTimeout:       1 * time.Second,
		WriteTimeout:      1 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		Handler:           router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.WithField("hosted", conf.HostedIdentities).Infof("Node listening on port %d ...", port)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func createLogger(level string) *logrus.Logger {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02T15:04:05.999999999Z07:00"
	customFormatter.FullTimestamp = true
	logger := logrus.New()
	logger.SetFormatter(customFormatter)
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	return logger
}

type nodeStores struct {
	mapper   statestore.Store[*flowmapper.State]
	sessions statestore.Store[*session.Session]
	close    func() error
}

// openStores checkpoints to sqlite when a path is configured and keeps
// everything in memory otherwise.
func openStores(path string, logger *logrus.Logger) (*nodeStores, error) {
	if path == "" {
		return &nodeStores{
			mapper:   statestore.NewInMemoryStore[*flowmapper.State]("flow-mapper", logger),
			sessions: statestore.NewInMemoryStore[*session.Session]("sessions", logger),
			close:    func() error { return nil },
		}, nil
	}

	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	return &nodeStores{
		mapper:   sqlite.NewStore[*flowmapper.State](db, "flow-mapper", logger),
		sessions: sqlite.NewStore[*session.Session](db, "sessions", logger),
		close:    db.Close,
	}, nil
}

func hostedIdentities(conf *config.Config) []session.Identity {
	hosted := make([]session.Identity, 0, len(conf.HostedIdentities))
	for _, name := range conf.HostedIdentities {
		hosted = append(hosted, session.Identity{X500Name: name, GroupID: conf.GroupID})
	}
	return hosted
}

func createDirectory(conf *config.Config) *replayer.Directory {
	directory := replayer.NewDirectory()
	directory.AddGroup(replayer.GroupInfo{
		GroupID:     conf.GroupID,
		NetworkType: replayer.NetworkType(conf.NetworkType),
	})
	for name, nodeID := range conf.Members {
		directory.AddMember(replayer.MemberInfo{
			Identity: session.Identity{X500Name: name, GroupID: conf.GroupID},
			NodeID:   nodeID,
		})
	}
	return directory
}

func createCalculator(conf *config.Config) replay.Calculator {
	if conf.ReplayStrategy == config.ReplayStrategyExponential {
		return replay.NewExponentialCalculator(
			conf.ReplayBasePeriod,
			conf.ReplayMultiplier,
			conf.ReplayMaxPeriod,
			conf.ReplayJitter,
			nil,
		)
	}
	return replay.NewConstantCalculator(conf.ReplayBasePeriod)
}
