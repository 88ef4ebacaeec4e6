// Package node launches a registry node and manages the lifecycle of its
// services: storage, batching, anchoring, federation sync, the HTTP API, and
// monitoring, gracefully closing them when the process ends.
package node

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/pohwnet/registry/cmd/registry-node/flags"
	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/monitoring/prometheus"
	"github.com/pohwnet/registry/registry-node/anchor"
	"github.com/pohwnet/registry/registry-node/batcher"
	"github.com/pohwnet/registry/registry-node/claim"
	"github.com/pohwnet/registry/registry-node/credential"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/db/kv"
	"github.com/pohwnet/registry/registry-node/identity"
	"github.com/pohwnet/registry/registry-node/intake"
	"github.com/pohwnet/registry/registry-node/reputation"
	"github.com/pohwnet/registry/registry-node/rpc"
	regsync "github.com/pohwnet/registry/registry-node/sync"
	"github.com/pohwnet/registry/runtime"
)

var log = logrus.WithField("prefix", "node")

// RegistryNode handles the lifecycle of the entire system and registers
// services to a service registry.
type RegistryNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{} // Channel to wait for termination notifications.
	db       iface.Database
}

// New creates a node instance, applies configuration, and registers every
// service in dependency order.
func New(cliCtx *cli.Context) (*RegistryNode, error) {
	if err := configure(cliCtx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &RegistryNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	if err := node.startDB(cliCtx); err != nil {
		cancel()
		return nil, err
	}
	if err := node.registerServices(cliCtx); err != nil {
		cancel()
		return nil, err
	}
	return node, nil
}

// configure loads the config file and applies flag overrides.
func configure(cliCtx *cli.Context) error {
	if cliCtx.IsSet(flags.ConfigFileFlag.Name) {
		if err := params.LoadConfigFile(cliCtx.String(flags.ConfigFileFlag.Name)); err != nil {
			return errors.Wrap(err, "could not load config file")
		}
	}
	cfg := params.RegistryConfigSnapshot().Copy()
	if cliCtx.IsSet(flags.RegistryIDFlag.Name) {
		cfg.RegistryID = cliCtx.String(flags.RegistryIDFlag.Name)
	}
	if cliCtx.IsSet(flags.BatchSizeFlag.Name) {
		cfg.BatchSize = cliCtx.Int(flags.BatchSizeFlag.Name)
	}
	if cliCtx.Bool(flags.EnableAnchoringFlag.Name) {
		cfg.AnchoringEnabled = true
	}
	if cliCtx.IsSet(flags.PeerFlag.Name) {
		cfg.Peers = append(cfg.Peers, cliCtx.StringSlice(flags.PeerFlag.Name)...)
	}
	params.OverrideRegistryConfig(cfg)
	return nil
}

func (n *RegistryNode) startDB(cliCtx *cli.Context) error {
	dataDir := cliCtx.String(flags.DataDirFlag.Name)
	dbPath := filepath.Join(dataDir, kv.RegistryDirName)
	log.WithField("databasePath", dbPath).Info("Checking DB")
	store, err := kv.NewKVStore(dbPath)
	if err != nil {
		return errors.Wrap(err, "could not open database")
	}
	if cliCtx.Bool(flags.ForceClearDBFlag.Name) {
		if err := store.ClearDB(); err != nil {
			return errors.Wrap(err, "could not clear database")
		}
		store, err = kv.NewKVStore(dbPath)
		if err != nil {
			return errors.Wrap(err, "could not reopen database")
		}
	}
	n.db = store
	return nil
}

func (n *RegistryNode) registerServices(cliCtx *cli.Context) error {
	rateEngine := reputation.NewEngine(n.db)
	identitySvc := identity.NewService(n.db)
	credentialSvc := credential.NewService(n.db, nil)

	batcherSvc := batcher.NewService(n.ctx, n.db)
	if err := n.services.RegisterService(batcherSvc); err != nil {
		return err
	}

	chains := anchor.ChainsFromConfig(params.RegistryConfigSnapshot())
	anchorSvc := anchor.NewService(n.ctx, n.db, batcherSvc, chains...)
	if err := n.services.RegisterService(anchorSvc); err != nil {
		return err
	}

	syncSvc := regsync.NewService(n.ctx, n.db)
	if err := n.services.RegisterService(syncSvc); err != nil {
		return err
	}

	intakeSvc := intake.NewService(n.db, rateEngine, credentialSvc, batcherSvc)
	composer := claim.NewComposer(n.db)

	rpcSvc := rpc.NewService(n.ctx, &rpc.Config{
		Host:           cliCtx.String(flags.HTTPHostFlag.Name),
		Port:           strconv.Itoa(cliCtx.Int(flags.HTTPPortFlag.Name)),
		AllowedOrigins: cliCtx.StringSlice(flags.CORSDomainFlag.Name),
		DB:             n.db,
		Intake:         intakeSvc,
		Batcher:        batcherSvc,
		Anchor:         anchorSvc,
		Identity:       identitySvc,
		Credentials:    credentialSvc,
		Reputation:     rateEngine,
		Composer:       composer,
		Peers:          syncSvc,
	})
	if err := n.services.RegisterService(rpcSvc); err != nil {
		return err
	}

	if !cliCtx.Bool(flags.DisableMonitoringFlag.Name) {
		logrus.AddHook(prometheus.NewLogrusCollector())
		addr := cliCtx.String(flags.MonitoringHostFlag.Name) + ":" +
			strconv.Itoa(cliCtx.Int(flags.MonitoringPortFlag.Name))
		if err := n.services.RegisterService(prometheus.NewService(addr, n.services)); err != nil {
			return err
		}
	}
	return nil
}

// Start launches every registered service and blocks until interrupted.
func (n *RegistryNode) Start() {
	n.lock.Lock()
	log.WithField("registry", params.RegistryConfigSnapshot().RegistryID).Info("Starting registry node")
	n.services.StartAll()
	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the registry node")
	}()

	<-stop
}

// Close stops every service and releases the database.
func (n *RegistryNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping registry node")
	n.services.StopAll()
	if err := n.db.Close(); err != nil {
		log.WithError(err).Error("Failed to close database")
	}
	n.cancel()
	close(n.stop)
}
