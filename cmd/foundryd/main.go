package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"foundry/internal/chain"
	"foundry/internal/coordinator"
	"foundry/internal/coordinator/stakemodule"
	"foundry/internal/kvstore"
	"foundry/internal/logging"
	"foundry/internal/mempool"
	"foundry/internal/metrics"
	"foundry/internal/miner"
	"foundry/internal/p2p"
	"foundry/internal/sandbox"
	"foundry/internal/state"
	"foundry/internal/tendermint"
	"foundry/internal/triedb"
	"foundry/internal/types"
	"foundry/pkg/config"
)

func main() {
	root := &cobra.Command{Use: "foundryd", Short: "a Foundry node"}
	root.PersistentFlags().String("env", "", "configuration environment to merge over default.yaml")

	root.AddCommand(runCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	show := &cobra.Command{
		Use:   "show",
		Short: "print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start a foundryd node",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runNode(cfg)
		},
	}
}

// node bundles every long-lived actor wired up by runNode, so Shutdown can
// stop them in one place.
type node struct {
	db          *kvstore.DB
	hub         *chain.Hub
	metrics     *metrics.Collector
	metricsSrv  *http.Server
	p2p         *p2p.Node
	cancelMiner context.CancelFunc
}

func (n *node) Shutdown(ctx context.Context) {
	if n.cancelMiner != nil {
		n.cancelMiner()
	}
	if n.metricsSrv != nil {
		n.metrics.Shutdown(ctx, n.metricsSrv)
	}
	if n.p2p != nil {
		n.p2p.Close()
	}
	if n.db != nil {
		n.db.Close()
	}
}

func runNode(cfg *config.Config) error {
	if cfg.Logging.Level != "" {
		if err := logging.SetLevel(cfg.Logging.Level); err != nil {
			return fmt.Errorf("logging level: %w", err)
		}
	}
	logging.SetJSON(cfg.Logging.JSON)
	log := logging.L().WithField("component", "foundryd")

	db, err := kvstore.Open(cfg.Storage.ChainDBPath)
	if err != nil {
		return fmt.Errorf("open chain db: %w", err)
	}
	n := &node{db: db}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.Shutdown(ctx)
	}()

	store, err := triedb.NewStore(db, 1024, 128)
	if err != nil {
		return fmt.Errorf("open trie store: %w", err)
	}
	trieDB := triedb.NewDB(store)

	descriptorRaw, err := os.ReadFile(cfg.Descriptor.Path)
	if err != nil {
		return fmt.Errorf("read descriptor: %w", err)
	}
	desc, err := coordinator.ParseDescriptor(descriptorRaw)
	if err != nil {
		return fmt.Errorf("parse descriptor: %w", err)
	}

	genesisState, err := state.NewTopLevelState(trieDB, types.StateRoot{})
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}

	registry := sandbox.NewRegistry()
	single := sandbox.NewSingleProcessSandboxer()
	single.Register("stakemodule", stakemodule.New)
	registry.Register(single)

	linkers := sandbox.NewLinkerSet(sandbox.IntraLinker{})
	weaver := coordinator.NewWeaver(registry, linkers)
	if err := weaver.Weave(desc, nil); err != nil {
		return fmt.Errorf("weave modules: %w", err)
	}
	defer weaver.Shutdown()

	coord := coordinator.NewCoordinator(weaver, desc, genesisState)

	// newCoordinatorAt builds a fresh weaver+coordinator rooted at an
	// arbitrary historical state root, used by the import-time state
	// verifier below. TopLevelState.Commit/SubState.commit mutate their
	// receivers in place, so a candidate block under verification can never
	// be executed against the live, already-advancing coord: a throwaway
	// instance is built, executed once, and discarded whether or not the
	// block is accepted.
	newCoordinatorAt := func(root types.StateRoot) (*coordinator.Coordinator, *coordinator.Weaver, error) {
		ts, err := state.NewTopLevelState(trieDB, root)
		if err != nil {
			return nil, nil, fmt.Errorf("open state at %s: %w", root, err)
		}
		w := coordinator.NewWeaver(registry, linkers)
		if err := w.Weave(desc, nil); err != nil {
			return nil, nil, fmt.Errorf("weave modules: %w", err)
		}
		return coordinator.NewCoordinator(w, desc, ts), w, nil
	}

	// verifier re-executes every non-genesis block's transactions against
	// its parent's state to confirm header.StateRoot and
	// header.NextValidatorSetHash before the importer accepts it (§4.7).
	verifier := func(parentRoot types.StateRoot, header types.PreHeader, txs []types.Transaction, era uint64) (types.StateRoot, *types.ValidatorSet, error) {
		c, w, err := newCoordinatorAt(parentRoot)
		if err != nil {
			return types.StateRoot{}, nil, err
		}
		defer w.Shutdown()
		return c.ExecuteBlock(header, txs, triedb.Era(era))
	}

	pool, err := mempool.New(cfg.Mempool.CountLimit, cfg.Mempool.MemLimit, db, coord)
	if err != nil {
		return fmt.Errorf("open mempool: %w", err)
	}

	hub := chain.NewHub()
	n.hub = hub

	chainParams := types.ChainParams{MaxBodySize: 1 << 20, Extra: map[string]string{}}
	genesis := buildGenesisBlock(chainParams)
	importer, err := chain.NewImporter(db, hub, genesis, verifier)
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}

	var engine *tendermint.Engine
	var producer *miner.Producer
	if desc.Host.Engine == coordinator.EngineTendermint {
		if cfg.Consensus.GenesisValidators == "" {
			return fmt.Errorf("consensus.genesis_validators is required for the tendermint engine")
		}
		validators, err := loadGenesisValidators(cfg.Consensus.GenesisValidators)
		if err != nil {
			return err
		}
		timeouts := tendermint.TimeoutConfig{
			Base:  time.Duration(cfg.Consensus.ProposeTimeoutMS) * time.Millisecond,
			Delta: time.Duration(cfg.Consensus.TimeoutDeltaMS) * time.Millisecond,
		}
		engine = tendermint.NewEngine(1, validators, timeouts)
		log.WithField("validators", len(validators.Validators)).Info("tendermint engine started")

		signer, err := loadValidatorSigner(cfg.Consensus.ValidatorKeyPath)
		if err != nil {
			return err
		}
		if signer != nil {
			engine.SetSigner(signer)
			blockInterval := time.Duration(cfg.Consensus.BlockIntervalMS) * time.Millisecond
			if blockInterval <= 0 {
				blockInterval = time.Second
			}
			publishBlock := func(b types.Block) error {
				if n.p2p == nil {
					return nil
				}
				data, err := encodeGossipBlock(b)
				if err != nil {
					return err
				}
				return n.p2p.Broadcast(p2p.TopicBlocks, data)
			}
			publishVote := func(step types.VoteStep, v types.Vote) error {
				if n.p2p == nil {
					return nil
				}
				data, err := miner.EncodeVoteMessage(step, v)
				if err != nil {
					return err
				}
				return n.p2p.Broadcast(p2p.TopicVotes, data)
			}
			producer = miner.New(coord, pool, importer, engine, signer, chainParams, int(chainParams.MaxBodySize), publishBlock, publishVote)
			minerCtx, cancelMiner := context.WithCancel(context.Background())
			n.cancelMiner = cancelMiner
			go producer.Run(minerCtx, blockInterval)
			log.WithField("validator", signer.PublicKey()).Info("block producer started")
		}
	}

	collector := metrics.New()
	n.metrics = collector
	collector.SetChainHeight(genesis.Header.Number)
	if cfg.HTTP.MetricsAddr != "" {
		n.metricsSrv = collector.StartServer(cfg.HTTP.MetricsAddr)
		log.WithField("addr", cfg.HTTP.MetricsAddr).Info("metrics server listening")
	}

	if cfg.HTTP.ListenAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.HTTP.ListenAddr, newAPIRouter(importer, pool)); err != nil {
				log.WithError(err).Error("http api server stopped")
			}
		}()
		log.WithField("addr", cfg.HTTP.ListenAddr).Info("http api server listening")
	}

	if cfg.HTTP.NotifierAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/ws", hub)
			if err := http.ListenAndServe(cfg.HTTP.NotifierAddr, mux); err != nil {
				log.WithError(err).Error("notifier server stopped")
			}
		}()
		log.WithField("addr", cfg.HTTP.NotifierAddr).Info("notifier server listening")
	}

	if cfg.Network.ListenAddr != "" {
		p2pNode, err := p2p.NewNode(p2p.Config{
			ListenAddr:     cfg.Network.ListenAddr,
			BootstrapPeers: cfg.Network.BootstrapPeers,
		})
		if err != nil {
			return fmt.Errorf("start p2p node: %w", err)
		}
		n.p2p = p2pNode
		log.WithField("id", p2pNode.HostID()).Info("p2p node started")

		txCh, err := p2pNode.Subscribe(p2p.TopicTransactions)
		if err != nil {
			return fmt.Errorf("subscribe transactions topic: %w", err)
		}
		go relayGossipTransactions(txCh, pool)

		blockCh, err := p2pNode.Subscribe(p2p.TopicBlocks)
		if err != nil {
			return fmt.Errorf("subscribe blocks topic: %w", err)
		}
		var validators types.ValidatorSet
		if engine != nil {
			validators = engine.Validators
		}
		go relayGossipBlocks(blockCh, importer, validators, chainParams, collector)

		if producer != nil {
			voteCh, err := p2pNode.Subscribe(p2p.TopicVotes)
			if err != nil {
				return fmt.Errorf("subscribe votes topic: %w", err)
			}
			go relayGossipVotes(voteCh, producer)
		}
	}

	log.Info("foundryd node running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return nil
}
