// Package metrics is the ambient Prometheus wiring named in SPEC_FULL.md's
// domain stack, adapted from the teacher's core/system_health_logging.go
// registry/gauge/StartMetricsServer shape: a private prometheus.Registry (not
// the global default, so multiple nodes in one process don't collide) with
// one gauge per component Foundry actually tracks.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"foundry/internal/logging"
)

// Collector owns a private registry and the gauges every long-lived actor
// updates as it runs (§5 "concurrency & resource model" actors: chain,
// mempool, consensus).
type Collector struct {
	registry *prometheus.Registry

	chainHeight      prometheus.Gauge
	mempoolSize      prometheus.Gauge
	mempoolBytes     prometheus.Gauge
	consensusHeight  prometheus.Gauge
	consensusView    prometheus.Gauge
	blocksImported   prometheus.Counter
	blocksRejected   prometheus.Counter
	gossipPeerCount  prometheus.Gauge
}

// New builds a Collector with every gauge/counter registered.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		chainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foundry_chain_height",
			Help: "Block number of the current canonical tip.",
		}),
		mempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foundry_mempool_pending_transactions",
			Help: "Number of transactions currently pending in the mempool.",
		}),
		mempoolBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foundry_mempool_bytes",
			Help: "Total encoded size in bytes of pending mempool transactions.",
		}),
		consensusHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foundry_consensus_height",
			Help: "Height the Tendermint engine is currently deciding.",
		}),
		consensusView: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foundry_consensus_view",
			Help: "View the Tendermint engine is currently on, within its height.",
		}),
		blocksImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foundry_blocks_imported_total",
			Help: "Total blocks that passed both verification stages.",
		}),
		blocksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foundry_blocks_rejected_total",
			Help: "Total blocks rejected by either verification stage.",
		}),
		gossipPeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foundry_gossip_peer_count",
			Help: "Number of connected gossip peers.",
		}),
	}
	reg.MustRegister(
		c.chainHeight,
		c.mempoolSize,
		c.mempoolBytes,
		c.consensusHeight,
		c.consensusView,
		c.blocksImported,
		c.blocksRejected,
		c.gossipPeerCount,
	)
	return c
}

func (c *Collector) SetChainHeight(height uint64)   { c.chainHeight.Set(float64(height)) }
func (c *Collector) SetMempool(count, bytes int)    { c.mempoolSize.Set(float64(count)); c.mempoolBytes.Set(float64(bytes)) }
func (c *Collector) SetConsensus(height, view uint64) {
	c.consensusHeight.Set(float64(height))
	c.consensusView.Set(float64(view))
}
func (c *Collector) IncBlocksImported()         { c.blocksImported.Inc() }
func (c *Collector) IncBlocksRejected()         { c.blocksRejected.Inc() }
func (c *Collector) SetGossipPeerCount(n int)   { c.gossipPeerCount.Set(float64(n)) }

// StartServer exposes /metrics on addr, returning the http.Server so the
// caller controls its lifecycle (mirrors the teacher's
// StartMetricsServer/ShutdownMetricsServer pairing).
func (c *Collector) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().WithError(err).Error("metrics: server stopped")
		}
	}()
	return srv
}

// Shutdown gracefully stops a server returned by StartServer.
func (c *Collector) Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
