package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	handler := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Body.String()
}

func TestSetChainHeightIsScraped(t *testing.T) {
	c := New()
	c.SetChainHeight(42)
	body := scrape(t, c)
	if !strings.Contains(body, "foundry_chain_height 42") {
		t.Fatalf("expected chain height gauge in scrape output, got:\n%s", body)
	}
}

func TestSetMempoolUpdatesBothGauges(t *testing.T) {
	c := New()
	c.SetMempool(7, 2048)
	body := scrape(t, c)
	if !strings.Contains(body, "foundry_mempool_pending_transactions 7") {
		t.Fatalf("expected mempool count gauge, got:\n%s", body)
	}
	if !strings.Contains(body, "foundry_mempool_bytes 2048") {
		t.Fatalf("expected mempool bytes gauge, got:\n%s", body)
	}
}

func TestIncBlocksImportedAccumulates(t *testing.T) {
	c := New()
	c.IncBlocksImported()
	c.IncBlocksImported()
	body := scrape(t, c)
	if !strings.Contains(body, "foundry_blocks_imported_total 2") {
		t.Fatalf("expected counter at 2, got:\n%s", body)
	}
}
