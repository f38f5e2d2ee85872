package main

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"foundry/internal/chain"
	"foundry/internal/logging"
	"foundry/internal/mempool"
	"foundry/internal/rlpcodec"
	"foundry/internal/types"
)

// newAPIRouter builds the host-side HTTP facade SPEC_FULL.md names: a
// minimal stand-in for the descriptor's stateful/graphql_handler import
// slots (§6.2), not a full GraphQL/JSON-RPC surface (out of scope per §1).
// It answers chain-tip/mempool queries and accepts raw RLP transactions,
// the two things a host service needs regardless of which query language
// eventually sits in front of them.
func newAPIRouter(importer *chain.Importer, pool *mempool.Pool) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/v1/chain/best", func(w http.ResponseWriter, req *http.Request) {
		hash, err := importer.BestHash()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		header, ok, err := importer.HeaderByHash(hash)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "best header missing", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"hash":   hex.EncodeToString(hash[:]),
			"number": header.Number,
		})
	})

	r.Get("/v1/mempool/pending", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{"pending": pool.NumPending()})
	})

	r.Post("/v1/mempool/tx", func(w http.ResponseWriter, req *http.Request) {
		defer req.Body.Close()
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tx, err := rlpcodec.DecodeTransaction(body)
		if err != nil {
			http.Error(w, "malformed transaction", http.StatusBadRequest)
			return
		}
		results := pool.Add([]types.Transaction{tx}, types.OriginLocal, 0, 0)
		if len(results) == 0 {
			http.Error(w, "transaction not accepted", http.StatusInternalServerError)
			return
		}
		if err := results[0].Err; err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, map[string]any{"hash": hex.EncodeToString(results[0].Hash[:])})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.L().WithError(err).Error("httpapi: encode response")
	}
}

