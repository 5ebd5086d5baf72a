package ledger

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	boardnet "sketchweave/internal/net"
)

const maxTransactionSize = 32 << 20

// Gateway is an in-memory ledger for local development. Transactions are
// verified on the way in and never change once stored.
type Gateway struct {
	mu    sync.RWMutex
	txs   map[string]*Transaction
	order []string
}

func NewGateway() *Gateway {
	return &Gateway{txs: map[string]*Transaction{}}
}

func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(boardnet.LogRequests)
	r.Methods(http.MethodPost).Path("/tx").HandlerFunc(g.postTransaction)
	r.Methods(http.MethodGet).Path("/tx").HandlerFunc(g.queryTransactions)
	r.Methods(http.MethodGet).Path("/tx/{id}").HandlerFunc(g.getTransaction)
	r.Methods(http.MethodGet).Path("/{id}").HandlerFunc(g.getData)
	return r
}

func (g *Gateway) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.txs)
}

func (g *Gateway) postTransaction(writer http.ResponseWriter, request *http.Request) {
	var tx Transaction
	body := http.MaxBytesReader(writer, request.Body, maxTransactionSize)
	if err := json.NewDecoder(body).Decode(&tx); err != nil {
		http.Error(writer, "bad transaction: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := tx.Verify(); err != nil {
		glog.Warningf("[ledger]rejected %s: %s", tx.ID, err)
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	status := http.StatusCreated
	g.mu.Lock()
	if _, ok := g.txs[tx.ID]; ok {
		status = http.StatusOK
	} else {
		g.txs[tx.ID] = &tx
		g.order = append(g.order, tx.ID)
	}
	g.mu.Unlock()

	if status == http.StatusCreated {
		glog.Infof("[ledger]accepted %s from %s (%d bytes)", tx.ID, tx.Owner, len(tx.Data))
	}
	writeJSON(writer, status, map[string]string{"id": tx.ID})
}

func (g *Gateway) lookup(id string) (*Transaction, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	tx, ok := g.txs[id]
	return tx, ok
}

func (g *Gateway) getTransaction(writer http.ResponseWriter, request *http.Request) {
	tx, ok := g.lookup(mux.Vars(request)["id"])
	if !ok {
		http.NotFound(writer, request)
		return
	}
	writeJSON(writer, http.StatusOK, tx)
}

func (g *Gateway) getData(writer http.ResponseWriter, request *http.Request) {
	tx, ok := g.lookup(mux.Vars(request)["id"])
	if !ok {
		http.NotFound(writer, request)
		return
	}
	if contentType, ok := tx.Tag("Content-Type"); ok {
		writer.Header().Set("Content-Type", contentType)
	}
	writer.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	writer.Write(tx.Data)
}

// queryTransactions filters by ?owner= and repeated ?tag=Name:Value, newest
// first.
func (g *Gateway) queryTransactions(writer http.ResponseWriter, request *http.Request) {
	owner := request.URL.Query().Get("owner")
	tags, err := parseTagFilters(request.URL.Query()["tag"])
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	g.mu.RLock()
	out := []Transaction{}
	for i := len(g.order) - 1; i >= 0; i-- {
		tx := g.txs[g.order[i]]
		if owner != "" && tx.Owner != owner {
			continue
		}
		if !tx.HasTags(tags) {
			continue
		}
		summary := *tx
		summary.Data = nil
		out = append(out, summary)
	}
	g.mu.RUnlock()

	writeJSON(writer, http.StatusOK, out)
}

func parseTagFilters(values []string) ([]Tag, error) {
	tags := make([]Tag, 0, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		if !ok || name == "" {
			return nil, errors.New("tag filter must be name:value")
		}
		tags = append(tags, Tag{Name: name, Value: value})
	}
	return tags, nil
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		glog.Errorf("[ledger]failed to write response: %s", err)
	}
}
