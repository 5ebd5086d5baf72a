package net

import (
	"encoding/json"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

// Paths served by the relay.
const (
	HandshakePath  = "/api/socket"
	ConnectionPath = "/api/socket/ws"
	HealthPath     = "/healthz"
)

// LogRequests logs every request with its status and duration.
func LogRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		glog.V(1).Infof("[http]%s %s %d %s", request.Method, request.URL, m.Code, m.Duration)
	})
}

// NewRouter mounts the relay endpoints.
func NewRouter(relay *Relay) *mux.Router {
	r := mux.NewRouter()
	r.Use(LogRequests)
	r.Methods(http.MethodGet).Path(HandshakePath).HandlerFunc(relay.HandleHandshake)
	r.Methods(http.MethodGet).Path(ConnectionPath).HandlerFunc(relay.HandleConnection)
	r.Methods(http.MethodGet).Path(HealthPath).HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"provisioned":  relay.Provisioned(),
			"participants": relay.Registry().Size(),
		})
	})
	return r
}
