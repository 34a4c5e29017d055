package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/corvohq/driftmail/internal/bridge"
	"github.com/corvohq/driftmail/internal/refresh"
	"github.com/corvohq/driftmail/internal/search"
)

// newStatusServer serves the local diagnostics endpoint.
func newStatusServer(addr string, br *bridge.Bridge, updater *refresh.Controller, stores *daemonStores, index *search.Index) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/statusz", func(w http.ResponseWriter, req *http.Request) {
		pendingTasks, pendingRequests := br.PendingCalls()
		messageLoads, folderReloads := stores.counts()
		status := map[string]any{
			"workerReady":     br.Ready(),
			"pendingTasks":    pendingTasks,
			"pendingRequests": pendingRequests,
			"updaterState":    updater.State(),
			"pushConnected":   updater.PushConnected(),
			"currentFolder":   stores.CurrentFolder(),
			"messageLoads":    messageLoads,
			"folderReloads":   folderReloads,
			"indexedDocs":     index.Len(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	r.Get("/search", func(w http.ResponseWriter, req *http.Request) {
		docs := index.Query(req.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(docs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	r.Post("/refresh", func(w http.ResponseWriter, req *http.Request) {
		updater.Refresh()
		w.WriteHeader(http.StatusAccepted)
	})

	return &http.Server{Addr: addr, Handler: r}
}
