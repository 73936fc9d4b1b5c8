// Package restserver exposes the read-only HTTP API over the score and
// alert store. It never writes; collectors and the engine own all writes.
package restserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weatherguard/weatherguard/internal/log"
	"github.com/weatherguard/weatherguard/internal/storage"
	"github.com/weatherguard/weatherguard/pkg/config"
)

// Controller represents the REST server controller.
type Controller struct {
	ctx      context.Context
	wg       *sync.WaitGroup
	cfg      config.HTTPConfig
	Server   http.Server
	store    storage.Store
	handlers *Handlers
}

// NewController creates a new REST server controller.
func NewController(ctx context.Context, wg *sync.WaitGroup, cfg config.HTTPConfig, store storage.Store) *Controller {
	ctrl := &Controller{
		ctx:   ctx,
		wg:    wg,
		cfg:   cfg,
		store: store,
	}
	ctrl.handlers = NewHandlers(ctrl)

	ctrl.Server = http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      ctrl.setupRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return ctrl
}

// StartController starts the HTTP listener and the shutdown watcher.
func (c *Controller) StartController() error {
	log.Infof("REST server listening on %s", c.cfg.ListenAddr)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Server.ListenAndServe(); err != http.ErrServerClosed {
			log.Errorf("REST server error: %v", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-c.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("REST server shutdown: %v", err)
		}
	}()

	return nil
}

// setupRouter configures the HTTP router with all endpoints.
func (c *Controller) setupRouter() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", c.handlers.GetHealth).Methods(http.MethodGet)
	router.HandleFunc("/stations", c.handlers.GetStations).Methods(http.MethodGet)
	router.HandleFunc("/latest", c.handlers.GetLatest).Methods(http.MethodGet)
	router.HandleFunc("/scores", c.handlers.GetScores).Methods(http.MethodGet)
	router.HandleFunc("/alerts", c.handlers.GetAlerts).Methods(http.MethodGet)
	router.HandleFunc("/counts", c.handlers.GetCounts).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}
