// Package rest is the admin api of a shard manager, and a client for it
package rest

import (
	"context"
	"net/http"
	"time"

	"emperror.dev/errors"
	"github.com/NYTimes/gziphandler"
	"github.com/botlabs-gg/shardgate/common"
	"github.com/botlabs-gg/shardgate/shardmanager"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Manager is what the api needs from a shard manager
type Manager interface {
	GetFullStatus() *shardmanager.Status
	ReplaceShard(ctx context.Context, shardID int) error
	ReconnectShard(shardID int, forceIdentify bool) error
	Shutdown(ctx context.Context) error
}

var _ Manager = (*shardmanager.Manager)(nil)

type RESTAPI struct {
	manager    Manager
	listenAddr string

	// ShutdownTimeout bounds the manager shutdown triggered through the api
	ShutdownTimeout time.Duration

	g   *gin.Engine
	log *logrus.Entry
}

func NewRESTAPI(manager Manager, listenAddr string) *RESTAPI {
	g := gin.New()
	g.Use(gin.Recovery())

	ra := &RESTAPI{
		manager:         manager,
		listenAddr:      listenAddr,
		ShutdownTimeout: time.Minute,
		g:               g,
		log:             logrus.WithField("stck", "rest"),
	}
	g.Use(ra.logRequests)
	ra.setupRoutes()

	return ra
}

// Handler returns the http handler serving the api, responses are gzipped for clients
// that accept it
func (ra *RESTAPI) Handler() http.Handler {
	return gziphandler.GzipHandler(ra.g)
}

// Run serves the api until ctx is done
func (ra *RESTAPI) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:     ra.listenAddr,
		Handler:  ra.Handler(),
		ErrorLog: common.NewSTDLogger(ra.log, logrus.WarnLevel),
	}

	errCh := make(chan error, 1)
	go func() {
		ra.log.Infof("admin api listening on %s", ra.listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.WithMessage(err, "admin api")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	<-errCh
	return errors.WithStackIf(err)
}

func (ra *RESTAPI) setupRoutes() {
	ra.g.GET("/status", ra.handleGETStatus)
	ra.g.GET("/status/:shard", ra.handleGETShardStatus)
	ra.g.POST("/replaceshard", ra.handlePOSTReplaceShard)
	ra.g.POST("/reconnectshard", ra.handlePOSTReconnectShard)
	ra.g.POST("/shutdown", ra.handlePOSTShutdown)
}

func (ra *RESTAPI) logRequests(c *gin.Context) {
	started := time.Now()
	c.Next()

	ra.log.WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.Request.URL.Path,
		"status": c.Writer.Status(),
		"took":   time.Since(started).String(),
	}).Debug("handled request")
}
