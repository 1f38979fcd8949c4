package rest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/shardmanager"
	"github.com/gin-gonic/gin"
)

type StatusResponse struct {
	Status *shardmanager.Status
}

func (ra *RESTAPI) handleGETStatus(c *gin.Context) {
	c.JSON(http.StatusOK, &StatusResponse{
		Status: ra.manager.GetFullStatus(),
	})
}

type ShardStatusResponse struct {
	Shard *shardmanager.ShardStatus
}

func (ra *RESTAPI) handleGETShardStatus(c *gin.Context) {
	shardID, err := strconv.Atoi(c.Param("shard"))
	if err != nil {
		sendBasicResponse(c, errors.WithMessage(err, "parse-shardid"), "")
		return
	}

	for _, st := range ra.manager.GetFullStatus().Shards {
		if st.ShardID == shardID {
			c.JSON(http.StatusOK, &ShardStatusResponse{Shard: st})
			return
		}
	}

	sendBasicResponse(c, errors.WithStack(shardmanager.ErrUnknownShard), "")
}

type BasicResponse struct {
	Message string
	Error   bool
}

func sendBasicResponse(c *gin.Context, err error, successMessage string) {
	status := http.StatusOK
	var resp interface{}

	if err != nil {
		resp = &BasicResponse{
			Error:   true,
			Message: err.Error(),
		}
		status = errorStatus(err)
	} else {
		resp = &BasicResponse{
			Message: successMessage,
		}
	}

	c.JSON(status, resp)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, shardmanager.ErrUnknownShard):
		return http.StatusNotFound
	case errors.Is(err, shardmanager.ErrReplaceInProgress), errors.Is(err, shardmanager.ErrShardNotRunning):
		return http.StatusConflict
	case errors.Is(err, shardmanager.ErrShuttingDown), errors.Is(err, shardmanager.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, shardmanager.ErrSpawnTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}

	return http.StatusInternalServerError
}

var errBadRequest = errors.NewPlain("bad request")

func parseShardForm(c *gin.Context) (int, error) {
	shardIDStr, _ := c.GetPostForm("shard")
	if shardIDStr == "" {
		return 0, errors.WithMessage(errors.WithStack(errBadRequest), "shard not provided")
	}

	parsedShardID, err := strconv.Atoi(shardIDStr)
	if err != nil {
		return 0, errors.WithMessage(errors.WithStack(errBadRequest), "parse-shardid: "+err.Error())
	}

	return parsedShardID, nil
}

func (ra *RESTAPI) handlePOSTReplaceShard(c *gin.Context) {
	shardID, err := parseShardForm(c)
	if err != nil {
		sendBasicResponse(c, err, "")
		return
	}

	ra.log.Infof("replacing shard %d", shardID)
	err = ra.manager.ReplaceShard(c.Request.Context(), shardID)
	sendBasicResponse(c, err, fmt.Sprintf("replaced shard %d", shardID))
}

func (ra *RESTAPI) handlePOSTReconnectShard(c *gin.Context) {
	shardID, err := parseShardForm(c)
	if err != nil {
		sendBasicResponse(c, err, "")
		return
	}

	forceIdentify := false
	if s, ok := c.GetPostForm("identify"); ok && s == "true" {
		forceIdentify = true
	}

	err = ra.manager.ReconnectShard(shardID, forceIdentify)
	sendBasicResponse(c, err, fmt.Sprintf("sent reconnect to shard %d", shardID))
}

func (ra *RESTAPI) handlePOSTShutdown(c *gin.Context) {
	ra.log.Info("shutdown requested through the admin api")

	ctx, cancel := context.WithTimeout(context.Background(), ra.ShutdownTimeout)
	defer cancel()

	err := ra.manager.Shutdown(ctx)
	sendBasicResponse(c, err, "shut down all shards")
}
