// Package statusapi exposes the federation manager's HTTP surface: the
// read-only admin/status endpoints plus the jobs API the local
// scheduler's own submit/update/lock handlers call into, using gin the
// way the fleet's other HTTP-facing services do.
package statusapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"frameworks/fedmgr/internal/federation"
	"frameworks/fedmgr/internal/logging"
	"frameworks/fedmgr/internal/scheduler"
)

// requestTimeout bounds how long a jobs-API handler waits on the
// Job-Update Loop or a remote lock RPC before giving up.
const requestTimeout = 15 * time.Second

// Server wraps a gin.Engine exposing /status, /healthz, /metrics, and the
// jobs API.
type Server struct {
	engine *gin.Engine
	m      *federation.Manager
}

// New builds the status server. logger is used only to select gin's mode
// (release unless FEDMGR_LOG_LEVEL=debug); route handlers log through the
// Manager's own logger for anything noteworthy.
func New(m *federation.Manager, logger logging.Logger) *Server {
	if logger == nil || logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, m: m}
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/status", s.handleStatus)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/jobs", s.handleSubmit)
	engine.PUT("/jobs/:id/clusters", s.handleUpdateClusters)
	engine.POST("/jobs/:id/release-hold", s.handleReleaseHold)
	engine.POST("/jobs/:id/lock", s.handleLock)
	engine.DELETE("/jobs/:id/lock", s.handleUnlock)
	engine.POST("/jobs/:id/start", s.handleStart)
	engine.POST("/jobs/:id/cancel", s.handleCancel)
	engine.POST("/jobs/:id/requeue", s.handleRequeue)
	engine.PATCH("/jobs/:id", s.handleUpdate)
	return s
}

// Handler returns the underlying http.Handler, for http.Server wiring.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.m.Status())
}

// jobID parses the :id path param as a FedJobID, writing a 400 and
// returning ok=false on failure.
func jobID(c *gin.Context) (federation.FedJobID, bool) {
	v, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return federation.FedJobID(v), true
}

// writeErr maps a federation sentinel error to a status code the way the
// fleet's other HTTP-facing services translate domain errors.
func writeErr(c *gin.Context, err error) {
	switch err.(type) {
	case *federation.PolicyError:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case *federation.StateError:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case *federation.TransportError:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleSubmit is the scheduler's entry point for a brand-new job: it
// becomes the origin copy and is fanned out to every viable sibling.
func (s *Server) handleSubmit(c *gin.Context) {
	var desc scheduler.JobDesc
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	id, err := s.m.Submit(ctx, desc, 0)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": id})
}

// handleUpdateClusters is the scheduler's entry point for delta updates:
// a pending job's Clusters/ClusterFeatures changed, so the viable set
// must be recomputed and reconciled.
func (s *Server) handleUpdateClusters(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var desc scheduler.JobDesc
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	s.m.UpdateClusters(ctx, id, desc)
	c.Status(http.StatusNoContent)
}

// handleReleaseHold is the scheduler's entry point for a held submission: a job
// submitted with Priority 0 skipped fan-out, and the hold has now cleared.
func (s *Server) handleReleaseHold(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var desc scheduler.JobDesc
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	s.m.ReleaseHold(ctx, id, desc)
	c.Status(http.StatusNoContent)
}

// handleLock implements the caller-facing half of the cluster lock
// protocol: the local scheduler, about to run id, asks to win the race.
func (s *Server) handleLock(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	if err := s.m.RequestLock(ctx, id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUnlock(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	if err := s.m.RequestUnlock(ctx, id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleStart reports that the lock holder's local scheduler is actually
// running id.
func (s *Server) handleStart(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var body struct {
		StartTime time.Time `json:"start_time"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.StartTime.IsZero() {
		body.StartTime = time.Now()
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	if err := s.m.ReportStart(ctx, id, body.StartTime); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleCancel, handleRequeue, and handleUpdate forward a local signal
// straight onto the Job-Update Loop, the
// same queue inbound peer envelopes are dispatched through.
func (s *Server) handleCancel(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var body struct {
		KillMsg string `json:"kill_msg"`
		UID     uint32 `json:"uid"`
	}
	c.ShouldBindJSON(&body)
	s.enqueueAndWait(c, federation.JobUpdate{
		Kind:    federation.UpdCancel,
		JobID:   id,
		KillMsg: body.KillMsg,
		UID:     body.UID,
	})
}

func (s *Server) handleRequeue(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var body struct {
		ClearHold bool   `json:"clear_hold"`
		UID       uint32 `json:"uid"`
	}
	c.ShouldBindJSON(&body)
	s.enqueueAndWait(c, federation.JobUpdate{
		Kind:      federation.UpdRequeue,
		JobID:     id,
		ClearHold: body.ClearHold,
		UID:       body.UID,
	})
}

func (s *Server) handleUpdate(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var body struct {
		Desc      scheduler.JobDesc `json:"desc"`
		Submitter string            `json:"submitter"`
		UID       uint32            `json:"uid"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.enqueueAndWait(c, federation.JobUpdate{
		Kind:      federation.UpdUpdate,
		JobID:     id,
		Desc:      body.Desc,
		Submitter: body.Submitter,
		UID:       body.UID,
	})
}

// enqueueAndWait hands u to the Job-Update Loop with a reply channel and
// blocks until it is applied or requestTimeout elapses.
func (s *Server) enqueueAndWait(c *gin.Context, u federation.JobUpdate) {
	reply := make(chan federation.SubmitResult, 1)
	u.ReplyCh = reply
	s.m.EnqueueUpdate(u)

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	select {
	case res := <-reply:
		if res.Err != nil {
			writeErr(c, res.Err)
			return
		}
		c.Status(http.StatusNoContent)
	case <-ctx.Done():
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timed out waiting for job-update loop"})
	}
}
