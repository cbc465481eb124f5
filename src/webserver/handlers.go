package webserver

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stake-plus/gosling/src/events"
)

func (s *Server) handleAuth(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if s.config.ControlToken == "" ||
		subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.config.ControlToken)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"err": "bad control token"})
		return
	}
	token, err := issueJWT([]byte(s.config.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"agent":          s.config.AgentName,
		"uptime_seconds": int(time.Since(s.config.StartedAt).Seconds()),
		"paired":         s.config.Pairing.Paired(),
		"jobs":           len(s.config.Jobs.List()),
		"events_written": s.config.Bus.EventsWritten(),
	}
	if op := s.config.Pairing.Operator(); op != nil {
		resp["operator_id"] = op.OperatorID
		resp["paired_at"] = op.PairedAt
	}
	c.JSON(http.StatusOK, resp)
}

// handlePair completes outbound pairing with a code typed into the local UI.
func (s *Server) handlePair(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	ok, err := s.config.Pairing.ConfirmLocal(c.Request.Context(), req.Code)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"err": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"err": "code mismatch"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paired": true})
}

func (s *Server) handleExplore(c *gin.Context) {
	var req struct {
		Topic string `json:"topic"`
	}
	_ = c.ShouldBindJSON(&req) // empty body means default topic

	topic, added, err := s.config.Scheduler.RequestExplore(c.Request.Context(), req.Topic)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"topic": topic, "new_items": added})
}

func (s *Server) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.config.Jobs.List()})
}

func (s *Server) handleAddJob(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	job, err := s.config.Jobs.Add(req.Text)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// handleRunJob fires a job immediately with a synthetic run key, leaving the
// next scheduled slot untouched.
func (s *Server) handleRunJob(c *gin.Context) {
	job, err := s.config.Jobs.TriggerNow(c.Param("id"), time.Now())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"err": err.Error()})
		return
	}
	s.config.Bus.Publish(events.Event{
		Type:    events.TypeJobFired,
		Source:  "webserver",
		Message: job.Action,
		Metadata: map[string]interface{}{
			"job_id":  job.ID,
			"run_key": job.LastRunKey,
		},
	})
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleRemoveJob(c *gin.Context) {
	if err := s.config.Jobs.Remove(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) handleEvents(c *gin.Context) {
	s.ringMu.Lock()
	out := make([]interface{}, len(s.ring))
	for i, ev := range s.ring {
		out[i] = ev
	}
	s.ringMu.Unlock()
	c.JSON(http.StatusOK, gin.H{"events": out})
}
