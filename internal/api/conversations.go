package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleReply(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	msg, err := s.opts.Conversations.Reply(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleApprove(c *gin.Context) {
	msg, err := s.opts.Conversations.Approve(c.Request.Context(), c.Param("id"), c.Param("msgId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) handleReject(c *gin.Context) {
	if err := s.opts.Conversations.Reject(c.Request.Context(), c.Param("id"), c.Param("msgId")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSendBroadcast(c *gin.Context) {
	if s.opts.Broadcasts == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "broadcasts are not enabled"})
		return
	}
	status, err := s.opts.Broadcasts.Submit(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "status": status})
}
