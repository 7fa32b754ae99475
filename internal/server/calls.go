package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
)

type createCallRequest struct {
	LineID       string `json:"line_id" binding:"required"`
	Reason       string `json:"reason" binding:"required"`
	ScheduleID   string `json:"schedule_id"`
	SchedulerKey string `json:"scheduler_key"`
	TestCall     bool   `json:"test_call"`
}

func (s *Server) CreateCall(c *gin.Context) {
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, err)
		return
	}

	lineID, err := snowflake.ParseString(req.LineID)
	if err != nil {
		AbortWithError(c, newValidationError("line_id", "invalid_id", "line_id must be a valid id"))
		return
	}

	reason := callsessiondomain.TriggerReason(strings.TrimSpace(req.Reason))
	switch reason {
	case callsessiondomain.TriggerScheduled, callsessiondomain.TriggerReminder, callsessiondomain.TriggerTest:
	default:
		AbortWithError(c, newValidationError("reason", "invalid_reason", "reason must be scheduled, reminder or test"))
		return
	}

	create := callsessiondomain.CreateCallRequest{
		LineID:       lineID,
		Reason:       reason,
		SchedulerKey: strings.TrimSpace(req.SchedulerKey),
		TestCall:     req.TestCall,
	}
	if req.ScheduleID != "" {
		scheduleID, err := snowflake.ParseString(req.ScheduleID)
		if err != nil {
			AbortWithError(c, newValidationError("schedule_id", "invalid_id", "schedule_id must be a valid id"))
			return
		}
		create.ScheduleID = &scheduleID
	}

	session, err := s.sessions.CreateOutbound(c.Request.Context(), create)
	if err != nil {
		if errors.Is(err, callsessiondomain.ErrDuplicateSchedulerKey) && session != nil {
			c.JSON(http.StatusConflict, gin.H{
				"error": gin.H{"message": err.Error()},
				"data":  gin.H{"session_id": session.ID.String()},
			})
			return
		}
		AbortWithError(c, err)
		return
	}

	respondData(c, session)
}

func (s *Server) GetCall(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "id must be a valid id"))
		return
	}

	session, err := s.sessions.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, session)
}

func (s *Server) CancelCall(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "id must be a valid id"))
		return
	}

	if err := s.sessions.Cancel(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, gin.H{"canceled": true})
}

type recordCallEventRequest struct {
	Type    string         `json:"type" binding:"required"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) RecordCallEvent(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "id must be a valid id"))
		return
	}

	var req recordCallEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.sessions.RecordCallEvent(c.Request.Context(), id, req.Type, req.Payload); err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, gin.H{"recorded": true})
}

func (s *Server) NoteToolInvocation(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "id must be a valid id"))
		return
	}

	if err := s.sessions.NoteToolInvocation(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, gin.H{"noted": true})
}
