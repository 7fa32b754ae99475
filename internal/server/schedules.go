package server

import (
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	scheduledomain "github.com/warmlinelabs/warmline/internal/schedule/domain"
)

func (s *Server) CreateSchedule(c *gin.Context) {
	var req scheduledomain.CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, err)
		return
	}

	schedule, err := s.schedules.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, schedule)
}

func (s *Server) UpdateSchedule(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "id must be a valid id"))
		return
	}

	var req scheduledomain.UpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, err)
		return
	}

	schedule, err := s.schedules.Update(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, schedule)
}

func (s *Server) GetSchedule(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "id must be a valid id"))
		return
	}

	schedule, err := s.schedules.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, schedule)
}
