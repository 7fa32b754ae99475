package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
	"go.uber.org/zap"
)

// Provider statuses that map onto session transitions. Intermediate
// statuses with no session effect (queued, initiated) normalize to "".
func normalizeCallStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ringing":
		return "ringing"
	case "in-progress", "answered":
		return "answered"
	case "completed":
		return "completed"
	case "busy":
		return "busy"
	case "no-answer":
		return "no-answer"
	case "failed", "canceled":
		return "failed"
	}
	return ""
}

func normalizeAnsweredBy(raw string) callsessiondomain.AnsweredBy {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case v == "human":
		return callsessiondomain.AnsweredByHuman
	case strings.HasPrefix(v, "machine"):
		return callsessiondomain.AnsweredByMachine
	case v == "fax":
		return callsessiondomain.AnsweredByFax
	case v == "":
		return ""
	}
	return callsessiondomain.AnsweredByUnknown
}

// VoiceCallback ingests provider status callbacks. Outbound callbacks carry
// the session id on the callback URL; inbound calls are registered fresh
// against the dialing line. The provider retries on non-2xx, so transient
// failures return 500 and everything else acknowledges.
func (s *Server) VoiceCallback(c *gin.Context) {
	callSID := strings.TrimSpace(c.PostForm("CallSid"))
	status := normalizeCallStatus(c.PostForm("CallStatus"))

	sessionParam := strings.TrimSpace(c.Query("session_id"))
	if sessionParam == "" {
		s.inboundCallback(c, callSID, status)
		return
	}

	sessionID, err := snowflake.ParseString(sessionParam)
	if err != nil {
		AbortWithError(c, newValidationError("session_id", "invalid_id", "session_id must be a valid id"))
		return
	}

	if status == "" {
		// Nothing to apply; acknowledge so the provider stops retrying.
		c.Status(http.StatusNoContent)
		return
	}

	ev := callsessiondomain.ProviderEvent{
		SessionID:       sessionID,
		ProviderCallSID: callSID,
		Status:          status,
		AnsweredBy:      normalizeAnsweredBy(c.PostForm("AnsweredBy")),
		RecordingSID:    strings.TrimSpace(c.PostForm("RecordingSid")),
		OccurredAt:      parseCallbackTimestamp(c.PostForm("Timestamp")),
	}
	if err := s.sessions.HandleProviderEvent(c.Request.Context(), ev); err != nil {
		s.log.Error("provider event failed",
			zap.String("session_id", sessionID.String()),
			zap.String("status", status),
			zap.Error(err))
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// inboundCallback handles callbacks with no session id on the URL. The
// call SID is the identity: the first callback for a SID registers a
// session, later ones resolve to it, and terminal statuses drive the same
// transition path as outbound calls so inbound calls complete and meter.
func (s *Server) inboundCallback(c *gin.Context, callSID, status string) {
	if callSID == "" {
		AbortWithError(c, newValidationError("CallSid", "required", "inbound callback requires CallSid"))
		return
	}
	ctx := c.Request.Context()

	session, err := s.sessions.GetByProviderCallSID(ctx, callSID)
	if errors.Is(err, callsessiondomain.ErrSessionNotFound) {
		from := strings.TrimSpace(c.PostForm("From"))
		if from == "" {
			AbortWithError(c, newValidationError("From", "required", "inbound callback requires From"))
			return
		}
		line, lerr := s.accounts.GetLineByNumber(ctx, from)
		if lerr != nil {
			AbortWithError(c, lerr)
			return
		}
		session, err = s.sessions.RegisterInbound(ctx, line.ID, callSID)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	switch status {
	case "completed", "no-answer", "busy", "failed":
		ev := callsessiondomain.ProviderEvent{
			SessionID:       session.ID,
			ProviderCallSID: callSID,
			Status:          status,
			AnsweredBy:      normalizeAnsweredBy(c.PostForm("AnsweredBy")),
			RecordingSID:    strings.TrimSpace(c.PostForm("RecordingSid")),
			OccurredAt:      parseCallbackTimestamp(c.PostForm("Timestamp")),
		}
		if herr := s.sessions.HandleProviderEvent(ctx, ev); herr != nil {
			s.log.Error("inbound provider event failed",
				zap.String("call_sid", callSID),
				zap.String("status", status),
				zap.Error(herr))
			AbortWithError(c, herr)
			return
		}
	}
	respondData(c, gin.H{"session_id": session.ID.String()})
}

func parseCallbackTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC1123Z, raw); err == nil {
		return ts.UTC()
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}
