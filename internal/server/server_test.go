package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	accountdomain "github.com/warmlinelabs/warmline/internal/account/domain"
	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
	"github.com/warmlinelabs/warmline/internal/config"
	scheduledomain "github.com/warmlinelabs/warmline/internal/schedule/domain"
	"go.uber.org/zap"
)

const (
	testSecret    = "internal-secret"
	testAuthToken = "provider-auth-token"
)

type fakeSessions struct {
	createErr     error
	createSession *callsessiondomain.CallSession
	lastCreate    callsessiondomain.CreateCallRequest
	lastEvent     callsessiondomain.ProviderEvent
	eventErr      error

	inbound       map[string]*callsessiondomain.CallSession
	registerCalls int
}

func (f *fakeSessions) CreateOutbound(_ context.Context, req callsessiondomain.CreateCallRequest) (*callsessiondomain.CallSession, error) {
	f.lastCreate = req
	return f.createSession, f.createErr
}

func (f *fakeSessions) RegisterInbound(_ context.Context, lineID snowflake.ID, sid string) (*callsessiondomain.CallSession, error) {
	f.registerCalls++
	sess := &callsessiondomain.CallSession{
		ID:              snowflake.ID(int64(1000 + f.registerCalls)),
		LineID:          lineID,
		Direction:       callsessiondomain.DirectionInbound,
		Status:          callsessiondomain.StatusInProgress,
		ProviderCallSID: sid,
	}
	if f.inbound == nil {
		f.inbound = map[string]*callsessiondomain.CallSession{}
	}
	f.inbound[sid] = sess
	return sess, nil
}

func (f *fakeSessions) GetByProviderCallSID(_ context.Context, sid string) (*callsessiondomain.CallSession, error) {
	if sess, ok := f.inbound[sid]; ok {
		return sess, nil
	}
	return nil, callsessiondomain.ErrSessionNotFound
}

func (f *fakeSessions) HandleProviderEvent(_ context.Context, ev callsessiondomain.ProviderEvent) error {
	f.lastEvent = ev
	return f.eventErr
}

func (f *fakeSessions) Cancel(_ context.Context, _ snowflake.ID) error { return nil }

func (f *fakeSessions) FailStale(_ context.Context, _ time.Time) (int, error) { return 0, nil }

func (f *fakeSessions) RecordCallEvent(_ context.Context, _ snowflake.ID, _ string, _ map[string]any) error {
	return nil
}

func (f *fakeSessions) NoteToolInvocation(_ context.Context, _ snowflake.ID) error { return nil }

func (f *fakeSessions) GetByID(_ context.Context, id snowflake.ID) (*callsessiondomain.CallSession, error) {
	if f.createSession != nil && f.createSession.ID == id {
		return f.createSession, nil
	}
	return nil, callsessiondomain.ErrSessionNotFound
}

type fakeSchedules struct {
	created *scheduledomain.Schedule
	err     error
}

func (f *fakeSchedules) Create(_ context.Context, _ scheduledomain.CreateScheduleRequest) (*scheduledomain.Schedule, error) {
	return f.created, f.err
}

func (f *fakeSchedules) Update(_ context.Context, _ snowflake.ID, _ scheduledomain.UpdateScheduleRequest) (*scheduledomain.Schedule, error) {
	return f.created, f.err
}

func (f *fakeSchedules) GetByID(_ context.Context, _ snowflake.ID) (*scheduledomain.Schedule, error) {
	return f.created, f.err
}

func (f *fakeSchedules) RunDue(_ context.Context) (int, error) { return 0, nil }

type fakeAccounts struct {
	line *accountdomain.Line
}

func (f *fakeAccounts) GetAccount(_ context.Context, _ snowflake.ID) (*accountdomain.Account, error) {
	return nil, accountdomain.ErrAccountNotFound
}

func (f *fakeAccounts) GetLine(_ context.Context, _ snowflake.ID) (*accountdomain.Line, error) {
	if f.line == nil {
		return nil, accountdomain.ErrLineNotFound
	}
	return f.line, nil
}

func (f *fakeAccounts) GetLineByNumber(_ context.Context, number string) (*accountdomain.Line, error) {
	if f.line == nil || f.line.PhoneNumber != number {
		return nil, accountdomain.ErrLineNotFound
	}
	return f.line, nil
}

func (f *fakeAccounts) SetLineMissedNotice(_ context.Context, _ snowflake.ID, _ bool) error {
	return nil
}

func (f *fakeAccounts) UpdateLineMissedCounter(_ context.Context, _ snowflake.ID, _ int) error {
	return nil
}

func newTestServer(sessions *fakeSessions, schedules *fakeSchedules, accounts *fakeAccounts) *Server {
	return &Server{
		log: zap.NewNop(),
		cfg: config.Config{
			InternalSecret: testSecret,
			Telephony:      config.TelephonyConfig{AuthToken: testAuthToken},
		},
		accounts:  accounts,
		sessions:  sessions,
		schedules: schedules,
		registry:  prometheus.NewRegistry(),
	}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, secret string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(HeaderInternalSecret, secret)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestInternalSecretRequired(t *testing.T) {
	s := newTestServer(&fakeSessions{}, &fakeSchedules{}, &fakeAccounts{})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/internal/calls", gin.H{"line_id": "1", "reason": "test"}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/internal/calls", gin.H{"line_id": "1", "reason": "test"}, "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateCallValidatesReason(t *testing.T) {
	s := newTestServer(&fakeSessions{}, &fakeSchedules{}, &fakeAccounts{})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/internal/calls", gin.H{"line_id": "123", "reason": "inbound"}, testSecret)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCallDuplicateKeyConflict(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	existing := &callsessiondomain.CallSession{ID: node.Generate()}
	sessions := &fakeSessions{createSession: existing, createErr: callsessiondomain.ErrDuplicateSchedulerKey}
	s := newTestServer(sessions, &fakeSchedules{}, &fakeAccounts{})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/internal/calls",
		gin.H{"line_id": "123", "reason": "scheduled", "scheduler_key": "sched-1-100"}, testSecret)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Data struct {
			SessionID string `json:"session_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, existing.ID.String(), body.Data.SessionID)
}

func TestCreateCallSuccess(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	created := &callsessiondomain.CallSession{ID: node.Generate(), Status: callsessiondomain.StatusRinging}
	sessions := &fakeSessions{createSession: created}
	s := newTestServer(sessions, &fakeSchedules{}, &fakeAccounts{})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/internal/calls",
		gin.H{"line_id": "123", "reason": "reminder", "scheduler_key": "k1"}, testSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "reminder", string(sessions.lastCreate.Reason))
	require.Equal(t, "k1", sessions.lastCreate.SchedulerKey)
}

// doCallback posts a provider-signed form to the voice callback route.
func doCallback(t *testing.T, router http.Handler, path string, form url.Values, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sign {
		requestURL := "http://" + req.Host + path
		req.Header.Set(HeaderProviderSignature, callbackSignature(testAuthToken, requestURL, form))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestVoiceCallbackRequiresProviderSignature(t *testing.T) {
	sessions := &fakeSessions{}
	s := newTestServer(sessions, &fakeSchedules{}, &fakeAccounts{})
	router := s.Router()

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "completed")

	rec := doCallback(t, router, "/callbacks/voice", form, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/callbacks/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(HeaderProviderSignature, "bogus")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, sessions.lastEvent.Status)
}

func TestVoiceCallbackMapsProviderEvent(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	sessionID := node.Generate()
	sessions := &fakeSessions{}
	s := newTestServer(sessions, &fakeSchedules{}, &fakeAccounts{})
	router := s.Router()

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "completed")
	form.Set("AnsweredBy", "machine_start")
	form.Set("RecordingSid", "RE123")

	rec := doCallback(t, router, "/callbacks/voice?session_id="+sessionID.String(), form, true)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, sessionID, sessions.lastEvent.SessionID)
	require.Equal(t, "completed", sessions.lastEvent.Status)
	require.Equal(t, callsessiondomain.AnsweredByMachine, sessions.lastEvent.AnsweredBy)
	require.Equal(t, "RE123", sessions.lastEvent.RecordingSID)
}

func TestVoiceCallbackIgnoresIntermediateStatus(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	sessions := &fakeSessions{}
	s := newTestServer(sessions, &fakeSchedules{}, &fakeAccounts{})
	router := s.Router()

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "queued")

	rec := doCallback(t, router, "/callbacks/voice?session_id="+node.Generate().String(), form, true)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, sessions.lastEvent.Status)
}

func TestInboundCallbackRegistersOnce(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	line := &accountdomain.Line{ID: node.Generate(), AccountID: node.Generate(), PhoneNumber: "+15550001111"}
	sessions := &fakeSessions{}
	s := newTestServer(sessions, &fakeSchedules{}, &fakeAccounts{line: line})
	router := s.Router()

	for _, status := range []string{"ringing", "in-progress"} {
		form := url.Values{}
		form.Set("CallSid", "CA-inbound")
		form.Set("CallStatus", status)
		form.Set("From", "+15550001111")
		rec := doCallback(t, router, "/callbacks/voice", form, true)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Equal(t, 1, sessions.registerCalls)
	require.Empty(t, sessions.lastEvent.Status)
}

func TestInboundCallbackRoutesTerminalStatus(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	line := &accountdomain.Line{ID: node.Generate(), AccountID: node.Generate(), PhoneNumber: "+15550001111"}
	sessions := &fakeSessions{}
	s := newTestServer(sessions, &fakeSchedules{}, &fakeAccounts{line: line})
	router := s.Router()

	form := url.Values{}
	form.Set("CallSid", "CA-inbound")
	form.Set("CallStatus", "in-progress")
	form.Set("From", "+15550001111")
	require.Equal(t, http.StatusOK, doCallback(t, router, "/callbacks/voice", form, true).Code)

	registered := sessions.inbound["CA-inbound"]
	require.NotNil(t, registered)

	done := url.Values{}
	done.Set("CallSid", "CA-inbound")
	done.Set("CallStatus", "completed")
	done.Set("RecordingSid", "RE-inbound")
	require.Equal(t, http.StatusOK, doCallback(t, router, "/callbacks/voice", done, true).Code)

	require.Equal(t, 1, sessions.registerCalls)
	require.Equal(t, registered.ID, sessions.lastEvent.SessionID)
	require.Equal(t, "completed", sessions.lastEvent.Status)
	require.Equal(t, "RE-inbound", sessions.lastEvent.RecordingSID)
}

func TestNormalizeAnsweredBy(t *testing.T) {
	require.Equal(t, callsessiondomain.AnsweredByHuman, normalizeAnsweredBy("human"))
	require.Equal(t, callsessiondomain.AnsweredByMachine, normalizeAnsweredBy("machine_end_beep"))
	require.Equal(t, callsessiondomain.AnsweredByFax, normalizeAnsweredBy("fax"))
	require.Equal(t, callsessiondomain.AnsweredBy(""), normalizeAnsweredBy(""))
	require.Equal(t, callsessiondomain.AnsweredByUnknown, normalizeAnsweredBy("something-else"))
}
