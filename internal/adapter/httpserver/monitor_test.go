package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

func TestGetMonitorConfig_Defaults(t *testing.T) {
	env := newTestEnv(t)
	h := route(http.MethodGet, "/v1/monitor/config", env.srv.GetMonitorConfigHandler())
	rw := doReq(t, h, http.MethodGet, "/v1/monitor/config", "")
	require.Equal(t, http.StatusOK, rw.Code)

	var cfg domain.MonitorConfig
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &cfg))
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 5, cfg.PollingMinutes)
	assert.Equal(t, 5, cfg.SafetyMarginMinutes)
	assert.Equal(t, 2, cfg.ResumeHysteresisPolls)
	assert.NotNil(t, cfg.Accounts)
}

func TestPutMonitorConfig_PersistsAndApplies(t *testing.T) {
	env := newTestEnv(t)
	h := route(http.MethodPut, "/v1/monitor/config", env.srv.PutMonitorConfigHandler())
	rw := doReq(t, h, http.MethodPut, "/v1/monitor/config",
		`{"enabled":false,"polling_minutes":15,"safety_margin_minutes":10,"resume_hysteresis_polls":3,"accounts":{}}`)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())

	var cfg domain.MonitorConfig
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &cfg))
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 15, cfg.PollingMinutes)
	assert.Equal(t, 1, env.configs.puts, "config must be persisted")
	assert.Equal(t, 15, env.mon.Config().PollingMinutes)
}

func TestPutMonitorConfig_RejectsBadInterval(t *testing.T) {
	env := newTestEnv(t)
	h := route(http.MethodPut, "/v1/monitor/config", env.srv.PutMonitorConfigHandler())
	rw := doReq(t, h, http.MethodPut, "/v1/monitor/config",
		`{"enabled":true,"polling_minutes":7,"safety_margin_minutes":5,"resume_hysteresis_polls":2}`)
	require.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errCode(t, rw))
	assert.Zero(t, env.configs.puts)
}

func TestForcePoll_RecordsSnapshots(t *testing.T) {
	env := newTestEnv(t, claudeAcct("a1"))
	env.fetcher.setPercentage("a1", "5h", 55)

	h := route(http.MethodPost, "/v1/monitor/poll", env.srv.ForcePollHandler())
	rw := doReq(t, h, http.MethodPost, "/v1/monitor/poll", "")
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())

	var res struct {
		PolledAccounts int `json:"polled_accounts"`
		Snapshots      int `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &res))
	assert.Equal(t, 1, res.PolledAccounts)
	assert.Equal(t, 1, res.Snapshots)
}

func TestForcePoll_FetchErrorReported(t *testing.T) {
	env := newTestEnv(t, claudeAcct("a1"))

	h := route(http.MethodPost, "/v1/monitor/poll", env.srv.ForcePollHandler())
	rw := doReq(t, h, http.MethodPost, "/v1/monitor/poll", "")
	require.Equal(t, http.StatusOK, rw.Code)

	var res struct {
		Snapshots int               `json:"snapshots"`
		Errors    map[string]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &res))
	assert.Zero(t, res.Snapshots)
	assert.Contains(t, res.Errors, "a1")
}

func TestMonitorStatus_AfterPoll(t *testing.T) {
	env := newTestEnv(t, claudeAcct("a1"))
	env.fetcher.setPercentage("a1", "5h", 55)
	_, err := env.mon.Poll(context.Background())
	require.NoError(t, err)

	h := route(http.MethodGet, "/v1/monitor/status", env.srv.MonitorStatusHandler())
	rw := doReq(t, h, http.MethodGet, "/v1/monitor/status", "")
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())

	body := rw.Body.String()
	assert.Contains(t, body, `"account_id":"a1"`)
	assert.Contains(t, body, `"window_type":"5h"`)
	assert.Contains(t, body, `"percentage":55`)
	assert.Contains(t, body, `"last_polled_at"`)
	// One sample gives no rate, so the projection reports no data.
	assert.Contains(t, body, `"kind":"no_data"`)
}

func TestMonitorStatus_NoDataAccount(t *testing.T) {
	env := newTestEnv(t, claudeAcct("a1"))

	h := route(http.MethodGet, "/v1/monitor/status", env.srv.MonitorStatusHandler())
	rw := doReq(t, h, http.MethodGet, "/v1/monitor/status", "")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), `"no_data":true`)
}

func TestSchedulerAccounts(t *testing.T) {
	env := newTestEnv(t)
	h := route(http.MethodGet, "/v1/scheduler/accounts", env.srv.SchedulerAccountsHandler())

	rw := doReq(t, h, http.MethodGet, "/v1/scheduler/accounts", "")
	require.Equal(t, http.StatusOK, rw.Code)
	var out struct {
		Accounts []domain.SchedulerState `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &out))
	assert.Empty(t, out.Accounts)

	env.sched.MarkRunning(context.Background(), "a1")
	rw = doReq(t, h, http.MethodGet, "/v1/scheduler/accounts", "")
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &out))
	require.Len(t, out.Accounts, 1)
	assert.Equal(t, "a1", out.Accounts[0].AccountID)
	assert.Equal(t, domain.SchedRunning, out.Accounts[0].State)
}
