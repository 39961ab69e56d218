package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/avvvet/buyin-services/internal/flow"
	"github.com/avvvet/buyin-services/internal/session"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/reconciler"
	"github.com/avvvet/buyin-services/internal/tablesvc/service"
	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	bus := gateway.NewMemoryBus()
	rows := gateway.NewMemoryRows(bus)
	players := service.NewPlayerService(rows)
	tables := service.NewTableService(rows, bus, nil)
	h := NewHandler(Deps{
		Rows:      rows,
		Sessions:  session.NewMemoryStore(),
		Flow:      flow.NewController(players, tables),
		Players:   players,
		Tables:    tables,
		Admin:     service.NewAdminService(rows, bus, nil),
		JWTSecret: "test-secret",
		Port:      "0",
	})
	h.InitAuth()
	r := chi.NewRouter()
	h.SetRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	t     *testing.T
	base  string
	token string
}

type reply struct {
	Code  int
	Data  json.RawMessage
	Error string
}

func (c *client) do(method, path string, body interface{}) reply {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer res.Body.Close()

	var rsp struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	_ = json.NewDecoder(res.Body).Decode(&rsp)
	return reply{Code: res.StatusCode, Data: rsp.Data, Error: rsp.Error}
}

func (c *client) flow(path string, body interface{}, want int) flow.State {
	c.t.Helper()
	rep := c.do(http.MethodPost, path, body)
	require.Equal(c.t, want, rep.Code, rep.Error)
	st := flow.State{}
	require.NoError(c.t, json.Unmarshal(rep.Data, &st))
	return st
}

func newClient(t *testing.T, srv *httptest.Server) *client {
	t.Helper()
	c := &client{t: t, base: srv.URL}
	rep := c.do(http.MethodPost, "/v1/session", nil)
	require.Equal(t, http.StatusOK, rep.Code)
	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rep.Data, &data))
	require.NotEmpty(t, data.Token)
	c.token = data.Token
	return c
}

func TestSecureRoutesNeedSession(t *testing.T) {
	srv := newServer(t)
	anon := &client{t: t, base: srv.URL}
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/v1/flow", nil).Code)
	assert.Equal(t, http.StatusOK, anon.do(http.MethodGet, "/v1/health", nil).Code)
}

func TestSessionCookieIsSet(t *testing.T) {
	srv := newServer(t)
	res, err := http.Post(srv.URL+"/v1/session", "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()

	var found bool
	for _, ck := range res.Cookies() {
		if ck.Name == sessionCookie {
			found = true
			assert.True(t, ck.HttpOnly)
		}
	}
	assert.True(t, found)
}

func TestOnboardingValidation(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv)

	rep := c.do(http.MethodPost, "/v1/onboarding", map[string]string{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, rep.Code)

	st := c.flow("/v1/onboarding", map[string]string{"name": "Alice"}, http.StatusCreated)
	assert.Equal(t, flow.ScreenTableSelection, st.Screen)

	other := newClient(t, srv)
	rep = other.do(http.MethodPost, "/v1/onboarding", map[string]string{"name": "Alice"})
	assert.Equal(t, http.StatusBadRequest, rep.Code)
}

func TestTableLifecycleOverHTTP(t *testing.T) {
	srv := newServer(t)
	alice := newClient(t, srv)
	alice.flow("/v1/onboarding", map[string]string{"name": "Alice"}, http.StatusCreated)
	created := alice.flow("/v1/tables", map[string]string{"name": "Friday"}, http.StatusCreated)
	require.Equal(t, flow.ScreenTableView, created.Screen)
	tableID := created.Table.ID

	bob := newClient(t, srv)
	bob.flow("/v1/onboarding", map[string]string{"name": "Bob"}, http.StatusCreated)
	waiting := bob.flow("/v1/tables/join", map[string]string{"code": created.Table.JoinCode}, http.StatusAccepted)
	require.NotNil(t, waiting.PendingTable)

	// bob cannot see the table yet
	assert.Equal(t, http.StatusForbidden, bob.do(http.MethodGet, "/v1/tables/"+tableID+"/view", nil).Code)

	view := alice.do(http.MethodGet, "/v1/tables/"+tableID+"/view", nil)
	require.Equal(t, http.StatusOK, view.Code)
	st := reconciler.State{}
	require.NoError(t, json.Unmarshal(view.Data, &st))
	require.Len(t, st.PendingJoins, 1)
	joinID := st.PendingJoins[0].RequestID

	// only the admin decides
	assert.Equal(t, http.StatusForbidden, bob.do(http.MethodPost, "/v1/tables/"+tableID+"/joins/"+joinID+"/approve", nil).Code)
	require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/v1/tables/"+tableID+"/joins/"+joinID+"/approve", nil).Code)
	assert.Equal(t, http.StatusConflict, alice.do(http.MethodPost, "/v1/tables/"+tableID+"/joins/"+joinID+"/reject", nil).Code)

	opened := bob.do(http.MethodGet, "/v1/tables/"+tableID, nil)
	require.Equal(t, http.StatusOK, opened.Code)
	fs := flow.State{}
	require.NoError(t, json.Unmarshal(opened.Data, &fs))
	assert.Equal(t, flow.ScreenTableView, fs.Screen)
	assert.Equal(t, flow.TablePath(tableID), fs.Path)

	assert.Equal(t, http.StatusBadRequest, bob.do(http.MethodPost, "/v1/tables/"+tableID+"/buyins", map[string]string{"amount": "0"}).Code)
	req := bob.do(http.MethodPost, "/v1/tables/"+tableID+"/buyins", map[string]string{"amount": "50"})
	require.Equal(t, http.StatusCreated, req.Code)
	var buyIn struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(req.Data, &buyIn))
	require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/v1/tables/"+tableID+"/buyins/"+buyIn.ID+"/approve", nil).Code)

	view = alice.do(http.MethodGet, "/v1/tables/"+tableID+"/view", nil)
	require.NoError(t, json.Unmarshal(view.Data, &st))
	var bobTotal string
	for _, e := range st.Roster {
		if e.Name == "Bob" {
			bobTotal = e.Total.String()
		}
	}
	assert.Equal(t, "50", bobTotal)

	ended := alice.flow("/v1/tables/"+tableID+"/end", nil, http.StatusOK)
	assert.Equal(t, flow.ScreenTableSelection, ended.Screen)
	assert.Equal(t, http.StatusNotFound, bob.do(http.MethodPost, "/v1/tables/join", map[string]string{"code": created.Table.JoinCode}).Code)
}

func TestExitNeedsSelectedTable(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv)
	c.flow("/v1/onboarding", map[string]string{"name": "Alice"}, http.StatusCreated)
	created := c.flow("/v1/tables", map[string]string{"name": "Friday"}, http.StatusCreated)

	assert.Equal(t, http.StatusConflict, c.do(http.MethodPost, "/v1/tables/other/exit", nil).Code)
	st := c.flow("/v1/tables/"+created.Table.ID+"/exit", nil, http.StatusOK)
	assert.Equal(t, flow.ScreenTableSelection, st.Screen)

	st = c.flow("/v1/switch-player", nil, http.StatusOK)
	assert.Equal(t, flow.ScreenOnboarding, st.Screen)
}
