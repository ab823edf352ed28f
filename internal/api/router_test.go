package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/model"
)

type memRuleRepo struct {
	mu    sync.Mutex
	rules map[string]model.AlertRule
}

func newMemRuleRepo() *memRuleRepo {
	return &memRuleRepo{rules: make(map[string]model.AlertRule)}
}

func (r *memRuleRepo) GetAllActive(ctx context.Context) ([]model.AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AlertRule
	for _, rule := range r.rules {
		if rule.Active {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (r *memRuleRepo) GetByID(ctx context.Context, id string) (model.AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return model.AlertRule{}, context.Canceled
	}
	return rule, nil
}

func (r *memRuleRepo) Create(ctx context.Context, rule model.AlertRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.ID.String()] = rule
	return nil
}

func (r *memRuleRepo) Update(ctx context.Context, rule model.AlertRule) error {
	return r.Create(ctx, rule)
}

func (r *memRuleRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, id)
	return nil
}

type memHistoryRepo struct {
	rows []model.AlertHistory
}

func (r *memHistoryRepo) Add(ctx context.Context, h model.AlertHistory) error {
	r.rows = append(r.rows, h)
	return nil
}

func (r *memHistoryRepo) Get(ctx context.Context, from, to time.Time, limit int) ([]model.AlertHistory, error) {
	var out []model.AlertHistory
	for _, h := range r.rows {
		if h.TriggeredAt.Before(from) || h.TriggeredAt.After(to) {
			continue
		}
		out = append(out, h)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memStatusRepo struct {
	statuses []model.ExchangeStatus
}

func (r *memStatusRepo) Upsert(ctx context.Context, s model.ExchangeStatus) error { return nil }
func (r *memStatusRepo) GetAll(ctx context.Context) ([]model.ExchangeStatus, error) {
	return r.statuses, nil
}
func (r *memStatusRepo) Get(ctx context.Context, exchange string, source model.SourceType) (model.ExchangeStatus, error) {
	return model.ExchangeStatus{}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memRuleRepo, *memHistoryRepo, *memStatusRepo) {
	t.Helper()
	rules := newMemRuleRepo()
	history := &memHistoryRepo{}
	statuses := &memStatusRepo{}
	srv := httptest.NewServer(NewServer(rules, history, statuses, nil).Router())
	t.Cleanup(srv.Close)
	return srv, rules, history, statuses
}

func TestRuleCRUD(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	body := `{"name":"btc-breakout","instrument_id":1,"kind":"price_above","threshold":"50000","active":true}`
	resp, err := http.Post(srv.URL+"/api/v1/rules", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created model.AlertRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.NotEqual(t, uuid.Nil, created.ID)
	require.Equal(t, model.RulePriceAbove, created.Kind)

	resp, err = http.Get(srv.URL + "/api/v1/rules/" + created.ID.String())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	update := `{"name":"btc-breakout","instrument_id":1,"kind":"price_above","threshold":"60000","active":false}`
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/rules/"+created.ID.String(), bytes.NewBufferString(update))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated model.AlertRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	resp.Body.Close()
	require.Equal(t, created.ID, updated.ID)
	require.False(t, updated.Active)
	require.Equal(t, "60000", updated.Threshold.String())

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/rules/"+created.ID.String(), nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/v1/rules/" + created.ID.String())
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateRule_Validation(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	cases := map[string]string{
		"missing name":   `{"instrument_id":1,"kind":"price_above","threshold":"1"}`,
		"unknown kind":   `{"name":"x","instrument_id":1,"kind":"price_between","threshold":"1"}`,
		"zero threshold": `{"name":"x","instrument_id":1,"kind":"price_above","threshold":"0"}`,
		"no instrument":  `{"name":"x","kind":"price_above","threshold":"1"}`,
		"bad json":       `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/rules", "application/json", bytes.NewBufferString(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestListAlerts_WindowAndLimit(t *testing.T) {
	srv, _, history, _ := newTestServer(t)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		history.rows = append(history.rows, model.AlertHistory{
			ID:          uuid.New(),
			RuleID:      uuid.New(),
			Message:     "triggered",
			TriggeredAt: now.Add(-time.Duration(i) * time.Minute),
		})
	}

	resp, err := http.Get(srv.URL + "/api/v1/alerts?limit=3")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []model.AlertHistory
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 3)

	resp, err = http.Get(srv.URL + "/api/v1/alerts?from=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListExchanges(t *testing.T) {
	srv, _, _, statuses := newTestServer(t)
	statuses.statuses = []model.ExchangeStatus{
		{Exchange: "Binance", Source: model.SourceStreaming, IsOnline: true},
	}

	resp, err := http.Get(srv.URL + "/api/v1/exchanges")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []model.ExchangeStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	require.Equal(t, "Binance", out[0].Exchange)
}
