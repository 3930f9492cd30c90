package avito

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sellerbot/internal/gateway"
	logx "sellerbot/pkg/logx"
)

type memSink struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (m *memSink) SaveToken(ctx context.Context, tenantID int64, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.expiresAt = token, expiresAt
	return nil
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *memSink) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sink := &memSink{}
	return New(Config{BaseURL: srv.URL, MaxItems: 500}, sink, logx.Logger{}), sink
}

func TestTokenUsesCachedWhileFresh(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for a fresh cached token")
	}))

	tok, err := c.Token(context.Background(), gateway.Credentials{
		AccessToken: "cached",
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", tok)
}

func TestTokenRefreshesNearExpiry(t *testing.T) {
	var gotForm struct {
		grant, clientID string
	}
	c, sink := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotForm.grant = r.PostFormValue("grant_type")
		gotForm.clientID = r.PostFormValue("client_id")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
	}))

	// Inside the refresh buffer: a new token is fetched even though the old
	// one is technically still valid.
	tok, err := c.Token(context.Background(), gateway.Credentials{
		TenantID:     7,
		ClientID:     "cid",
		ClientSecret: "sec",
		AccessToken:  "stale",
		ExpiresAt:    time.Now().UTC().Add(30 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, "client_credentials", gotForm.grant)
	assert.Equal(t, "cid", gotForm.clientID)
	assert.Equal(t, "fresh", sink.token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sink.expiresAt, time.Minute)
}

func TestActiveListingsPaginates(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		n := 100
		if page == 3 {
			n = 17
		}
		type res struct {
			ID int64 `json:"id"`
		}
		items := make([]res, n)
		for i := range items {
			items[i] = res{ID: int64((page-1)*100 + i + 1)}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"resources": items})
	}))

	ids, err := c.ActiveListings(context.Background(), "tok")
	require.NoError(t, err)
	assert.Len(t, ids, 217)
	assert.Equal(t, int64(1), ids[0])
	assert.Equal(t, int64(217), ids[216])
}

func TestActiveListingsCapsAtMaxItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		type res struct {
			ID int64 `json:"id"`
		}
		items := make([]res, 100)
		for i := range items {
			items[i] = res{ID: int64(i)}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"resources": items})
	}))
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, MaxItems: 250}, nil, logx.Logger{})

	ids, err := c.ActiveListings(context.Background(), "tok")
	require.NoError(t, err)
	assert.Len(t, ids, 250)
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.ActiveListings(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, gateway.IsRateLimited(err))
	var rl *gateway.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestBid(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cpxpromo/1/getBids/11":
			fmt.Fprint(w, `{"result":[{"bidPenny":45}]}`)
		case "/cpxpromo/1/getBids/22":
			fmt.Fprint(w, `{"result":[]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	bid, err := c.Bid(context.Background(), "tok", 11)
	require.NoError(t, err)
	assert.Equal(t, int64(45), bid)

	_, err = c.Bid(context.Background(), "tok", 22)
	assert.ErrorIs(t, err, gateway.ErrNoBid)
}

func TestSetAutoBudgetPayload(t *testing.T) {
	var got map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cpxpromo/1/setAuto", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{}`)
	}))

	require.NoError(t, c.SetAutoBudget(context.Background(), "tok", 11, 500, 5))
	assert.Equal(t, "1d", got["budgetType"])
	assert.Equal(t, float64(500), got["budgetPenny"])
	assert.Equal(t, float64(5), got["actionTypeID"])
}

func TestSetManualLimitPayload(t *testing.T) {
	var got map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cpxpromo/1/setManual", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{}`)
	}))

	require.NoError(t, c.SetManualLimit(context.Background(), "tok", 11, 300, 45, 5))
	assert.Equal(t, float64(300), got["limitPenny"])
	assert.Equal(t, float64(45), got["bidPenny"])
}
