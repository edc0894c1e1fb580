package kc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKiteConnectQuotes(t *testing.T) {
	var gotQuery []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "token test_key:test_token", r.Header.Get("Authorization"))
		gotQuery = r.URL.Query()["i"]

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{
			"NSE:NIFTY 50":{"instrument_token":256265,"last_price":25010.5,"volume":0,"oi":0,"ohlc":{"open":24950,"high":25050,"low":24900,"close":24900}},
			"NFO:NIFTY25OCTFUT":{"instrument_token":9001,"last_price":25100,"volume":120000,"oi":1500000,"ohlc":{"open":25000,"high":25150,"low":24990,"close":25000}}
		}}`))
	}))
	defer srv.Close()

	k := NewKiteConnect("test_key", "test_token", srv.URL)
	got, err := k.Quotes(context.Background(), []string{"NSE:NIFTY 50", "NFO:NIFTY25OCTFUT"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"NSE:NIFTY 50", "NFO:NIFTY25OCTFUT"}, gotQuery)
	require.Len(t, got, 2)

	idx := got["NSE:NIFTY 50"]
	assert.True(t, idx.Available)
	assert.Equal(t, 25010.5, idx.LastPrice)
	assert.Equal(t, 24900.0, idx.Close)

	fut := got["NFO:NIFTY25OCTFUT"]
	assert.Equal(t, int64(120000), fut.Volume)
	assert.Equal(t, 1500000.0, fut.OI)
	assert.Equal(t, 25150.0, fut.High)
}

func TestKiteConnectUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"status":"error","message":"Too many requests","error_type":"NetworkException"}`))
	}))
	defer srv.Close()

	k := NewKiteConnect("test_key", "test_token", srv.URL)
	_, err := k.Quotes(context.Background(), []string{"NSE:INFY"})
	assert.Error(t, err)
}

func TestWithContextHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := withContext(ctx, func() (int, error) {
		called = true
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)
	_, err = withContext(ctx, func() (int, error) {
		<-release
		return 1, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	v, err := withContext(context.Background(), func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestWithContextRecoversPanic(t *testing.T) {
	_, err := withContext(context.Background(), func() (int, error) {
		panic("decoder blew up")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoder blew up")
}
