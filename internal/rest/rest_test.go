package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate/internal/gatewaytest"
)

func TestGatewayBot(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok", RecommendedShards: 3, MaxConcurrency: 2})
	defer srv.Close()

	info, err := New(srv.APIURL(), "tok", nil).GatewayBot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, info.Shards)
	assert.Equal(t, srv.URL(), info.URL)
	assert.Equal(t, 2, info.SessionStartLimit.MaxConcurrency)
}

func TestGatewayBotUnauthorized(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	_, err := New(srv.APIURL(), "wrong", nil).GatewayBot(context.Background())

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.Equal(t, "401: Unauthorized", httpErr.Message)
	assert.Contains(t, httpErr.Error(), "/gateway/bot")
}

func TestHTTPErrorWithoutJSONBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL+"/", "tok", nil).GatewayBot(context.Background())

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.Status)
	assert.Empty(t, httpErr.Message)
	assert.Equal(t, "GET /gateway/bot: 502 Bad Gateway", httpErr.Error())
}

func TestGatewayBotMalformedBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok", nil).GatewayBot(context.Background())
	require.Error(t, err)

	var httpErr *HTTPError
	assert.False(t, errors.As(err, &httpErr))
}
