package openfoodfacts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/api/v0/", opts...)
}

func TestResolveFound(t *testing.T) {
	var gotPath, gotFields string
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFields = r.URL.Query().Get("fields")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":1,"product":{"product_name":"Coca-Cola","brands":"Coca-Cola","labels_en":"Green Dot"}}`))
	})

	product, found, err := client.Resolve(context.Background(), " 5449000131805 ")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/api/v0/product/5449000131805.json", gotPath)
	assert.True(t, strings.Contains(gotFields, "nutriments"))
	assert.Equal(t, "Coca-Cola", product.DisplayName())
	assert.Equal(t, "5449000131805", product.Code)
	assert.Contains(t, product.Extra, "labels_en")
}

func TestResolveNotFound(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":0,"status_verbose":"product not found"}`))
	})

	product, found, err := client.Resolve(context.Background(), "000000000000")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, product)
}

func TestResolveNotFoundStatusCode(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, found, err := client.Resolve(context.Background(), "000000000000")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResolveServerError(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, _, err := client.Resolve(context.Background(), "5449000131805")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestResolveMalformedBody(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})

	_, _, err := client.Resolve(context.Background(), "5449000131805")
	assert.Error(t, err)
}

func TestResolveHonoursContext(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := client.Resolve(ctx, "5449000131805")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveEmptyBarcode(t *testing.T) {
	_, _, err := New("").Resolve(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyBarcode)
}

type countingTransport struct {
	calls int
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls++
	return http.DefaultTransport.RoundTrip(r)
}

func TestClientOptions(t *testing.T) {
	var gotAgent string
	transport := &countingTransport{}
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{"status":0}`))
	}, WithUserAgent("healthscan-test/2.0"), WithHTTPClient(&http.Client{Transport: transport}))

	_, found, err := client.Resolve(context.Background(), "5449000131805")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "healthscan-test/2.0", gotAgent)
	assert.Equal(t, 1, transport.calls)
}
