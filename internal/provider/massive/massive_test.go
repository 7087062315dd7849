package massive_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"marketdata/internal/fetcherr"
	"marketdata/internal/provider"
	massive "marketdata/internal/provider/massive"
	"marketdata/internal/ratelimit"
	"marketdata/internal/retry"
)

func newAdapter(t *testing.T, apiKey string, client massive.HTTPClient) *massive.Adapter {
	t.Helper()
	return massive.New(
		massive.Config{
			APIKey: apiKey,
			Retry:  retry.Policy{Base: time.Millisecond, JitterMax: time.Millisecond, MaxRetries: 2},
		},
		client,
		ratelimit.New(ratelimit.Config{RPS: 10000, Burst: 10000}),
		zerolog.Nop(),
	)
}

func jsonResponse(t *testing.T, status int, body map[string]any) *http.Response {
	t.Helper()
	buffer := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buffer).Encode(body))
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(buffer),
	}
}

func TestFetchTrades(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client
	httpClient := NewMockHTTPClient(ctrl)

	// Assert: stub the Do method
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, http.MethodGet, req.Method)
			require.Equal(t, "/futures/vX/trades/ESZ4", req.URL.Path)
			require.Equal(t, "test-key", req.URL.Query().Get("apiKey"))

			return jsonResponse(t, http.StatusOK, map[string]any{
				"results": []map[string]any{
					{
						"timestamp": 1734484219000000000,
						"price":     605400,
						"size":      12,
					},
				},
			}), nil
		}).
		Times(1)

	// Arrange: setup the adapter
	adapter := newAdapter(t, "test-key", httpClient)

	// Act: fetch trades
	res, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointTrades,
		Params:   map[string]string{"ticker": "ESZ4"},
	})
	require.NoError(t, err)

	// Assert: the nanosecond timestamp is converted to unix seconds and the
	// ticker falls back to the request parameter
	require.Len(t, res.Trades, 1)
	require.Equal(t, int64(1734484219), res.Trades[0].TS)
	require.InEpsilon(t, 605400.0, res.Trades[0].Price, 0.0001)
	require.Equal(t, int64(12), res.Trades[0].Size)
	require.Equal(t, "ESZ4", res.Trades[0].Ticker)
	require.Nil(t, res.Trades[0].SessionEndDate)
	require.Empty(t, res.NextCursor)
}

func TestFetchAggs(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client
	httpClient := NewMockHTTPClient(ctrl)

	// Assert: stub the Do method
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "/futures/vX/aggs/ESZ4", req.URL.Path)
			require.Equal(t, "1m", req.URL.Query().Get("resolution"))

			return jsonResponse(t, http.StatusOK, map[string]any{
				"results": []map[string]any{
					{
						"window_start": 1734484200000000000,
						"open":         6050.25,
						"high":         6051.0,
						"low":          6049.5,
						"close":        6050.75,
						"volume":       1532,
					},
				},
			}), nil
		}).
		Times(1)

	// Arrange: setup the adapter
	adapter := newAdapter(t, "test-key", httpClient)

	// Act: fetch one bar
	res, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointAggs,
		Params:   map[string]string{"ticker": "ESZ4", "resolution": "1m"},
	})
	require.NoError(t, err)

	// Assert: the bar carries the canonical identity and converted timestamp
	require.Len(t, res.Bars, 1)
	require.Equal(t, "massive", res.Bars[0].Source)
	require.Equal(t, "ESZ4", res.Bars[0].Symbol)
	require.Equal(t, "1m", res.Bars[0].Interval)
	require.Equal(t, int64(1734484200), res.Bars[0].TS)
	require.InEpsilon(t, 6050.25, res.Bars[0].Open, 0.0001)
	require.InEpsilon(t, 1532.0, res.Bars[0].Volume, 0.0001)
}

func TestFetch_ErrNoAPIKey(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client that must never be called
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		Times(0)

	// Arrange: setup the adapter without a key
	adapter := newAdapter(t, "", httpClient)

	// Act: fetch trades
	_, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointTrades,
		Params:   map[string]string{"ticker": "ESZ4"},
	})

	// Assert: auth failure, no transport call
	require.Error(t, err)
	require.Equal(t, fetcherr.KindAuth, fetcherr.KindOf(err))
}

func TestFetch_ErrMissingTicker(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client that must never be called
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		Times(0)

	// Arrange: setup the adapter
	adapter := newAdapter(t, "test-key", httpClient)

	// Act: fetch trades without a ticker
	_, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointTrades,
		Params:   map[string]string{},
	})

	// Assert: validation failure
	require.Error(t, err)
	require.Equal(t, fetcherr.KindValidation, fetcherr.KindOf(err))
}

func TestFetch_ErrMissingResolution(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client that must never be called
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		Times(0)

	// Arrange: setup the adapter
	adapter := newAdapter(t, "test-key", httpClient)

	// Act: fetch aggregates without a resolution
	_, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointAggs,
		Params:   map[string]string{"ticker": "ESZ4"},
	})

	// Assert: validation failure
	require.Error(t, err)
	require.Equal(t, fetcherr.KindValidation, fetcherr.KindOf(err))
}

func TestFetch_ErrUnknownEndpoint(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client that must never be called
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		Times(0)

	// Arrange: setup the adapter
	adapter := newAdapter(t, "test-key", httpClient)

	// Act: fetch an endpoint type the adapter does not route
	_, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointType("options_chain"),
		Params:   map[string]string{"ticker": "ESZ4"},
	})

	// Assert: validation failure
	require.Error(t, err)
	require.Equal(t, fetcherr.KindValidation, fetcherr.KindOf(err))
}

func TestFetch_Pagination(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client
	httpClient := NewMockHTTPClient(ctrl)

	firstPage := map[string]any{
		"results": []map[string]any{
			{"timestamp": 1734484219000000000, "price": 605400, "size": 12},
			{"timestamp": 1734484220000000000, "price": 605425, "size": 3},
		},
		"next_url": "https://api.massive.com/futures/vX/trades/ESZ4?cursor=abc",
	}
	secondPage := map[string]any{
		"results": []map[string]any{
			// first row repeats the tail of the previous page
			{"timestamp": 1734484220000000000, "price": 605425, "size": 3},
			{"timestamp": 1734484221000000000, "price": 605450, "size": 7},
		},
	}

	// Assert: stub the Do method, serving both pages in order
	gomock.InOrder(
		httpClient.EXPECT().
			Do(gomock.Any()).
			DoAndReturn(func(req *http.Request) (*http.Response, error) {
				require.Empty(t, req.URL.Query().Get("cursor"))
				return jsonResponse(t, http.StatusOK, firstPage), nil
			}),
		httpClient.EXPECT().
			Do(gomock.Any()).
			DoAndReturn(func(req *http.Request) (*http.Response, error) {
				require.Equal(t, "abc", req.URL.Query().Get("cursor"))
				require.Equal(t, "test-key", req.URL.Query().Get("apiKey"))
				return jsonResponse(t, http.StatusOK, secondPage), nil
			}),
	)

	// Arrange: setup the adapter
	adapter := newAdapter(t, "test-key", httpClient)

	// Act: fetch more rows than one page holds
	res, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointTrades,
		Params:   map[string]string{"ticker": "ESZ4"},
		Limit:    4,
	})
	require.NoError(t, err)

	// Assert: the page-boundary duplicate is collapsed
	require.Len(t, res.Trades, 3)
	require.Equal(t, int64(1734484219), res.Trades[0].TS)
	require.Equal(t, int64(1734484220), res.Trades[1].TS)
	require.Equal(t, int64(1734484221), res.Trades[2].TS)
	require.Empty(t, res.NextCursor)
}

func TestFetch_StaleCursorStops(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	cursor := "https://api.massive.com/futures/vX/trades/ESZ4?cursor=abc"

	// Arrange: create a mock HTTP client that echoes the requested URL as
	// next_url
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(t, http.StatusOK, map[string]any{
				"results": []map[string]any{
					{"timestamp": 1734484219000000000, "price": 605400, "size": 12},
				},
				"next_url": cursor,
			}), nil
		}).
		Times(1)

	// Arrange: setup the adapter
	adapter := newAdapter(t, "test-key", httpClient)

	// Act: resume from the cursor; the provider repeats it
	res, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointTrades,
		Params:   map[string]string{"ticker": "ESZ4"},
		Cursor:   cursor,
		Limit:    100,
	})
	require.NoError(t, err)

	// Assert: one call, loop terminated, cursor cleared
	require.Len(t, res.Trades, 1)
	require.Empty(t, res.NextCursor)
}

func TestFetch_ErrRetriesExhausted(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client serving 500s
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(bytes.NewReader([]byte("upstream down"))),
			}, nil
		}).
		Times(3) // initial attempt + 2 retries

	// Arrange: setup the adapter
	adapter := newAdapter(t, "test-key", httpClient)

	// Act: fetch trades
	_, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointTrades,
		Params:   map[string]string{"ticker": "ESZ4"},
	})

	// Assert: transient failure surfaced as exhaustion
	require.Error(t, err)
	require.True(t, fetcherr.IsExhausted(err))
	require.Equal(t, fetcherr.KindTransient, fetcherr.KindOf(err))
}

func TestFetch_ErrAuthNotRetried(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client rejecting the credential
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusForbidden,
				Body:       io.NopCloser(bytes.NewReader([]byte("forbidden"))),
			}, nil
		}).
		Times(1)

	// Arrange: setup the adapter
	adapter := newAdapter(t, "bad-key", httpClient)

	// Act: fetch trades
	_, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointTrades,
		Params:   map[string]string{"ticker": "ESZ4"},
	})

	// Assert: auth failure after exactly one call
	require.Error(t, err)
	require.Equal(t, fetcherr.KindAuth, fetcherr.KindOf(err))
	require.False(t, fetcherr.IsExhausted(err))
}

func TestFetch_ErrSchemaRejected(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client serving a trade without a price
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(t, http.StatusOK, map[string]any{
				"results": []map[string]any{
					{"timestamp": 1734484219000000000, "size": 12},
				},
			}), nil
		}).
		Times(1)

	// Arrange: setup the adapter
	adapter := newAdapter(t, "test-key", httpClient)

	// Act: fetch trades
	_, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointTrades,
		Params:   map[string]string{"ticker": "ESZ4"},
	})

	// Assert: the whole page is rejected
	require.Error(t, err)
	require.Equal(t, fetcherr.KindSchema, fetcherr.KindOf(err))
}

func TestFetch_ReferenceDataDocuments(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "/futures/vX/products", req.URL.Path)
			require.Equal(t, "CME", req.URL.Query().Get("trading_venue"))
			require.Empty(t, req.URL.Query().Get("bogus"))

			return jsonResponse(t, http.StatusOK, map[string]any{
				"results": []map[string]any{
					{"product_code": "ES", "name": "E-Mini S&P 500"},
				},
			}), nil
		}).
		Times(1)

	// Arrange: setup the adapter
	adapter := newAdapter(t, "test-key", httpClient)

	// Act: fetch products with one accepted and one unknown parameter
	res, err := adapter.Fetch(t.Context(), provider.Request{
		Endpoint: provider.EndpointProducts,
		Params:   map[string]string{"trading_venue": "CME", "bogus": "x"},
	})
	require.NoError(t, err)

	// Assert: reference data passes through as documents
	require.Len(t, res.Documents, 1)
	require.Equal(t, "ES", res.Documents[0]["product_code"])
}

func TestFetch_NormalizationDeterministic(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: the same raw payload served on every call
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(*http.Request) (*http.Response, error) {
			return jsonResponse(t, http.StatusOK, map[string]any{
				"results": []map[string]any{
					{"timestamp": 1734484219000000000, "price": 605400, "size": 12},
					{"timestamp": 1734484219000000001, "price": 605425, "size": 3, "session_end_date": "2024-12-18"},
				},
			}), nil
		}).
		Times(2)

	adapter := newAdapter(t, "test-key", httpClient)
	req := provider.Request{
		Endpoint: provider.EndpointTrades,
		Params:   map[string]string{"ticker": "ESZ4"},
	}

	// Act: fetch and normalize the identical payload twice
	first, err := adapter.Fetch(t.Context(), req)
	require.NoError(t, err)
	second, err := adapter.Fetch(t.Context(), req)
	require.NoError(t, err)

	// Assert: the canonical records are byte-identical
	a, err := json.Marshal(first.Records())
	require.NoError(t, err)
	b, err := json.Marshal(second.Records())
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestSupports(t *testing.T) {
	t.Parallel()

	adapter := newAdapter(t, "test-key", nil)

	for _, endpoint := range []provider.EndpointType{
		provider.EndpointContracts, provider.EndpointContract,
		provider.EndpointProducts, provider.EndpointProduct,
		provider.EndpointSchedules, provider.EndpointProductSchedules,
		provider.EndpointAggs, provider.EndpointTrades, provider.EndpointQuotes,
		provider.EndpointMarketStatus, provider.EndpointExchanges,
	} {
		require.Truef(t, adapter.Supports(endpoint), "expected %s to be supported", endpoint)
	}
	require.False(t, adapter.Supports(provider.EndpointType("options_chain")))
}
