package insights

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuestionInsights(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/question-insights", r.URL.Path)
		require.Equal(t, "Will it rain by 2026-01-01?", r.URL.Query().Get("question"))
		_ = json.NewEncoder(w).Encode(Insights{
			Summary: "Forecasts disagree.",
			Results: []NewsItem{{URL: "https://example.com/a", Title: "Rain likely"}},
		})
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL).QuestionInsights(context.Background(), "Will it rain by 2026-01-01?")
	require.NoError(t, err)
	require.Equal(t, "Forecasts disagree.", got.Summary)
	require.Len(t, got.Results, 1)
}

func TestMarketInsights_UpstreamStatusPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/market-insights", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).MarketInsights(context.Background(), "0xabc")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}
