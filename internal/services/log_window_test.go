package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRange(t *testing.T) {
	cases := map[string]string{
		"15m":     "15m",
		"1h":      "1h",
		" 6H ":    "6h",
		"24h":     "24h",
		"7d":      "7d",
		"":        DefaultRange,
		"30d":     DefaultRange,
		"1h; rm":  DefaultRange,
		"unknown": DefaultRange,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeRange(in), "NormalizeRange(%q)", in)
	}
	assert.Equal(t, 15*time.Minute, RangeDuration("garbage"))
	assert.Equal(t, 7*24*time.Hour, RangeDuration("7d"))
}

func TestQueryRangeURL(t *testing.T) {
	got, err := QueryRangeURL("https://loki.example.com/loki/api/v1/push")
	require.NoError(t, err)
	assert.Equal(t, "https://loki.example.com/loki/api/v1/query_range", got)

	got, err = QueryRangeURL("https://loki.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://loki.example.com/loki/api/v1/query_range", got)

	_, err = QueryRangeURL("")
	assert.Error(t, err)
	_, err = QueryRangeURL("not a url")
	assert.Error(t, err)
}

func TestBuildLogQL(t *testing.T) {
	assert.Equal(t,
		`{job="omnilogs",company_id="1",project_id="2",server_external_id="srv-3"}`,
		BuildLogQL(1, 2, "srv-3", "  "))
	assert.Equal(t,
		`{job="omnilogs",company_id="1",project_id="2",server_external_id="srv-3"} |= "say \"hi\""`,
		BuildLogQL(1, 2, "srv-3", `say "hi"`))
}

const lokiResponse = `{
  "status": "success",
  "data": {
    "resultType": "streams",
    "result": [
      {"stream": {"unit": "sshd"}, "values": [["1772704801000000000", "Failed password for root"]]},
      {"stream": {"unit": "nginx"}, "values": [["1772704803000000000", "upstream timed out"], ["1772704802000000000", "GET /health 200"]]}
    ]
  }
}`

func TestLokiClientFetch(t *testing.T) {
	var gotQuery, gotOrg, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/query_range", r.URL.Path)
		gotQuery = r.URL.Query().Get("query")
		assert.Equal(t, "BACKWARD", r.URL.Query().Get("direction"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		gotOrg = r.Header.Get("X-Scope-OrgID")
		gotUser, _, _ = r.BasicAuth()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(lokiResponse))
	}))
	defer srv.Close()

	client := NewLokiClient(time.Second, 2*time.Second)
	window := client.Fetch(context.Background(), LogQuery{
		Target:           LokiTarget{PushURL: srv.URL + "/loki/api/v1/push", Username: "tenant", Password: "secret"},
		CompanyID:        1,
		ProjectID:        2,
		ServerExternalID: "srv-3",
		Range:            "bogus",
		Filter:           "timed out",
		Limit:            50,
	})

	require.Empty(t, window.Error)
	assert.Equal(t, DefaultRange, window.Range)
	assert.Equal(t, 15*time.Minute, window.End.Sub(window.Start))
	assert.Contains(t, gotQuery, `server_external_id="srv-3"`)
	assert.Contains(t, gotQuery, `|= "timed out"`)
	assert.Equal(t, "c1-p2", gotOrg)
	assert.Equal(t, "tenant", gotUser)

	require.Len(t, window.Rows, 3)
	assert.Equal(t, "upstream timed out", window.Rows[0].Line)
	assert.Equal(t, "nginx", window.Rows[0].Labels["unit"])
	assert.Equal(t, "Failed password for root", window.Rows[2].Line)
	assert.True(t, strings.HasSuffix(window.Rows[0].Timestamp, " UTC"))
}

func TestLokiClientFetchReportsErrorsInWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 1000), http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewLokiClient(time.Second, 2*time.Second)
	window := client.Fetch(context.Background(), LogQuery{
		Target:           LokiTarget{PushURL: srv.URL},
		CompanyID:        1,
		ProjectID:        2,
		ServerExternalID: "srv-3",
		Range:            "1h",
		Limit:            10,
	})

	assert.Empty(t, window.Rows)
	assert.Contains(t, window.Error, "HTTP 502")
	assert.Less(t, len(window.Error), 400)
	assert.Equal(t, "1h", window.Range)
}

func TestLokiClientFetchWithoutExternalID(t *testing.T) {
	client := NewLokiClient(time.Second, time.Second)
	window := client.Fetch(context.Background(), LogQuery{Target: LokiTarget{PushURL: "http://127.0.0.1:1"}, CompanyID: 1, ProjectID: 2})
	assert.NotEmpty(t, window.Error)
	assert.NotNil(t, window.Rows)
}

func TestParseQueryRangeRejectsFailedStatus(t *testing.T) {
	_, err := parseQueryRange([]byte(`{"status":"error","error":"parse error"}`))
	assert.Error(t, err)
	_, err = parseQueryRange([]byte(`not json`))
	assert.Error(t, err)
}
