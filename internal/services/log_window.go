package services

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/metrics"
	"github.com/omninoc/backend/internal/models"
	"github.com/valyala/fastjson"
)

// DefaultRange is the narrowest window and the fallback for unknown values.
const DefaultRange = "15m"

const (
	lokiPushPath       = "/loki/api/v1/push"
	lokiQueryRangePath = "/loki/api/v1/query_range"
	lokiJob            = "omnilogs"
	maxQueryLimit      = 5000
	maxErrorBodyChars  = 300
)

var rangeWindows = map[string]time.Duration{
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

// RangeOptions lists the accepted window values, narrowest first.
var RangeOptions = []string{"15m", "1h", "6h", "24h", "7d"}

// NormalizeRange coerces anything outside the whitelist to DefaultRange.
func NormalizeRange(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if _, ok := rangeWindows[value]; ok {
		return value
	}
	return DefaultRange
}

// RangeDuration returns the lookback for a (normalized) window value.
func RangeDuration(value string) time.Duration {
	return rangeWindows[NormalizeRange(value)]
}

// LokiTarget is where and how to query one project's logs.
type LokiTarget struct {
	PushURL  string
	Username string
	Password string
}

type LogQuery struct {
	Target           LokiTarget
	CompanyID        uint
	ProjectID        uint
	ServerExternalID string
	Range            string
	Filter           string
	Limit            int
}

// LogWindow is the result of one fetch. Error is set instead of returning
// a Go error so callers can keep going with empty context.
type LogWindow struct {
	Rows   []models.LogRow `json:"rows"`
	Range  string          `json:"range"`
	Filter string          `json:"q"`
	Start  time.Time       `json:"start"`
	End    time.Time       `json:"end"`
	Error  string          `json:"error,omitempty"`
}

// LogFetcher retrieves a bounded window of a server's logs.
type LogFetcher interface {
	Fetch(ctx context.Context, q LogQuery) LogWindow
}

// LokiClient queries the Loki query_range API.
type LokiClient struct {
	client *http.Client
	now    func() time.Time
}

func NewLokiClient(connectTimeout, timeout time.Duration) *LokiClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   4,
	}
	return &LokiClient{
		client: &http.Client{Timeout: timeout, Transport: transport},
		now:    time.Now,
	}
}

// QueryRangeURL derives the query endpoint from the configured push URL.
func QueryRangeURL(pushURL string) (string, error) {
	pushURL = strings.TrimSpace(pushURL)
	if pushURL == "" {
		return "", fmt.Errorf("log store URL is not configured")
	}
	var endpoint string
	if strings.Contains(pushURL, lokiPushPath) {
		endpoint = strings.Replace(pushURL, lokiPushPath, lokiQueryRangePath, 1)
	} else {
		endpoint = strings.TrimRight(pushURL, "/") + lokiQueryRangePath
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid log store URL %q", pushURL)
	}
	return endpoint, nil
}

// BuildLogQL selects one server's stream and applies an optional line filter.
func BuildLogQL(companyID, projectID uint, serverExternalID, filter string) string {
	selector := fmt.Sprintf(`{job=%s,company_id=%s,project_id=%s,server_external_id=%s}`,
		strconv.Quote(lokiJob),
		strconv.Quote(strconv.FormatUint(uint64(companyID), 10)),
		strconv.Quote(strconv.FormatUint(uint64(projectID), 10)),
		strconv.Quote(serverExternalID),
	)
	if filter = strings.TrimSpace(filter); filter != "" {
		selector += " |= " + strconv.Quote(filter)
	}
	return selector
}

// OrgID is the tenant header value for a company/project pair.
func OrgID(companyID, projectID uint) string {
	return fmt.Sprintf("c%d-p%d", companyID, projectID)
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// Fetch runs one query_range call. It never returns an error; failures are
// reported through LogWindow.Error with no rows.
func (lc *LokiClient) Fetch(ctx context.Context, q LogQuery) LogWindow {
	end := lc.now().UTC()
	window := LogWindow{
		Range:  NormalizeRange(q.Range),
		Filter: strings.TrimSpace(q.Filter),
		End:    end,
	}
	window.Start = end.Add(-rangeWindows[window.Range])

	rows, err := lc.query(ctx, q, window)
	if err != nil {
		metrics.LogFetches.WithLabelValues("error").Inc()
		logger.WithScope(q.CompanyID, q.ProjectID, 0, "log_window").
			WithField("server_external_id", q.ServerExternalID).
			WithField("range", window.Range).
			Warnf("Log window fetch failed: %v", err)
		window.Error = err.Error()
		window.Rows = []models.LogRow{}
		return window
	}

	metrics.LogFetches.WithLabelValues("ok").Inc()
	window.Rows = rows
	return window
}

func (lc *LokiClient) query(ctx context.Context, q LogQuery, window LogWindow) ([]models.LogRow, error) {
	if strings.TrimSpace(q.ServerExternalID) == "" {
		return nil, fmt.Errorf("server has no external id for log queries")
	}
	endpoint, err := QueryRangeURL(q.Target.PushURL)
	if err != nil {
		return nil, err
	}

	limit := clampLimit(q.Limit)
	params := url.Values{}
	params.Set("query", BuildLogQL(q.CompanyID, q.ProjectID, q.ServerExternalID, window.Filter))
	params.Set("start", strconv.FormatInt(window.Start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(window.End.UnixNano(), 10))
	params.Set("direction", "BACKWARD")
	params.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build log query: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Scope-OrgID", OrgID(q.CompanyID, q.ProjectID))
	if q.Target.Username != "" || q.Target.Password != "" {
		req.SetBasicAuth(q.Target.Username, q.Target.Password)
	}

	resp, err := lc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("log store request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read log store response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("log store returned HTTP %d: %s", resp.StatusCode, truncateRunes(strings.TrimSpace(string(body)), maxErrorBodyChars))
	}

	rows, err := parseQueryRange(body)
	if err != nil {
		return nil, err
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// parseQueryRange flattens every stream of a streams result into rows,
// newest first.
func parseQueryRange(body []byte) ([]models.LogRow, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("invalid log store response: %w", err)
	}
	if status := string(v.GetStringBytes("status")); status != "" && status != "success" {
		return nil, fmt.Errorf("log store query status %q", status)
	}

	rows := []models.LogRow{}
	for _, stream := range v.GetArray("data", "result") {
		labels := map[string]string{}
		if obj := stream.GetObject("stream"); obj != nil {
			obj.Visit(func(key []byte, val *fastjson.Value) {
				labels[string(key)] = string(val.GetStringBytes())
			})
		}
		for _, entry := range stream.GetArray("values") {
			pair := entry.GetArray()
			if len(pair) < 2 {
				continue
			}
			tsRaw := string(pair[0].GetStringBytes())
			row := models.LogRow{
				Timestamp: tsRaw,
				Labels:    labels,
				Line:      string(pair[1].GetStringBytes()),
			}
			if ns, err := strconv.ParseInt(tsRaw, 10, 64); err == nil {
				row.Time = time.Unix(0, ns).UTC()
				row.Timestamp = row.Time.Format(models.LogTimestampLayout)
			}
			rows = append(rows, row)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Time.After(rows[j].Time)
	})
	return rows, nil
}
