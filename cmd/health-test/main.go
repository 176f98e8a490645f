package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Services  struct {
		Database struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		} `json:"database"`
	} `json:"services"`
}

// Checks /health and /metrics of a running server. Usage: health-test [base-url]
func main() {
	base := "http://localhost:8080"
	if len(os.Args) > 1 {
		base = strings.TrimSuffix(os.Args[1], "/")
	}

	client := &http.Client{Timeout: 10 * time.Second}

	fmt.Printf("Checking %s/health\n", base)
	status, body, err := get(client, base+"/health")
	if err != nil {
		fail("Error connecting to health endpoint: %v", err)
	}
	if status != http.StatusOK {
		fail("Health check failed with status %d: %s", status, body)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		fail("Error parsing health response: %v", err)
	}
	if health.Status != "ok" || health.Services.Database.Status != "ok" {
		fail("Unhealthy: status=%s database=%s %s", health.Status, health.Services.Database.Status, health.Services.Database.Error)
	}

	fmt.Printf("Checking %s/metrics\n", base)
	status, body, err = get(client, base+"/metrics")
	if err != nil {
		fail("Error connecting to metrics endpoint: %v", err)
	}
	if status != http.StatusOK || !strings.Contains(string(body), "omninoc_http_requests_total") {
		fail("Metrics endpoint did not expose the request counter (status %d)", status)
	}

	fmt.Println("Health check passed")
	fmt.Printf("   Version: %s\n", health.Version)
	fmt.Printf("   Database: %s\n", health.Services.Database.Status)
	fmt.Printf("   Timestamp: %s\n", health.Timestamp)
}

func get(client *http.Client, url string) (int, []byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func fail(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}
