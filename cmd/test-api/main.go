// Package main is a smoke-test utility for a running gateway. It calls the
// health, readiness and version endpoints and prints each status and body, which
// is enough for a quick post-deployment check without curl.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "gateway base URL")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	failed := false
	for _, path := range []string{"/health", "/ready", "/version"} {
		status, body, err := get(client, strings.TrimRight(*baseURL, "/")+path)
		if err != nil {
			fmt.Printf("%s: error: %v\n", path, err)
			failed = true
			continue
		}
		fmt.Printf("%s: %d\n%s\n", path, status, body)
		if status != http.StatusOK {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func get(client *http.Client, url string) (int, string, error) {
	resp, err := client.Get(url) // #nosec G107 -- operator-supplied URL
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, "", fmt.Errorf("reading body: %w", err)
	}
	return resp.StatusCode, string(body), nil
}
