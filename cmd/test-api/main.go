// Package main is a smoke-test utility that verifies the sync service's HTTP API is
// reachable. It requests the liveness, readiness and sync status endpoints and prints each
// status code and body, exiting non-zero when any of them fails.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	base := flag.String("url", "http://localhost:8080", "service base URL")
	flag.Parse()
	token := os.Getenv("DIRSYNC_API_TOKEN")

	client := &http.Client{Timeout: 10 * time.Second}
	failed := false
	for _, path := range []string{"/health", "/ready", "/v1/directory/sync/status"} {
		req, err := http.NewRequest(http.MethodGet, *base+path, nil)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(req)
		if err != nil {
			fmt.Printf("%s: error: %v\n", path, err)
			failed = true
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			fmt.Printf("%s: error reading body: %v\n", path, err)
			failed = true
			continue
		}

		fmt.Printf("%s: %d\n%s\n", path, resp.StatusCode, body)
		if resp.StatusCode != http.StatusOK {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}
