// Package main provides the probe binary for the ingest server image.
// It GETs a URL (default http://localhost:8080/readyz) and exits 0 on a
// 2xx response, 1 otherwise.
//
// Usage: healthcheck [-timeout 5s] [url]
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

const defaultURL = "http://localhost:8080/readyz"

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "Request timeout")
	flag.Parse()

	url := defaultURL
	if flag.NArg() > 0 {
		url = flag.Arg(0)
	}

	if err := check(url, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

// check returns nil when url answers with a 2xx status. Non-2xx bodies
// (the readiness components) are included in the error.
func check(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}
