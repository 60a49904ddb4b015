package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	adminCall(http.MethodGet, *baseURL, "/admin/v1/state", nil, 5*time.Second)
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	adminCall(http.MethodPost, *baseURL, "/admin/v1/snapshot", nil, 10*time.Second)
}

func speedCmd(args []string) {
	fs := flag.NewFlagSet("speed", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	mult := fs.Float64("multiplier", 1, "clock speed multiplier (> 0)")
	_ = fs.Parse(args)
	q := url.Values{}
	q.Set("multiplier", fmt.Sprintf("%g", *mult))
	adminCall(http.MethodPost, *baseURL, "/admin/v1/speed", q, 5*time.Second)
}

func resetCmd(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	adminCall(http.MethodPost, *baseURL, "/admin/v1/reset", nil, 35*time.Second)
}

func adminCall(method, baseURL, path string, q url.Values, timeout time.Duration) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, _ := http.NewRequest(method, u, nil)
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
