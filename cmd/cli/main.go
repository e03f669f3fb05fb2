package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const usage = `usage: cli [-api URL] [-key KEY] <command> [args]

commands:
  add [url]            register a site (prompts when url is omitted)
  list                 list monitored sites with their current status
  stats                count sites by current status
  check <id>           run checks now and print the results
  incidents <id>       show recent incidents
  false-positive <id>  accept the current page as the new baseline
  pause <id>           stop monitoring
  resume <id>          resume monitoring
  delete <id>          remove a site and its history
  test                 send a test notification`

type client struct {
	base string
	key  string
	http *http.Client
}

func (c *client) do(method, path string, body any) ([]byte, int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return out, resp.StatusCode, err
}

func main() {
	api := flag.String("api", envOr("API_BASE", "http://localhost:8080"), "API base URL")
	key := flag.String("key", os.Getenv("WEBGUARD_API_KEY"), "API key")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	c := &client{base: strings.TrimRight(*api, "/"), key: *key, http: &http.Client{Timeout: 2 * time.Minute}}

	var (
		method, path string
		body         any
	)
	switch cmd := args[0]; cmd {
	case "add":
		raw := arg(args, 1)
		if raw == "" {
			fmt.Print("Enter a site URL to monitor (e.g., https://example.com): ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			raw = strings.TrimSpace(line)
		}
		if !strings.Contains(raw, "://") {
			raw = "https://" + raw
		}
		method, path, body = http.MethodPost, "/api/targets", map[string]string{"url": raw}
	case "list":
		method, path = http.MethodGet, "/api/targets"
	case "stats":
		method, path = http.MethodGet, "/api/stats/overview"
	case "check":
		method, path = http.MethodPost, "/api/targets/"+need(args, 1)+"/check"
	case "incidents":
		method, path = http.MethodGet, "/api/targets/"+need(args, 1)+"/incidents"
	case "false-positive":
		method, path = http.MethodPost, "/api/targets/"+need(args, 1)+"/false-positive"
	case "pause", "resume":
		method, path, body = http.MethodPatch, "/api/targets/"+need(args, 1), map[string]bool{"monitoring_enabled": cmd == "resume"}
	case "delete":
		method, path = http.MethodDelete, "/api/targets/"+need(args, 1)
	case "test":
		method, path = http.MethodPost, "/api/notifications/test"
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", cmd)
		flag.Usage()
		os.Exit(2)
	}

	out, code, err := c.do(method, path, body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error contacting API:", err)
		os.Exit(1)
	}
	printJSON(out)
	if code < 200 || code >= 300 {
		fmt.Fprintln(os.Stderr, "API returned status:", code)
		os.Exit(1)
	}
}

func arg(args []string, i int) string {
	if i < len(args) {
		return strings.TrimSpace(args[i])
	}
	return ""
}

func need(args []string, i int) string {
	v := arg(args, i)
	if v == "" {
		fmt.Fprintln(os.Stderr, "missing target id")
		os.Exit(2)
	}
	return v
}

func printJSON(b []byte) {
	if len(bytes.TrimSpace(b)) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "  "); err != nil {
		os.Stdout.Write(b)
		return
	}
	fmt.Println(buf.String())
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
