// SPDX-License-Identifier: MIT

// Command agentctl is the operator CLI for the agent core HTTP surface.
//
// Usage:
//
//	agentctl [-addr http://localhost:8090] enqueue -task canvas.autorun -room r1 [-params '{"k":"v"}']
//	agentctl task <id>
//	agentctl cancel <id>
//	agentctl requeue <id>
//	agentctl overview [-window 1h]
package main

import (
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

func main() {
	addr := flag.String("addr", envOr("AGENTCTL_ADDR", "http://localhost:8090"), "agent core base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := &client{base: strings.TrimRight(*addr, "/"), http: &http.Client{Timeout: 15 * time.Second}}

	var err error
	switch args[0] {
	case "enqueue":
		err = cmdEnqueue(client, args[1:])
	case "task":
		err = cmdTask(client, args[1:])
	case "cancel":
		err = cmdCancel(client, args[1:])
	case "requeue":
		err = cmdRequeue(client, args[1:])
	case "overview":
		err = cmdOverview(client, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agentctl [-addr URL] <enqueue|task|cancel|requeue|overview> [options]")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Actor", envOr("USER", "agentctl"))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func printJSON(raw json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(out.String())
	return nil
}

func cmdEnqueue(c *client, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	task := fs.String("task", "", "task name (family.operation)")
	room := fs.String("room", "", "room id")
	params := fs.String("params", "", "params JSON object")
	priority := fs.Int("priority", 0, "priority (lower runs first)")
	requestID := fs.String("request-id", "", "idempotent request id")
	traceID := fs.String("trace-id", "", "trace id")
	runAt := fs.String("run-at", "", "RFC3339 earliest run time")
	_ = fs.Parse(args)

	if *task == "" || *room == "" {
		return fmt.Errorf("enqueue requires -task and -room")
	}

	body := map[string]any{
		"task":     *task,
		"room":     *room,
		"priority": *priority,
	}
	if *params != "" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(*params), &obj); err != nil {
			return fmt.Errorf("invalid -params: %w", err)
		}
		body["params"] = obj
	}
	if *requestID != "" {
		body["requestId"] = *requestID
	}
	if *traceID != "" {
		body["traceId"] = *traceID
	}
	if *runAt != "" {
		t, err := time.Parse(time.RFC3339, *runAt)
		if err != nil {
			return fmt.Errorf("invalid -run-at: %w", err)
		}
		body["runAt"] = t
	}

	raw, err := c.do(http.MethodPost, "/steward/run", body)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func cmdTask(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agentctl task <id>")
	}
	raw, err := c.do(http.MethodGet, "/tasks/"+args[0], nil)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func cmdCancel(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agentctl cancel <id>")
	}
	raw, err := c.do(http.MethodPost, "/tasks/"+args[0]+"/cancel", nil)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func cmdRequeue(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agentctl requeue <id>")
	}
	raw, err := c.do(http.MethodPost, "/tasks/"+args[0]+"/requeue", nil)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func cmdOverview(c *client, args []string) error {
	fs := flag.NewFlagSet("overview", flag.ExitOnError)
	window := fs.String("window", "1h", "trailing window (Go duration)")
	_ = fs.Parse(args)

	raw, err := c.do(http.MethodGet, "/ops/overview?window="+*window, nil)
	if err != nil {
		return err
	}
	return printJSON(raw)
}
