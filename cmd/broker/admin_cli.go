package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cubrid/gobroker/internal/logging"
)

// runAdminCLI implements the administrator tool of spec §4.8/§6: each
// subcommand posts one opcode to the running broker's admin API and
// exits 0 on success, nonzero with a one-line stderr message otherwise.
func runAdminCLI(args []string) error {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:30001", "admin API base URL")
	token := fs.String("token", "", "admin bearer token")
	worker := fs.Int("worker", -1, "target worker index (-1 for the global mailbox)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("admin: missing command; see spec §4.8 for the command vocabulary")
	}

	logging.PrintBanner("admin", version, *addr)

	client := &adminClient{baseURL: *addr, token: *token, http: &http.Client{Timeout: 10 * time.Second}}

	switch cmd := rest[0]; cmd {
	case "status", "getid":
		return client.status()
	case "history":
		limit := 20
		if len(rest) > 1 {
			if n, err := strconv.Atoi(rest[1]); err == nil {
				limit = n
			}
		}
		return client.history(limit)
	case "reset_log":
		if *worker < 0 {
			return fmt.Errorf("admin reset_log: requires -worker <n>; the log file belongs to one worker process, not the broker as a whole")
		}
		return client.command(cmd, "", *worker)
	case "broker_on", "broker_off", "suspend", "resume":
		return client.command(cmd, "", *worker)
	case "add", "drop", "restart":
		if len(rest) < 2 {
			return fmt.Errorf("admin %s: missing argument", cmd)
		}
		return client.command(cmd, rest[1], *worker)
	case "conf_change":
		if len(rest) < 3 {
			return fmt.Errorf("admin conf_change: usage: conf_change <key> <value>")
		}
		return client.command(cmd, rest[1]+" "+rest[2], *worker)
	default:
		return fmt.Errorf("admin: unknown command %q", cmd)
	}
}

type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *adminClient) newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *adminClient) command(opcode, arg string, worker int) error {
	body, err := json.Marshal(map[string]any{"opcode": opcode, "arg": arg, "worker": worker})
	if err != nil {
		return err
	}
	req, err := c.newRequest(http.MethodPost, "/admin/command", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin %s: %w", opcode, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin %s: %s", opcode, bytes.TrimSpace(msg))
	}

	var out struct {
		CommandID string `json:"command_id"`
		RespCode  int32  `json:"resp_code"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("admin %s: decode response: %w", opcode, err)
	}
	if out.RespCode != 0 {
		return fmt.Errorf("admin %s: %s (code %d)", opcode, out.Message, out.RespCode)
	}
	fmt.Printf("%s: OK (command %s)\n", opcode, out.CommandID)
	return nil
}

func (c *adminClient) status() error {
	req, err := c.newRequest(http.MethodGet, "/admin/status", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin status: %s", bytes.TrimSpace(msg))
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func (c *adminClient) history(limit int) error {
	req, err := c.newRequest(http.MethodGet, fmt.Sprintf("/admin/history?limit=%d", limit), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin history: %s", bytes.TrimSpace(msg))
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
