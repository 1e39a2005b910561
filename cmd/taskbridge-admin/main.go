// ABOUTME: Admin CLI for taskbridge agent and dispatch management
// ABOUTME: Talks to the HTTP control API with JWT bearer authentication

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
 _            _    _          _     _                          _           _
| |_ __ _ ___| | _| |__  _ __(_) __| | __ _  ___    __ _  __| |_ __ ___ (_)_ __
| __/ _' / __| |/ / '_ \| '__| |/ _' |/ _' |/ _ \  / _' |/ _' | '_ ' _ \| | '_ \
| || (_| \__ \   <| |_) | |  | | (_| | (_| |  __/ | (_| | (_| | | | | | | | | | |
 \__\__,_|___/_|\_\_.__/|_|  |_|\__,_|\__, |\___|  \__,_|\__,_|_| |_| |_|_|_| |_|
                                      |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("TASKBRIDGE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(baseURL, token)
	case "agents":
		err = cmdAgents(baseURL, token, args)
	case "dispatch":
		err = cmdDispatch(baseURL, token, args)
	case "task":
		err = cmdTask(baseURL, token, args)
	case "costs":
		err = cmdCosts(baseURL, token, args)
	case "audit":
		err = cmdAudit(baseURL, token)
	case "ratelimit":
		err = cmdRateLimit(baseURL, token, args)
	case "watch":
		err = cmdWatch(baseURL, token, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: taskbridge-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                       Show bridge status and connected agents")
	fmt.Println("  agents                       List registered agents")
	fmt.Println("  agents create --name NAME    Register a new agent record")
	fmt.Println("  dispatch <agent-id> <text>   Dispatch work to an agent")
	fmt.Println("  task <agent-id>              Show the agent's active task")
	fmt.Println("  costs <session-id>           Show session cost and usage totals")
	fmt.Println("  audit                        Show recent authentication decisions")
	fmt.Println("  ratelimit reset              Clear all rate-limit buckets")
	fmt.Println("  watch [agent-id]             Stream bridge events")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  TASKBRIDGE_URL      Server base URL (default: http://localhost:8080)")
	fmt.Println("  TASKBRIDGE_TOKEN    JWT authentication token (required)")
	fmt.Println()
}

// getToken reads the JWT from the environment or the saved token file.
func getToken() string {
	if token := os.Getenv("TASKBRIDGE_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	data, err := os.ReadFile(filepath.Join(configDir, "taskbridge", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// apiRequest performs an authenticated request and decodes the JSON response
// into out. Non-2xx statuses are returned as errors carrying the server's
// error message.
func apiRequest(baseURL, token, method, path string, body, out any) error {
	if token == "" {
		return fmt.Errorf("TASKBRIDGE_TOKEN environment variable is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s (status %d)", errResp.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type agentView struct {
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func cmdStatus(baseURL, token string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	fmt.Println()

	var status struct {
		ConnectedAgents int `json:"connected_agents"`
		PendingTasks    int `json:"pending_tasks"`
		Agents          []struct {
			AgentID       string    `json:"agent_id"`
			Capabilities  []string  `json:"capabilities"`
			LastHeartbeat time.Time `json:"last_heartbeat"`
		} `json:"agents"`
	}
	if err := apiRequest(baseURL, token, http.MethodGet, "/api/bridge/status", nil, &status); err != nil {
		return err
	}

	green.Printf("  Bridge:   ")
	fmt.Printf("%s\n", baseURL)
	green.Printf("  Agents:   ")
	fmt.Printf("%d connected\n", status.ConnectedAgents)
	green.Printf("  Pending:  ")
	fmt.Printf("%d tasks\n", status.PendingTasks)
	fmt.Println()

	if len(status.Agents) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  AGENT\tCAPABILITIES\tLAST HEARTBEAT")
	fmt.Fprintln(w, "  -----\t------------\t--------------")
	for _, a := range status.Agents {
		fmt.Fprintf(w, "  %s\t%s\t%s\n",
			truncate(a.AgentID, 24),
			truncate(strings.Join(a.Capabilities, ","), 32),
			a.LastHeartbeat.Format("15:04:05"),
		)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdAgents(baseURL, token string, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdAgentsList(baseURL, token)
	case "create", "add":
		return cmdAgentsCreate(baseURL, token, args)
	default:
		return fmt.Errorf("unknown agents subcommand: %s (use list, create)", subcmd)
	}
}

func cmdAgentsList(baseURL, token string) error {
	var resp struct {
		Agents []agentView `json:"agents"`
	}
	if err := apiRequest(baseURL, token, http.MethodGet, "/api/agents", nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Registered Agents")
	cyan.Println("  -----------------")

	if len(resp.Agents) == 0 {
		fmt.Println("  (no agents)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tSTATUS\tENDPOINT\tCREATED")
	fmt.Fprintln(w, "  --\t----\t------\t--------\t-------")
	for _, a := range resp.Agents {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			truncate(a.AgentID, 12),
			truncate(a.Name, 20),
			a.Status,
			truncate(a.Endpoint, 24),
			a.CreatedAt.Format("Jan 02 15:04"),
		)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdAgentsCreate(baseURL, token string, args []string) error {
	var name, endpoint string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--name" && i+1 < len(args):
			name = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--name="):
			name = strings.TrimPrefix(args[i], "--name=")
		case args[i] == "--endpoint" && i+1 < len(args):
			endpoint = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--endpoint="):
			endpoint = strings.TrimPrefix(args[i], "--endpoint=")
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}

	var created agentView
	body := map[string]string{"name": name, "endpoint": endpoint}
	if err := apiRequest(baseURL, token, http.MethodPost, "/api/agents", body, &created); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Registered agent: %s\n", created.Name)
	fmt.Printf("  ID: %s\n", created.AgentID)
	return nil
}

func cmdDispatch(baseURL, token string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: taskbridge-admin dispatch <agent-id> <content>")
	}
	agentID := args[0]
	content := strings.Join(args[1:], " ")

	var resp struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	}
	body := map[string]string{"agent_id": agentID, "content": content}
	if err := apiRequest(baseURL, token, http.MethodPost, "/api/dispatch", body, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Dispatched\n")
	fmt.Printf("  Message ID: %s\n", resp.MessageID)
	return nil
}

func cmdTask(baseURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: taskbridge-admin task <agent-id>")
	}

	var resp struct {
		AgentID string `json:"agent_id"`
		Active  bool   `json:"active"`
		Task    *struct {
			MessageID    string    `json:"message_id"`
			Status       string    `json:"status"`
			ProgressText string    `json:"progress_text"`
			SubmittedAt  time.Time `json:"submitted_at"`
		} `json:"task"`
	}
	if err := apiRequest(baseURL, token, http.MethodGet, "/api/agents/"+args[0]+"/task", nil, &resp); err != nil {
		return err
	}

	if !resp.Active || resp.Task == nil {
		fmt.Printf("  Agent %s has no active task\n", resp.AgentID)
		return nil
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Active Task")
	cyan.Println("  -----------")
	fmt.Printf("  Message ID: %s\n", resp.Task.MessageID)
	fmt.Printf("  Status:     %s\n", resp.Task.Status)
	if resp.Task.ProgressText != "" {
		fmt.Printf("  Progress:   %s\n", resp.Task.ProgressText)
	}
	fmt.Printf("  Submitted:  %s\n", resp.Task.SubmittedAt.Format(time.RFC3339))
	fmt.Println()
	return nil
}

func cmdCosts(baseURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: taskbridge-admin costs <session-id>")
	}

	var resp struct {
		Budget struct {
			SessionID string `json:"session_id"`
			Session   struct {
				SpentUSD     float64 `json:"spent_usd"`
				LimitUSD     float64 `json:"limit_usd"`
				RemainingUSD float64 `json:"remaining_usd"`
			} `json:"session"`
			Day struct {
				SpentUSD float64 `json:"spent_usd"`
				LimitUSD float64 `json:"limit_usd"`
			} `json:"day"`
		} `json:"budget"`
		Usage struct {
			PromptTokens     int64   `json:"prompt_tokens"`
			CompletionTokens int64   `json:"completion_tokens"`
			TotalCostUSD     float64 `json:"total_cost_usd"`
			RequestCount     int64   `json:"request_count"`
		} `json:"usage"`
	}
	if err := apiRequest(baseURL, token, http.MethodGet, "/api/costs/"+args[0], nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Session Costs")
	cyan.Println("  -------------")
	fmt.Printf("  Session:     %s\n", resp.Budget.SessionID)
	fmt.Printf("  Spent:       $%.4f", resp.Budget.Session.SpentUSD)
	if resp.Budget.Session.LimitUSD > 0 {
		fmt.Printf(" of $%.4f ($%.4f remaining)", resp.Budget.Session.LimitUSD, resp.Budget.Session.RemainingUSD)
	}
	fmt.Println()
	fmt.Printf("  Day total:   $%.4f", resp.Budget.Day.SpentUSD)
	if resp.Budget.Day.LimitUSD > 0 {
		fmt.Printf(" of $%.4f", resp.Budget.Day.LimitUSD)
	}
	fmt.Println()
	fmt.Printf("  Requests:    %d\n", resp.Usage.RequestCount)
	fmt.Printf("  Tokens:      %d prompt, %d completion\n", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	fmt.Println()
	return nil
}

func cmdAudit(baseURL, token string) error {
	var resp struct {
		Entries []struct {
			ActorIP   string    `json:"actor_ip"`
			Path      string    `json:"path"`
			Decision  string    `json:"decision"`
			Reason    string    `json:"reason"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"entries"`
	}
	if err := apiRequest(baseURL, token, http.MethodGet, "/api/audit?limit=50", nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Authentication Decisions")
	cyan.Println("  ------------------------")

	if len(resp.Entries) == 0 {
		fmt.Println("  (no entries)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tIP\tPATH\tDECISION\tREASON")
	fmt.Fprintln(w, "  ----\t--\t----\t--------\t------")
	for _, e := range resp.Entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("Jan 02 15:04:05"),
			e.ActorIP,
			truncate(e.Path, 24),
			e.Decision,
			truncate(e.Reason, 32),
		)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdRateLimit(baseURL, token string, args []string) error {
	if len(args) < 1 || args[0] != "reset" {
		return fmt.Errorf("usage: taskbridge-admin ratelimit reset")
	}

	if err := apiRequest(baseURL, token, http.MethodPost, "/api/ratelimit/reset", nil, nil); err != nil {
		return err
	}
	color.Green("Rate-limit buckets cleared\n")
	return nil
}

// cmdWatch streams server-sent events from the bridge until interrupted.
func cmdWatch(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("TASKBRIDGE_TOKEN environment variable is required")
	}

	path := "/api/events"
	if len(args) > 0 {
		path += "?agent_id=" + args[0]
	}

	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	gray := color.New(color.FgHiBlack)
	gray.Println("watching bridge events (ctrl-c to stop)...")

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var evt struct {
			Type      string    `json:"type"`
			AgentID   string    `json:"agent_id"`
			MessageID string    `json:"message_id"`
			Status    string    `json:"status"`
			Error     string    `json:"error"`
			Time      time.Time `json:"time"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			continue
		}

		ts := gray.Sprint(evt.Time.Format("15:04:05"))
		switch {
		case evt.Error != "":
			color.Red("%s %s agent=%s message=%s error=%s", ts, evt.Type, evt.AgentID, evt.MessageID, evt.Error)
		case strings.HasPrefix(evt.Type, "agent_"):
			color.Cyan("%s %s agent=%s", ts, evt.Type, evt.AgentID)
		default:
			fmt.Printf("%s %s agent=%s message=%s status=%s\n", ts, evt.Type, evt.AgentID, evt.MessageID, evt.Status)
		}
	}
	return scanner.Err()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
