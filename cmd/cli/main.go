package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"code_exec_service/internal/common/security"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
	language  string
	inputData string
	watch     bool

	jwtSecret string
	userID    string
	email     string
	tokenTTL  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "codeexec-cli",
		Short: "CLI client for the code execution service",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8001", "Server URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("CODEEXEC_TOKEN"), "Bearer token")

	// Mint a development token
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token for local testing",
		RunE:  runToken,
	}
	tokenCmd.Flags().StringVar(&jwtSecret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	tokenCmd.Flags().StringVar(&userID, "user", "dev-user", "User id placed in the token")
	tokenCmd.Flags().StringVar(&email, "email", "", "Email placed in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	root.AddCommand(tokenCmd)

	// Submit code
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Submit code for execution (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVarP(&language, "language", "l", "python", "Language")
	execCmd.Flags().StringVarP(&inputData, "input", "i", "", "Program stdin")
	execCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream updates until the execution finishes")
	root.AddCommand(execCmd)

	root.AddCommand(&cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show the current state of an execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	})

	root.AddCommand(&cobra.Command{
		Use:   "watch [execution-id]",
		Short: "Stream live updates for an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return watchExecution(args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runToken(_ *cobra.Command, _ []string) error {
	if jwtSecret == "" {
		return errors.New("--secret or JWT_SECRET is required")
	}
	tok, err := security.NewJWTAuth(jwtSecret, tokenTTL).GenerateToken(userID, email, "")
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	fmt.Println(tok)
	return nil
}

func runExec(_ *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	body, _ := json.Marshal(map[string]string{
		"code":       code,
		"language":   language,
		"input_data": inputData,
	})

	var result struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
		Message     string `json:"message"`
	}
	if err := call(http.MethodPost, "/api/v1/executions/execute", bytes.NewReader(body), &result); err != nil {
		return err
	}
	printJSON(result)

	if watch {
		return watchExecution(result.ExecutionID)
	}
	return nil
}

func runStatus(_ *cobra.Command, args []string) error {
	var result map[string]any
	if err := call(http.MethodGet, "/api/v1/executions/status/"+url.PathEscape(args[0]), nil, &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	var result map[string]any
	if err := call(http.MethodGet, "/health/ready", nil, &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func watchExecution(id string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/executions/ws/" + url.PathEscape(id)
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to live channel: %w", err)
	}
	defer conn.Close()

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseNormalClosure {
					return nil
				}
				return fmt.Errorf("live channel closed: %d %s", ce.Code, ce.Text)
			}
			return fmt.Errorf("reading live update: %w", err)
		}
		printJSON(frame)
	}
}

func call(method, path string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, strings.TrimSuffix(serverURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
