package compiler

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"code_exec_service/internal/domain/model"
)

// Result is a provider outcome in either delivery mode.
type Result struct {
	Output  string
	Error   string
	CPUTime string
	Memory  string
	Status  string // provider vocabulary, may be empty
}

// SyncResponse is the body returned by the provider for a blocking run.
type SyncResponse struct {
	Output  Text `json:"output"`
	Error   Text `json:"error"`
	CPUTime Text `json:"cpuTime"`
	Memory  Text `json:"memory"`
	Status  Text `json:"status,omitempty"`
}

func (r SyncResponse) Result() Result {
	return Result{
		Output:  string(r.Output),
		Error:   string(r.Error),
		CPUTime: string(r.CPUTime),
		Memory:  string(r.Memory),
		Status:  string(r.Status),
	}
}

// Text is a provider field that may arrive as a JSON string, number or null.
// Numbers keep their literal form, so 9400 reads as "9400".
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*t = Text(n.String())
	return nil
}

var defaultStatusMap = map[string]model.ExecutionStatus{
	"success":           model.StatusCompleted,
	"completed":         model.StatusCompleted,
	"ok":                model.StatusCompleted,
	"accepted":          model.StatusCompleted,
	"error":             model.StatusError,
	"failed":            model.StatusError,
	"failure":           model.StatusError,
	"timeout":           model.StatusError,
	"time_limit":        model.StatusError,
	"memory_limit":      model.StatusError,
	"compilation_error": model.StatusError,
	"compile_error":     model.StatusError,
	"runtime_error":     model.StatusError,
}

// StatusNormalizer maps provider statuses onto completed or error.
type StatusNormalizer struct {
	table map[string]model.ExecutionStatus
}

func NewStatusNormalizer(overrides map[string]string) *StatusNormalizer {
	table := make(map[string]model.ExecutionStatus, len(defaultStatusMap)+len(overrides))
	for k, v := range defaultStatusMap {
		table[k] = v
	}
	for k, v := range overrides {
		table[normalizeStatusKey(k)] = model.ExecutionStatus(v)
	}
	return &StatusNormalizer{table: table}
}

// Normalize returns the terminal status for r. A missing or unknown provider
// status is completed only when there is output and no error text.
func (n *StatusNormalizer) Normalize(r Result) model.ExecutionStatus {
	if s, ok := n.table[normalizeStatusKey(r.Status)]; ok && s.Terminal() {
		return s
	}
	if r.Output != "" && strings.TrimSpace(r.Error) == "" {
		return model.StatusCompleted
	}
	return model.StatusError
}

func normalizeStatusKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
