package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conductor/internal/domain"
	"conductor/internal/orchestrator"
	"conductor/internal/verification"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *client) waitHealth(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func (c *client) listTasks(statuses []domain.TaskStatus, limit int) ([]domain.Task, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	var out []domain.Task
	if err := c.getJSON("/tasks?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listAgents() ([]domain.Agent, error) {
	var out []domain.Agent
	if err := c.getJSON("/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) snapshot() (orchestrator.Snapshot, error) {
	var out orchestrator.Snapshot
	err := c.getJSON("/monitor", &out)
	return out, err
}

func (c *client) metrics() (orchestrator.Metrics, error) {
	var out orchestrator.Metrics
	err := c.getJSON("/metrics", &out)
	return out, err
}

func (c *client) quality(windowHours int) (verification.QualityReport, error) {
	var out verification.QualityReport
	err := c.getJSON(fmt.Sprintf("/quality?window_hours=%d", windowHours), &out)
	return out, err
}

func (c *client) taskDecisions(taskID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/tasks/%s/decisions?limit=%d", url.PathEscape(taskID), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) taskVerifications(taskID string) ([]domain.VerificationRecord, error) {
	var out []domain.VerificationRecord
	if err := c.getJSON(fmt.Sprintf("/tasks/%s/verifications", url.PathEscape(taskID)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("http %s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
