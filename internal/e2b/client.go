// Package e2b drives the sandbox lifecycle over the E2B REST API and
// exercises resumed sandboxes through their envd agent.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/p-arndt/sandpress/internal/lifecycle"
)

const maxErrorBody = 200

var (
	createOK = []int{http.StatusOK, http.StatusCreated}
	actionOK = []int{http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent}
)

// File is a workload file uploaded into sandboxes.
type File struct {
	Name string
	Data []byte
}

// LoadFiles reads workload files from disk, keeping only their base names.
func LoadFiles(paths []string) ([]File, error) {
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading workload file: %w", err)
		}
		files = append(files, File{Name: filepath.Base(p), Data: data})
	}
	return files, nil
}

type Options struct {
	BaseURL        string
	APIKey         string
	TemplateID     string
	Domain         string
	EnvdURL        string // fixed envd endpoint; empty derives it from Domain
	TimeoutSeconds int
	RequestTimeout time.Duration
	RunID          string
	Files          []File
	HTTPClient     *http.Client
}

// Client implements lifecycle.Client, Seeder and Killer.
type Client struct {
	baseURL    string
	apiKey     string
	templateID string
	timeout    int
	runID      string
	envd       *envd
	files      []File
	http       *http.Client
	seq        atomic.Int64
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.RequestTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     strings.TrimSpace(opts.APIKey),
		templateID: opts.TemplateID,
		timeout:    opts.TimeoutSeconds,
		runID:      opts.RunID,
		envd:       newEnvd(hc, opts.Domain, opts.EnvdURL),
		files:      opts.Files,
		http:       hc,
	}
}

type createRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	AutoPause  bool              `json:"autoPause"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type sandboxInfo struct {
	SandboxID string `json:"sandboxID"`
	ClientID  string `json:"clientID"`
}

type timeoutRequest struct {
	Timeout int `json:"timeout"`
}

// CombineID joins the two halves of a sandbox address.
func CombineID(sandboxID, clientID string) string {
	return sandboxID + "-" + clientID
}

// SplitID returns the sandbox ID of a combined ID.
func SplitID(combined string) (sandboxID, clientID string) {
	sandboxID, clientID, _ = strings.Cut(combined, "-")
	return sandboxID, clientID
}

func (c *Client) Create(ctx context.Context) (lifecycle.Handle, time.Duration, error) {
	start := time.Now()
	n := c.seq.Add(1)
	req := createRequest{
		TemplateID: c.templateID,
		Timeout:    c.timeout,
		AutoPause:  true,
		Metadata:   map[string]string{"purpose": fmt.Sprintf("sandpress-%s-%d", c.runID, n)},
	}
	var out sandboxInfo
	err := c.doJSON(ctx, lifecycle.KindCreate, http.MethodPost, "/sandboxes", req, &out, createOK)
	if err != nil {
		return lifecycle.Handle{}, time.Since(start), err
	}
	if out.SandboxID == "" || out.ClientID == "" {
		return lifecycle.Handle{}, time.Since(start), &lifecycle.ProtocolError{
			Op:     lifecycle.KindCreate,
			Detail: "response is missing sandboxID or clientID",
		}
	}
	return lifecycle.Handle{ID: CombineID(out.SandboxID, out.ClientID), Running: true}, time.Since(start), nil
}

func (c *Client) Pause(ctx context.Context, id string) (time.Duration, error) {
	start := time.Now()
	err := c.doJSON(ctx, lifecycle.KindPause, http.MethodPost, "/sandboxes/"+id+"/pause", nil, nil, actionOK)
	return time.Since(start), err
}

func (c *Client) Resume(ctx context.Context, id string) (time.Duration, error) {
	start := time.Now()
	err := c.doJSON(ctx, lifecycle.KindResume, http.MethodPost, "/sandboxes/"+id+"/resume",
		timeoutRequest{Timeout: c.timeout}, nil, actionOK)
	return time.Since(start), err
}

// Connect reattaches to the sandbox, waits for envd to report healthy,
// then uploads one randomly chosen workload file and runs it. A workload
// that exits non-zero fails the call.
func (c *Client) Connect(ctx context.Context, id string) (time.Duration, error) {
	start := time.Now()
	err := c.doJSON(ctx, lifecycle.KindConnect, http.MethodPost, "/sandboxes/"+id+"/connect",
		timeoutRequest{Timeout: c.timeout}, nil, actionOK)
	if err != nil {
		return time.Since(start), err
	}
	if err := c.envd.health(ctx, id); err != nil {
		return time.Since(start), err
	}
	if f, ok := pickFile(c.files); ok {
		if err := c.envd.upload(ctx, id, f); err != nil {
			return time.Since(start), err
		}
		if err := c.envd.run(ctx, lifecycle.KindConnect, id, workloadCommand(f)); err != nil {
			return time.Since(start), err
		}
	}
	return time.Since(start), nil
}

// Seed uploads every workload file into a freshly created sandbox and runs
// the first one.
func (c *Client) Seed(ctx context.Context, id string) error {
	for _, f := range c.files {
		if err := c.envd.upload(ctx, id, f); err != nil {
			return err
		}
	}
	if len(c.files) == 0 {
		return nil
	}
	return c.envd.run(ctx, lifecycle.KindCreate, id, workloadCommand(c.files[0]))
}

func (c *Client) Kill(ctx context.Context, id string) (time.Duration, error) {
	start := time.Now()
	sandboxID, _ := SplitID(id)
	err := c.doJSON(ctx, lifecycle.KindKill, http.MethodDelete, "/sandboxes/"+sandboxID, nil, nil, actionOK)
	return time.Since(start), err
}

func (c *Client) doJSON(ctx context.Context, op lifecycle.Kind, method, path string, body, out any, ok []int) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &lifecycle.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &lifecycle.TransportError{Op: op, Err: err}
	}
	if !slices.Contains(ok, resp.StatusCode) {
		return &lifecycle.ProtocolError{Op: op, Status: resp.StatusCode, Detail: lifecycle.Truncate(raw, maxErrorBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &lifecycle.ProtocolError{Op: op, Status: resp.StatusCode, Detail: "malformed body: " + err.Error()}
	}
	return nil
}
