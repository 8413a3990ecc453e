package e2b

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/p-arndt/sandpress/internal/lifecycle"
)

const (
	envdPort = 49983
	homeDir  = "/home/user"
	envdUser = "user"
)

// envd talks to the agent running inside each sandbox.
type envd struct {
	http   *http.Client
	domain string
	fixed  string
}

func newEnvd(hc *http.Client, domain, fixed string) *envd {
	return &envd{http: hc, domain: domain, fixed: fixed}
}

// baseURL returns https://49983-<sandboxID>.<domain> unless a fixed
// endpoint is configured.
func (e *envd) baseURL(id string) string {
	if e.fixed != "" {
		return e.fixed
	}
	sandboxID, _ := SplitID(id)
	return fmt.Sprintf("https://%d-%s.%s", envdPort, sandboxID, e.domain)
}

func (e *envd) upload(ctx context.Context, id string, f File) error {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	dest := homeDir + "/" + f.Name
	part, err := w.CreateFormFile("file", dest)
	if err != nil {
		return fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return fmt.Errorf("building upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("building upload: %w", err)
	}

	q := url.Values{"path": {dest}, "username": {envdUser}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL(id)+"/files?"+q.Encode(), body)
	if err != nil {
		return fmt.Errorf("building upload: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return e.do(req, http.StatusOK)
}

func (e *envd) health(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL(id)+"/health", nil)
	if err != nil {
		return fmt.Errorf("building health check: %w", err)
	}
	return e.do(req, http.StatusNoContent)
}

func (e *envd) do(req *http.Request, want int) error {
	resp, err := e.http.Do(req)
	if err != nil {
		return &lifecycle.TransportError{Op: lifecycle.KindConnect, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		return &lifecycle.ProtocolError{
			Op:     lifecycle.KindConnect,
			Status: resp.StatusCode,
			Detail: fmt.Sprintf("envd %s: %s", req.URL.Path, lifecycle.Truncate(raw, maxErrorBody)),
		}
	}
	return nil
}

func pickFile(files []File) (File, bool) {
	if len(files) == 0 {
		return File{}, false
	}
	return files[rand.IntN(len(files))], true
}
