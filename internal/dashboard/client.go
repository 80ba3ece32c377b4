package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/panelscope/internal/textutil"
)

const (
	// DefaultTimeout bounds every Grafana request.
	DefaultTimeout = 30 * time.Second

	maxCatalogBytes = 16 << 20 // 16 MB
	maxImageBytes   = 32 << 20 // 32 MB
	maxTitleBytes   = 64
)

// Panel is a single dashboard visualization.
type Panel struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Image is a rendered panel written to local disk. The holder owns the file
// until Remove is called.
type Image struct {
	Path     string
	Filename string
	PanelID  string
	Size     int64

	// dir is the per-render directory holding Path, removed with it.
	dir string
}

// Remove deletes the image file and its render directory. Missing files are
// not an error.
func (img *Image) Remove() error {
	if img == nil || img.Path == "" {
		return nil
	}
	if err := os.Remove(img.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if img.dir == "" {
		return nil
	}
	if err := os.Remove(img.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Client talks to the Grafana HTTP API with a service account token.
type Client struct {
	apiKey     string
	workDir    string
	httpClient *http.Client
}

// NewClient creates a Grafana client. Rendered images are written below workDir
// (os.TempDir when empty). A zero timeout uses DefaultTimeout.
func NewClient(apiKey, workDir string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Client{
		apiKey:  apiKey,
		workDir: workDir,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// panelJSON accepts numeric or string ids and nested row panels.
type panelJSON struct {
	ID     json.RawMessage `json:"id"`
	Title  *string         `json:"title"`
	Type   string          `json:"type"`
	Panels []panelJSON     `json:"panels"`
}

type dashboardResponse struct {
	Dashboard struct {
		Panels []panelJSON `json:"panels"`
	} `json:"dashboard"`
}

// Panels fetches the dashboard and returns every panel that carries both an id
// and a title, in dashboard order. Panels inside collapsed rows follow their row.
func (c *Client) Panels(ctx context.Context, ref Ref) ([]Panel, error) {
	apiURL := ref.APIURL()

	body, status, err := c.get(ctx, apiURL, maxCatalogBytes)
	if err != nil {
		return nil, &CatalogFetchError{URL: apiURL, Err: err}
	}
	if status < 200 || status >= 300 {
		return nil, &CatalogFetchError{URL: apiURL, StatusCode: status, Err: fmt.Errorf("%s", snippet(body))}
	}

	var resp dashboardResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &CatalogFetchError{URL: apiURL, StatusCode: status, Err: fmt.Errorf("decode dashboard: %w", err)}
	}

	return flattenPanels(resp.Dashboard.Panels, nil), nil
}

func flattenPanels(in []panelJSON, out []Panel) []Panel {
	for _, p := range in {
		id, ok := panelID(p.ID)
		if ok && p.Title != nil {
			out = append(out, Panel{ID: id, Title: *p.Title})
		}
		if len(p.Panels) > 0 {
			out = flattenPanels(p.Panels, out)
		}
	}
	return out
}

func panelID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, true
	}
	return "", false
}

// Render downloads the panel render into a fresh directory below the work
// directory. Every call gets its own directory, so runs sharing a Client never
// overwrite or remove each other's images even when panel ids and titles match.
func (c *Client) Render(ctx context.Context, ref Ref, p Panel) (*Image, error) {
	renderURL := ref.RenderURL(p.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, renderURL, http.NoBody)
	if err != nil {
		return nil, &RenderFetchError{PanelID: p.ID, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: host comes from the operator-supplied dashboard url
	if err != nil {
		return nil, &RenderFetchError{PanelID: p.ID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &RenderFetchError{PanelID: p.ID, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", snippet(b))}
	}

	filename := ImageFilename(p)
	img, err := c.store(resp.Body, filename, p.ID)
	if err != nil {
		return nil, &RenderFetchError{PanelID: p.ID, Err: err}
	}
	return img, nil
}

// store writes the body to a temp file and renames it into place so a partial
// download never sits under the final name.
func (c *Client) store(body io.Reader, filename, id string) (*Image, error) {
	if err := os.MkdirAll(c.workDir, 0o750); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(c.workDir, "render-*")
	if err != nil {
		return nil, fmt.Errorf("create render dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		_ = os.Remove(dir)
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, io.LimitReader(body, maxImageBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxImageBytes {
		err = fmt.Errorf("render exceeds %d bytes", maxImageBytes)
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write image: %w", err)
	}

	final := filepath.Join(dir, filename)
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("rename image: %w", err)
	}

	return &Image{Path: final, Filename: filename, PanelID: id, Size: n, dir: dir}, nil
}

func (c *Client) get(ctx context.Context, u string, limit int64) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: host comes from the operator-supplied dashboard url
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// ImageFilename names the local file for a panel render. The panel id keeps
// names unique when titles repeat; the title keeps them readable.
func ImageFilename(p Panel) string {
	title := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			return r
		default:
			return -1
		}
	}, p.Title)
	title = textutil.Cut(strings.Trim(title, "."), maxTitleBytes)

	id := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			return r
		}
		return '_'
	}, p.ID)

	if title == "" {
		return "grafana_panel_" + id + ".png"
	}
	return "grafana_panel_" + id + "_" + title + ".png"
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	s = textutil.Cut(s, 256)
	if s == "" {
		return "empty body"
	}
	return strconv.Quote(s)
}
