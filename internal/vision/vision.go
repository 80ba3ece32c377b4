// Package vision normalizes rendered panel images and asks a vision-capable
// model to summarize anomalies in them.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg" // grafana can be configured to render jpeg
	"image/png"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/panelscope/internal/dashboard"
	"github.com/linnemanlabs/panelscope/internal/llm"
)

// Sentinel is the analysis text used whenever analysis fails.
const Sentinel = "Unable to analyze the image due to an error."

// Instruction is sent alongside every panel image.
const Instruction = "Analyze this Grafana dashboard image. Identify any abnormalities or significant patterns in the data. Provide a brief summary of your observations."

const (
	// Width and Height are the fixed analysis canvas; aspect ratio is not preserved.
	Width  = 800
	Height = 800

	maxTokens = 1024
)

// Result is the outcome of one analysis. Degraded results carry Sentinel as Text.
type Result struct {
	Text     string
	Degraded bool
	Err      error
	Usage    llm.Usage
}

// Hooks receive analysis events, typically for metrics.
type Hooks struct {
	OnAnalyze func(degraded bool, duration float64, usage llm.Usage)
}

// Analyzer sends panel images to a vision model.
type Analyzer struct {
	provider llm.Provider
	model    string
	logger   log.Logger
	hooks    Hooks
}

// New creates an Analyzer.
func New(provider llm.Provider, model string, logger log.Logger, hooks Hooks) *Analyzer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Analyzer{provider: provider, model: model, logger: logger, hooks: hooks}
}

// Analyze resizes img in place to Width x Height, then requests a summary.
// It never fails: any error yields a degraded Result with Sentinel text.
func (a *Analyzer) Analyze(ctx context.Context, img *dashboard.Image) Result {
	start := time.Now()
	res := a.analyze(ctx, img)
	if res.Err != nil {
		res.Text = Sentinel
		res.Degraded = true
		a.logger.Warn(ctx, "panel analysis degraded",
			"panel_id", img.PanelID,
			"error", res.Err.Error(),
		)
	}
	if a.hooks.OnAnalyze != nil {
		a.hooks.OnAnalyze(res.Degraded, time.Since(start).Seconds(), res.Usage)
	}
	return res
}

func (a *Analyzer) analyze(ctx context.Context, img *dashboard.Image) Result {
	data, err := Normalize(img.Path)
	if err != nil {
		return Result{Err: err}
	}

	resp, err := a.provider.Complete(ctx, &llm.Request{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages: []llm.Message{
			llm.UserImage(Instruction, "image/png", base64.StdEncoding.EncodeToString(data)),
		},
	})
	if err != nil {
		return Result{Err: fmt.Errorf("vision request: %w", err)}
	}
	if resp == nil || resp.Text == "" {
		return Result{Err: llm.ErrEmptyResponse}
	}
	return Result{Text: resp.Text, Usage: resp.Usage}
}

// Normalize decodes the image at path, scales it to exactly Width x Height,
// overwrites the file with the PNG encoding and returns those bytes.
func Normalize(path string) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is our own render output
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	src, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("overwrite image: %w", err)
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".resize-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}
