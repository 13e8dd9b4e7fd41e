// Package vision runs bounded-concurrency image analysis with per-image
// failure isolation.
package vision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/chatstream/internal/types"
)

// FailedDescription is the placeholder description for images that could
// not be analyzed.
const FailedDescription = "analysis failed"

// Describer produces a natural-language description of one image.
type Describer interface {
	Describe(ctx context.Context, mime string, data []byte) (string, error)
}

// Options tunes an Analyzer. Zero values select the defaults.
type Options struct {
	Concurrency int           // default 4
	Timeout     time.Duration // per image, default 30s
	MaxBytes    int           // decoded size, default 20 MB
}

// Analyzer fans out one describe task per image.
type Analyzer struct {
	describer   Describer
	concurrency int
	timeout     time.Duration
	maxBytes    int
}

// NewAnalyzer creates an Analyzer backed by d.
func NewAnalyzer(d Describer, opts Options) *Analyzer {
	a := &Analyzer{
		describer:   d,
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
		maxBytes:    opts.MaxBytes,
	}
	if a.concurrency <= 0 {
		a.concurrency = 4
	}
	if a.timeout <= 0 {
		a.timeout = 30 * time.Second
	}
	if a.maxBytes <= 0 {
		a.maxBytes = 20 << 20
	}
	return a
}

// Analyze returns exactly one result per image, in input order. It never
// fails as a whole: decode errors, describer errors and per-image timeouts
// all become failed entries.
func (a *Analyzer) Analyze(ctx context.Context, images []types.ImageData) []types.ImageAnalysisResult {
	results := make([]types.ImageAnalysisResult, len(images))

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, img := range images {
		g.Go(func() error {
			results[i] = a.analyzeOne(ctx, i, img)
			return nil
		})
	}
	g.Wait()

	return results
}

func (a *Analyzer) analyzeOne(ctx context.Context, index int, img types.ImageData) types.ImageAnalysisResult {
	fail := func(err error) types.ImageAnalysisResult {
		slog.Debug("image analysis failed", "image_index", index, "error", err)
		return types.ImageAnalysisResult{
			ImageIndex:  index,
			Description: FailedDescription,
			Success:     false,
			Error:       err.Error(),
		}
	}

	mime, data, err := ParseDataURL(img.Data, a.maxBytes)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	tctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type outcome struct {
		desc string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		desc, err := a.describer.Describe(tctx, mime, data)
		done <- outcome{desc, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return fail(o.err)
		}
		if o.desc == "" {
			return fail(fmt.Errorf("empty description"))
		}
		return types.ImageAnalysisResult{ImageIndex: index, Description: o.desc, Success: true}
	case <-tctx.Done():
		return fail(fmt.Errorf("describe image %d: %w", index, tctx.Err()))
	}
}

// AnySucceeded reports whether at least one result is a success.
func AnySucceeded(results []types.ImageAnalysisResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}
