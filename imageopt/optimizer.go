// Resizes uploaded comment photos in place.
package imageopt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/guestbook-social/guestbook/moderation"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultMaxWidth  = 200
	DefaultMaxHeight = 150
)

var photosOptimized = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "guestbook_photos_optimized",
	Help: "Number of photos processed by the optimizer, by result",
}, []string{"result"})

var optimizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "guestbook_photo_optimize_duration_sec",
	Help:    "Time spent resizing a photo",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 10, 14),
})

// Optimizer shrinks images to fit within a bounding box, preserving aspect
// ratio. Images already within bounds are left untouched.
type Optimizer struct {
	MaxWidth  int
	MaxHeight int
	Logger    *slog.Logger
}

var _ moderation.MediaOptimizer = (*Optimizer)(nil)

func NewOptimizer(logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		MaxWidth:  DefaultMaxWidth,
		MaxHeight: DefaultMaxHeight,
		Logger:    logger.With("component", "imageopt"),
	}
}

func (o *Optimizer) Optimize(ctx context.Context, path string) error {
	start := time.Now()
	result, err := o.optimize(ctx, path)
	optimizeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		photosOptimized.WithLabelValues("error").Inc()
		return err
	}
	photosOptimized.WithLabelValues(result).Inc()
	return nil
}

func (o *Optimizer) optimize(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("opening photo: %w", err)
	}

	b := img.Bounds()
	if b.Dx() <= o.MaxWidth && b.Dy() <= o.MaxHeight {
		o.Logger.Debug("photo already within bounds", "path", path, "width", b.Dx(), "height", b.Dy())
		return "skipped", nil
	}
	resized := imaging.Fit(img, o.MaxWidth, o.MaxHeight, imaging.Lanczos)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	// write next to the original (same extension, so the encoder matches) and swap in
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err := imaging.Save(resized, tmp, imaging.JPEGQuality(85)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("saving resized photo: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	o.Logger.Info("resized photo", "path", path, "width", resized.Bounds().Dx(), "height", resized.Bounds().Dy())
	return "resized", nil
}
