// Package media composes output clips from two source videos. The heavy
// lifting is delegated to ffmpeg; callers depend on the Transformer and
// Prober interfaces only.
package media

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	FrameWidth  = 1080
	FrameHeight = 1920
	// Percent of the frame height taken by the primary source; the rest is
	// the secondary source stacked underneath.
	PrimaryPercent = 70

	DefaultColorFactor = 1.1
)

// Params describes the per-item variation of one output clip.
type Params struct {
	Index          int
	PrimaryStart   time.Duration
	SecondaryStart time.Duration
	Duration       time.Duration
	ColorFactor    float64
	Metadata       map[string]string
}

type Request struct {
	PrimaryPath   string
	SecondaryPath string
	OutputPath    string
	Params        Params
}

// Transformer produces Request.OutputPath or returns an error describing
// why it could not.
type Transformer interface {
	Transform(ctx context.Context, req Request) error
}

type Prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// RandomMetadata returns the artist and comment tags stamped on every clip.
func RandomMetadata() map[string]string {
	return map[string]string{
		"artist":  fmt.Sprintf("Artist%04d", 1000+rand.IntN(9000)),
		"comment": fmt.Sprintf("Comment%04d", 1000+rand.IntN(9000)),
	}
}

func PrimaryHeight() int {
	return FrameHeight * PrimaryPercent / 100
}

func SecondaryHeight() int {
	return FrameHeight - PrimaryHeight()
}
