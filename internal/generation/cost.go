// Package generation runs paid AI-generation jobs on a river queue.
//
// A submission reserves the job's cost up front and enqueues it. The worker
// calls the compute backend; success keeps the credits spent, a terminal
// failure refunds them exactly once.
package generation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParams = errors.New("invalid generation parameters")
	// ErrRejected marks compute failures that retrying cannot fix.
	ErrRejected = errors.New("generation rejected by compute backend")
)

// Kind of generated media.
type Kind string

const (
	KindImage Kind = "image"
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// Resolution tiers and their cost multipliers.
var tiers = map[string]int64{
	"480p":  1,
	"720p":  2,
	"1080p": 3,
	"4k":    6,
}

const (
	imageCredits       = 2  // per image, before tier
	videoCreditsPerSec = 3  // per started second, before tier
	voiceSecondsPerCr  = 15 // one credit per started 15 seconds
	maxCount           = 8
	maxDurationSeconds = 600
)

// Params describes one generation request.
type Params struct {
	Kind            Kind   `json:"kind" binding:"required,oneof=image voice video"`
	Resolution      string `json:"resolution,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	Count           int    `json:"count,omitempty"`
	Prompt          string `json:"prompt" binding:"required,max=4000"`
}

// Cost returns the credits a job with p costs. It is a pure function of p.
func Cost(p Params) (int64, error) {
	switch p.Kind {
	case KindImage:
		tier, err := tierOf(p.Resolution)
		if err != nil {
			return 0, err
		}
		n := p.Count
		if n == 0 {
			n = 1
		}
		if n < 0 || n > maxCount {
			return 0, fmt.Errorf("%w: count must be 1-%d", ErrInvalidParams, maxCount)
		}
		return imageCredits * tier * int64(n), nil

	case KindVoice:
		if err := checkDuration(p.DurationSeconds); err != nil {
			return 0, err
		}
		return int64((p.DurationSeconds + voiceSecondsPerCr - 1) / voiceSecondsPerCr), nil

	case KindVideo:
		tier, err := tierOf(p.Resolution)
		if err != nil {
			return 0, err
		}
		if err := checkDuration(p.DurationSeconds); err != nil {
			return 0, err
		}
		return videoCreditsPerSec * tier * int64(p.DurationSeconds), nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidParams, p.Kind)
}

func tierOf(resolution string) (int64, error) {
	if resolution == "" {
		resolution = "720p"
	}
	t, ok := tiers[resolution]
	if !ok {
		return 0, fmt.Errorf("%w: unknown resolution %q", ErrInvalidParams, resolution)
	}
	return t, nil
}

func checkDuration(sec int) error {
	if sec <= 0 || sec > maxDurationSeconds {
		return fmt.Errorf("%w: durationSeconds must be 1-%d", ErrInvalidParams, maxDurationSeconds)
	}
	return nil
}
