// Package provider describes the external image services the orchestrator drives.
package provider

import (
	"context"
	"fmt"
	"strings"
)

type Image struct {
	Data        []byte
	ContentType string
}

// Ext is the file extension for the image's content type; unknown types are treated as JPEG.
func (img Image) Ext() string {
	switch strings.ToLower(img.ContentType) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// InferenceRequest asks for a single-shot generation. When ModelRef is set the personalized model
// is used and ImageURI is ignored.
type InferenceRequest struct {
	ImageURI       string
	ModelRef       string
	Prompt         string
	NegativePrompt string
	Steps          int
	Guidance       float64
	NumOutputs     int
}

type TrainingRequest struct {
	Images      []Image
	TriggerWord string
	Steps       int
}

type TrainingStatus string

const (
	TrainingPending   TrainingStatus = "pending"
	TrainingRunning   TrainingStatus = "running"
	TrainingSucceeded TrainingStatus = "succeeded"
	TrainingFailed    TrainingStatus = "failed"
	TrainingCanceled  TrainingStatus = "canceled"
)

// Terminal reports whether polling can stop.
func (s TrainingStatus) Terminal() bool {
	return s == TrainingSucceeded || s == TrainingFailed || s == TrainingCanceled
}

type TrainingState struct {
	Status   TrainingStatus
	Logs     string
	ModelRef string
	Error    string
}

type Inference interface {
	Generate(ctx context.Context, req InferenceRequest) ([]string, error)
}

type Trainer interface {
	StartTraining(ctx context.Context, req TrainingRequest) (string, error)
	TrainingStatus(ctx context.Context, handle string) (TrainingState, error)
}

// Error is returned for non-success provider responses.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Message)
}
