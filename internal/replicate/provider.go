package replicate

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/digkill/TGAvatarBot/internal/provider"
)

// Settings selects the Replicate models behind the provider interfaces.
type Settings struct {
	InstantVersion   string
	InstantStyleName string
	TrainingModel    string
	TrainingVersion  string
	Destination      string
}

// Provider adapts Client to provider.Inference and provider.Trainer.
type Provider struct {
	client   *Client
	settings Settings
}

func NewProvider(client *Client, settings Settings) *Provider {
	return &Provider{client: client, settings: settings}
}

func (p *Provider) Generate(ctx context.Context, req provider.InferenceRequest) ([]string, error) {
	if req.ModelRef != "" {
		version := req.ModelRef
		if _, after, ok := strings.Cut(req.ModelRef, ":"); ok {
			version = after
		}
		input := map[string]any{
			"prompt":              req.Prompt,
			"num_inference_steps": req.Steps,
			"guidance_scale":      req.Guidance,
			"num_outputs":         req.NumOutputs,
			"output_format":       "png",
		}
		return p.client.Predict(ctx, version, input)
	}

	if req.ImageURI == "" {
		return nil, &provider.Error{StatusCode: 422, Message: "input image is required"}
	}
	input := map[string]any{
		"prompt":          req.Prompt,
		"negative_prompt": req.NegativePrompt,
		"num_steps":       req.Steps,
		"guidance_scale":  req.Guidance,
		"num_outputs":     req.NumOutputs,
		"input_image":     req.ImageURI,
	}
	if p.settings.InstantStyleName != "" {
		input["style_name"] = p.settings.InstantStyleName
	}
	return p.client.Predict(ctx, p.settings.InstantVersion, input)
}

func (p *Provider) StartTraining(ctx context.Context, req provider.TrainingRequest) (string, error) {
	if p.settings.Destination == "" {
		return "", &provider.Error{StatusCode: 422, Message: "training destination is not configured"}
	}
	archive, err := zipImages(req.Images)
	if err != nil {
		return "", err
	}
	input := map[string]any{
		"input_images": "data:application/zip;base64," + base64.StdEncoding.EncodeToString(archive),
		"trigger_word": req.TriggerWord,
		"steps":        req.Steps,
		"autocaption":  true,
	}
	tr, err := p.client.CreateTraining(ctx, p.settings.TrainingModel, p.settings.TrainingVersion, p.settings.Destination, input)
	if err != nil {
		return "", err
	}
	return tr.ID, nil
}

func (p *Provider) TrainingStatus(ctx context.Context, handle string) (provider.TrainingState, error) {
	tr, err := p.client.GetTraining(ctx, handle)
	if err != nil {
		return provider.TrainingState{}, err
	}
	state := provider.TrainingState{
		Status: mapTrainingStatus(tr.Status),
		Logs:   tr.Logs,
	}
	if tr.Error != nil {
		state.Error = errorText(tr.Error)
	}
	if state.Status == provider.TrainingSucceeded {
		state.ModelRef = tr.Output.Version
		// Without a version there is nothing to run inference against, and polling again will
		// not produce one.
		if state.ModelRef == "" {
			state.Status = provider.TrainingFailed
			state.Error = "training finished without a model version"
		}
	}
	return state, nil
}

func mapTrainingStatus(status string) provider.TrainingStatus {
	switch status {
	case "starting":
		return provider.TrainingPending
	case "processing":
		return provider.TrainingRunning
	case "succeeded":
		return provider.TrainingSucceeded
	case "canceled":
		return provider.TrainingCanceled
	case "failed":
		return provider.TrainingFailed
	default:
		return provider.TrainingPending
	}
}

func zipImages(images []provider.Image) ([]byte, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no images to train on")
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, img := range images {
		w, err := zw.Create(fmt.Sprintf("photo_%02d%s", i+1, img.Ext()))
		if err != nil {
			return nil, fmt.Errorf("zip entry: %w", err)
		}
		if _, err := w.Write(img.Data); err != nil {
			return nil, fmt.Errorf("zip write: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip close: %w", err)
	}
	return buf.Bytes(), nil
}

