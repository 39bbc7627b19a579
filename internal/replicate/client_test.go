package replicate

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGAvatarBot/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient("r8_test", srv.URL, 5*time.Second, nil)
	client.pollInterval = time.Millisecond
	return NewProvider(client, Settings{
		InstantVersion:   "instant-v",
		InstantStyleName: "Photographic",
		TrainingModel:    "ostris/flux-dev-lora-trainer",
		TrainingVersion:  "trainer-v",
		Destination:      "me/avatars",
	})
}

func TestGenerateInstantWaitsForOutput(t *testing.T) {
	var polls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer r8_test", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/predictions":
			var body struct {
				Version string         `json:"version"`
				Input   map[string]any `json:"input"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "instant-v", body.Version)
			assert.Equal(t, "data:image/jpeg;base64,AAAA", body.Input["input_image"])
			assert.Equal(t, "Photographic", body.Input["style_name"])
			_, _ = w.Write([]byte(`{"id":"p1","status":"processing"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/predictions/p1":
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"id":"p1","status":"processing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"p1","status":"succeeded","output":["https://x/1.png","https://x/2.png"]}`))
		default:
			http.NotFound(w, r)
		}
	})

	urls, err := p.Generate(context.Background(), provider.InferenceRequest{ImageURI: "data:image/jpeg;base64,AAAA", Prompt: "p", NumOutputs: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x/1.png", "https://x/2.png"}, urls)
}

func TestGenerateWithModelRefUsesVersionHash(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Version string `json:"version"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "abc123", body.Version)
		_, _ = w.Write([]byte(`{"id":"p2","status":"succeeded","output":"https://x/one.png"}`))
	})

	urls, err := p.Generate(context.Background(), provider.InferenceRequest{ModelRef: "me/avatars:abc123", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x/one.png"}, urls)
}

func TestGenerateSurfacesAPIErrors(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"title":"Too many requests","detail":"Request was throttled"}`))
	})

	_, err := p.Generate(context.Background(), provider.InferenceRequest{ImageURI: "data:,", Prompt: "p"})
	var perr *provider.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
	assert.Equal(t, "Request was throttled", perr.Message)
}

func TestGenerateFailedPrediction(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p3","status":"failed","error":"NSFW content detected"}`))
	})

	_, err := p.Generate(context.Background(), provider.InferenceRequest{ImageURI: "data:,", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NSFW")
}

func TestGenerateRequiresImage(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := p.Generate(context.Background(), provider.InferenceRequest{Prompt: "p"})
	require.Error(t, err)
}

func TestStartTrainingSendsZipArchive(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/ostris/flux-dev-lora-trainer/versions/trainer-v/trainings", r.URL.Path)
		var body struct {
			Destination string         `json:"destination"`
			Input       map[string]any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "me/avatars", body.Destination)
		assert.Equal(t, "TOK", body.Input["trigger_word"])

		uri := body.Input["input_images"].(string)
		require.True(t, strings.HasPrefix(uri, "data:application/zip;base64,"))
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, "data:application/zip;base64,"))
		require.NoError(t, err)
		zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
		require.NoError(t, err)
		assert.Len(t, zr.File, 2)
		assert.Equal(t, "photo_02.png", zr.File[1].Name)

		_, _ = w.Write([]byte(`{"id":"tr1","status":"starting"}`))
	})

	handle, err := p.StartTraining(context.Background(), provider.TrainingRequest{
		Images:      []provider.Image{{Data: []byte("a"), ContentType: "image/jpeg"}, {Data: []byte("b"), ContentType: "image/png"}},
		TriggerWord: "TOK",
		Steps:       1000,
	})
	require.NoError(t, err)
	assert.Equal(t, "tr1", handle)
}

func TestTrainingStatusMapping(t *testing.T) {
	responses := map[string]string{
		"/v1/trainings/a": `{"id":"a","status":"starting"}`,
		"/v1/trainings/b": `{"id":"b","status":"processing","logs":"step 10/100"}`,
		"/v1/trainings/c": `{"id":"c","status":"succeeded","output":{"version":"me/avatars:v1"}}`,
		"/v1/trainings/d": `{"id":"d","status":"failed","error":"bad images"}`,
		"/v1/trainings/e": `{"id":"e","status":"canceled"}`,
		"/v1/trainings/f": `{"id":"f","status":"succeeded","output":{"weights":"https://replicate.delivery/w.tar"}}`,
	}
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(responses[r.URL.Path]))
	})

	ctx := context.Background()
	cases := []struct {
		handle string
		status provider.TrainingStatus
	}{
		{"a", provider.TrainingPending},
		{"b", provider.TrainingRunning},
		{"c", provider.TrainingSucceeded},
		{"d", provider.TrainingFailed},
		{"e", provider.TrainingCanceled},
		{"f", provider.TrainingFailed},
	}
	for _, tc := range cases {
		state, err := p.TrainingStatus(ctx, tc.handle)
		require.NoError(t, err, tc.handle)
		assert.Equal(t, tc.status, state.Status, tc.handle)
	}

	state, err := p.TrainingStatus(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "me/avatars:v1", state.ModelRef)

	state, err = p.TrainingStatus(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "bad images", state.Error)

	state, err = p.TrainingStatus(ctx, "f")
	require.NoError(t, err)
	assert.Empty(t, state.ModelRef)
	assert.Equal(t, "training finished without a model version", state.Error)
}
