package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/TGAvatarBot/internal/catalog"
	"github.com/digkill/TGAvatarBot/internal/config"
	"github.com/digkill/TGAvatarBot/internal/models"
	"github.com/digkill/TGAvatarBot/internal/provider"
	"github.com/digkill/TGAvatarBot/internal/repository"
	"github.com/digkill/TGAvatarBot/pkg/logger/sl"
)

// ImageHost turns an uploaded photo into a URI the inference provider can fetch.
type ImageHost interface {
	Host(ctx context.Context, img provider.Image) (string, error)
}

// DataURIHost inlines the photo into the request.
type DataURIHost struct{}

func (DataURIHost) Host(_ context.Context, img provider.Image) (string, error) {
	if len(img.Data) == 0 {
		return "", fmt.Errorf("empty image")
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(img.Data), nil
}

type GenerationSettings struct {
	InstantSteps       int
	InstantGuidance    float64
	LoRASteps          int
	LoRAGuidance       float64
	NumOutputs         int
	TrainingCost       int
	TriggerWord        string
	TrainingSteps      int
	InferenceTimeout   time.Duration
	PollInterval       time.Duration
	MaxTrainingWait    time.Duration
	ProgressEveryPolls int
	MaxPollErrors      int
}

func GenerationSettingsFrom(cfg config.Config) GenerationSettings {
	return GenerationSettings{
		InstantSteps:       cfg.InstantSteps,
		InstantGuidance:    cfg.InstantGuidance,
		LoRASteps:          cfg.LoRASteps,
		LoRAGuidance:       cfg.LoRAGuidance,
		NumOutputs:         cfg.NumOutputs,
		TrainingCost:       cfg.TrainingCost,
		TriggerWord:        cfg.TriggerWord,
		TrainingSteps:      cfg.TrainingSteps,
		InferenceTimeout:   cfg.InferenceTimeout,
		PollInterval:       cfg.PollInterval,
		MaxTrainingWait:    cfg.MaxTrainingWait,
		ProgressEveryPolls: cfg.ProgressEveryPolls,
		MaxPollErrors:      cfg.MaxPollErrors,
	}
}

// GenerationService charges, dispatches and settles paid jobs. Every path that debits the ledger
// ends in exactly one of: a succeeded job, or a failed job plus a refund.
type GenerationService struct {
	settings  GenerationSettings
	ledger    *LedgerService
	jobs      *repository.JobRepository
	inference provider.Inference
	trainer   provider.Trainer
	host      ImageHost
	estimator ProgressEstimator
	log       *slog.Logger
}

func NewGenerationService(settings GenerationSettings, ledger *LedgerService, jobs *repository.JobRepository, inference provider.Inference, trainer provider.Trainer, log *slog.Logger) *GenerationService {
	return &GenerationService{
		settings:  settings,
		ledger:    ledger,
		jobs:      jobs,
		inference: inference,
		trainer:   trainer,
		host:      DataURIHost{},
		estimator: TimeBasedEstimator{Expected: 20 * time.Minute},
		log:       log.With(sl.Module("service.generation")),
	}
}

// WithImageHost replaces the default data URI host.
func (s *GenerationService) WithImageHost(host ImageHost) *GenerationService {
	if host != nil {
		s.host = host
	}
	return s
}

func (s *GenerationService) WithEstimator(estimator ProgressEstimator) *GenerationService {
	if estimator != nil {
		s.estimator = estimator
	}
	return s
}

func (s *GenerationService) TrainingCost() int {
	return s.settings.TrainingCost
}

// ChargeInstant debits the style cost and records a pending instant job.
func (s *GenerationService) ChargeInstant(ctx context.Context, userID int64, style catalog.Style) (*models.Job, error) {
	return s.charge(ctx, userID, models.JobModeInstant, style.ID, style.Cost)
}

// ChargeTraining debits the training cost and records a pending training job.
func (s *GenerationService) ChargeTraining(ctx context.Context, userID int64) (*models.Job, error) {
	return s.charge(ctx, userID, models.JobModeTraining, "", s.settings.TrainingCost)
}

func (s *GenerationService) charge(ctx context.Context, userID int64, mode models.JobMode, style string, cost int) (*models.Job, error) {
	if err := s.ledger.Debit(ctx, userID, cost); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return nil, &JobError{Kind: KindInsufficientFunds, Err: err}
		}
		return nil, &JobError{Kind: KindPersistence, Message: "debit failed", Err: err}
	}

	job := &models.Job{
		UserID:         userID,
		Mode:           mode,
		Style:          style,
		CreditsCharged: cost,
		Status:         models.JobStatusPending,
	}
	err := retry(ctx, recordAttempts, recordRetryDelay, func() error {
		return s.jobs.Create(ctx, job)
	})
	if err != nil {
		s.log.Error("job record failed, returning charge", sl.User(userID), sl.Err(err))
		jerr := &JobError{Kind: KindPersistence, Message: "job record failed", Err: err}
		if refundErr := s.ledger.RefundCharge(context.WithoutCancel(ctx), userID, cost); refundErr != nil {
			s.log.Error("refund after job record failure", sl.User(userID), sl.Err(refundErr))
		} else {
			jerr.Refunded = true
		}
		return nil, jerr
	}

	s.log.Info("job charged", sl.User(userID), slog.Int64("job_id", job.ID), slog.String("mode", string(mode)), slog.Int("credits", cost))
	return job, nil
}

// InstantResult lists the generated image URLs.
type InstantResult struct {
	URLs []string
}

// CompleteInstant runs the inference for a charged job. With a non-empty modelRef the personalized
// model is used and the photo is not needed.
func (s *GenerationService) CompleteInstant(ctx context.Context, job *models.Job, photo provider.Image, style catalog.Style, modelRef string) (*InstantResult, error) {
	req := provider.InferenceRequest{
		NegativePrompt: style.Negative,
		NumOutputs:     s.settings.NumOutputs,
	}
	if modelRef != "" {
		req.ModelRef = modelRef
		req.Prompt = fmt.Sprintf("photo of %s person, %s, high quality portrait", s.settings.TriggerWord, style.Prompt)
		req.Steps = s.settings.LoRASteps
		req.Guidance = s.settings.LoRAGuidance
	} else {
		uri, err := s.host.Host(ctx, photo)
		if err != nil {
			return nil, s.fail(ctx, job, classify(fmt.Errorf("host photo: %w", err)))
		}
		req.ImageURI = uri
		req.Prompt = fmt.Sprintf("person, %s, high quality portrait", style.Prompt)
		req.Steps = s.settings.InstantSteps
		req.Guidance = s.settings.InstantGuidance
	}

	callCtx := ctx
	if s.settings.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.settings.InferenceTimeout)
		defer cancel()
	}

	urls, err := s.inference.Generate(callCtx, req)
	if err != nil {
		return nil, s.fail(ctx, job, classify(err))
	}
	if len(urls) == 0 {
		return nil, s.fail(ctx, job, newJobError(KindUnknown, errors.New("provider returned no images")))
	}

	if err := s.succeed(ctx, job, strings.Join(urls, " ")); err != nil {
		return nil, err
	}
	return &InstantResult{URLs: urls}, nil
}

// ProgressFunc receives monotonically increasing estimates below 100 while training runs.
type ProgressFunc func(percent int)

// RunTraining dispatches a training job for the photos and polls it to a terminal status. On
// success the model reference is saved on the account and returned.
func (s *GenerationService) RunTraining(ctx context.Context, job *models.Job, photos []provider.Image, onProgress ProgressFunc) (string, error) {
	handle, err := s.trainer.StartTraining(ctx, provider.TrainingRequest{
		Images:      photos,
		TriggerWord: s.settings.TriggerWord,
		Steps:       s.settings.TrainingSteps,
	})
	if err != nil {
		return "", s.fail(ctx, job, classify(err))
	}
	job.ExternalID = handle
	if err := retry(ctx, recordAttempts, recordRetryDelay, func() error {
		return s.jobs.SetExternalID(ctx, job.ID, handle)
	}); err != nil {
		s.log.Error("store training handle", slog.Int64("job_id", job.ID), slog.String("handle", handle), sl.Err(err))
	}
	s.log.Info("training started", sl.User(job.UserID), slog.Int64("job_id", job.ID), slog.String("handle", handle), slog.Int("photos", len(photos)))

	return s.pollTraining(ctx, job, time.Now(), onProgress)
}

// ResumeTraining polls a training job dispatched by an earlier process. The wait limit counts from
// the job's creation, not from the restart.
func (s *GenerationService) ResumeTraining(ctx context.Context, job *models.Job, onProgress ProgressFunc) (string, error) {
	if job.Mode != models.JobModeTraining || job.ExternalID == "" {
		return "", s.fail(ctx, job, &JobError{Kind: KindTransient, Message: interruptedMessage})
	}
	s.log.Info("training resumed", sl.User(job.UserID), slog.Int64("job_id", job.ID), slog.String("handle", job.ExternalID))
	return s.pollTraining(ctx, job, job.CreatedAt, onProgress)
}

func (s *GenerationService) pollTraining(ctx context.Context, job *models.Job, started time.Time, onProgress ProgressFunc) (string, error) {
	log := s.log.With(sl.User(job.UserID), slog.Int64("job_id", job.ID), slog.String("handle", job.ExternalID))
	deadline := started.Add(s.settings.MaxTrainingWait)
	ticker := time.NewTicker(s.settings.PollInterval)
	defer ticker.Stop()

	var (
		polls      int
		pollErrors int
		reported   = job.Progress
	)
	for {
		select {
		case <-ctx.Done():
			log.Info("training polling stopped", sl.Err(ctx.Err()))
			return "", s.fail(ctx, job, classify(ctx.Err()))
		case <-ticker.C:
		}

		// A finished training is settled even when it is reported after the deadline.
		state, err := s.trainer.TrainingStatus(ctx, job.ExternalID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			pollErrors++
			log.Warn("training poll failed", slog.Int("consecutive", pollErrors), sl.Err(err))
			if pollErrors > s.settings.MaxPollErrors {
				return "", s.fail(ctx, job, classify(err))
			}
		} else {
			pollErrors = 0
			polls++
			if state.Status.Terminal() {
				return s.settleTraining(ctx, job, state, log)
			}
		}

		if time.Now().After(deadline) {
			log.Warn("training exceeded max wait", slog.Duration("waited", time.Since(started)))
			return "", s.fail(ctx, job, &JobError{Kind: KindTimeout, Message: "training took too long"})
		}
		if err != nil {
			continue
		}

		every := s.settings.ProgressEveryPolls
		if every <= 0 {
			every = 1
		}
		if polls%every != 0 {
			continue
		}
		pct := clampProgress(s.estimator.Estimate(time.Since(started), state))
		if pct <= reported {
			continue
		}
		reported = pct
		if err := s.jobs.UpdateProgress(ctx, job.ID, pct); err != nil {
			log.Warn("store training progress", sl.Err(err))
		}
		if onProgress != nil {
			onProgress(pct)
		}
	}
}

// settleTraining finalizes a job whose training reached a terminal status. The job only succeeds
// once the model reference is stored on the account.
func (s *GenerationService) settleTraining(ctx context.Context, job *models.Job, state provider.TrainingState, log *slog.Logger) (string, error) {
	switch state.Status {
	case provider.TrainingSucceeded:
		if state.ModelRef == "" {
			return "", s.fail(ctx, job, &JobError{Kind: KindUnknown, Message: "training finished without a model"})
		}
		if err := s.ledger.SetModelRef(context.WithoutCancel(ctx), job.UserID, state.ModelRef); err != nil {
			log.Error("save model ref", slog.String("model", state.ModelRef), sl.Err(err))
			return "", s.fail(ctx, job, &JobError{Kind: KindPersistence, Message: "model reference not saved", Err: err})
		}
		if err := s.succeed(ctx, job, state.ModelRef); err != nil {
			return "", err
		}
		log.Info("training succeeded", slog.String("model", state.ModelRef))
		return state.ModelRef, nil
	case provider.TrainingFailed:
		return "", s.fail(ctx, job, newJobError(classifyMessage(state.Error), errors.New(orDefault(state.Error, "training failed"))))
	default:
		return "", s.fail(ctx, job, &JobError{Kind: KindCanceled, Message: "training canceled by provider"})
	}
}

const interruptedMessage = "interrupted by restart"

// Recovery is what RecoverPending did with the jobs an earlier process left pending.
type Recovery struct {
	// Failed jobs are settled; Err.Refunded tells whether the credits went back.
	Failed []RecoveredJob
	// Resumable training jobs reached the provider and are handed to ResumeTraining.
	Resumable []*models.Job
}

type RecoveredJob struct {
	Job *models.Job
	Err *JobError
}

// RecoverPending settles jobs left pending by an unclean exit. It must run before the process
// charges new jobs: every pending job it finds is treated as orphaned.
func (s *GenerationService) RecoverPending(ctx context.Context) (*Recovery, error) {
	jobs, err := s.jobs.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	rec := &Recovery{}
	for _, job := range jobs {
		if job.Mode == models.JobModeTraining && job.ExternalID != "" {
			rec.Resumable = append(rec.Resumable, job)
			continue
		}
		jerr := s.fail(ctx, job, &JobError{Kind: KindTransient, Message: interruptedMessage})
		rec.Failed = append(rec.Failed, RecoveredJob{Job: job, Err: jerr})
	}
	if len(jobs) > 0 {
		s.log.Info("pending jobs recovered", slog.Int("failed", len(rec.Failed)), slog.Int("resumable", len(rec.Resumable)))
	}
	return rec, nil
}

func (s *GenerationService) succeed(ctx context.Context, job *models.Job, outputRef string) error {
	ctx = context.WithoutCancel(ctx)
	var won bool
	err := retry(ctx, recordAttempts, recordRetryDelay, func() error {
		var err error
		won, err = s.jobs.Finalize(ctx, job.ID, models.JobStatusSucceeded, outputRef, "", "")
		return err
	})
	if err != nil {
		s.log.Error("finalize succeeded job", slog.Int64("job_id", job.ID), sl.Err(err))
		return &JobError{Kind: KindPersistence, Message: "job finalize failed", Err: err}
	}
	if won {
		job.Status = models.JobStatusSucceeded
		job.OutputRef = outputRef
	}
	return nil
}

// fail settles a job as failed and refunds it. Settlement ignores cancellation of ctx so a user
// cancel cannot leave the credits charged.
func (s *GenerationService) fail(ctx context.Context, job *models.Job, jerr *JobError) *JobError {
	ctx = context.WithoutCancel(ctx)
	var won bool
	err := retry(ctx, recordAttempts, recordRetryDelay, func() error {
		var err error
		won, err = s.jobs.Finalize(ctx, job.ID, models.JobStatusFailed, "", string(jerr.Kind), jerr.Message)
		return err
	})
	if err != nil {
		s.log.Error("finalize failed job", slog.Int64("job_id", job.ID), sl.Err(err))
		return jerr
	}
	if !won {
		return jerr
	}
	job.Status = models.JobStatusFailed
	job.ErrorKind = string(jerr.Kind)
	job.ErrorMessage = jerr.Message

	if err := s.ledger.RefundJob(ctx, job); err != nil {
		s.log.Error("refund failed job", sl.User(job.UserID), slog.Int64("job_id", job.ID), sl.Err(err))
		return jerr
	}
	jerr.Refunded = true
	s.log.Info("job failed and refunded", sl.User(job.UserID), slog.Int64("job_id", job.ID), slog.String("kind", string(jerr.Kind)))
	return jerr
}

func (s *GenerationService) Stats(ctx context.Context) ([]models.JobStats, error) {
	return s.jobs.Stats(ctx)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
