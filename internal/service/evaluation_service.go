package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"evaluation-service/internal/entity"
	"evaluation-service/internal/metrics"
	"evaluation-service/internal/repository"
	"evaluation-service/internal/scrub"
)

var ErrInvalidSubmission = errors.New("invalid submission")

type SubmitRequest struct {
	RequestID   string `validate:"omitempty,max=128,printascii"`
	Text        string
	AudioURL    string `validate:"omitempty,url"`
	CallbackURL string `validate:"omitempty,url"`
}

type Submission struct {
	JobID       string
	RequestID   string
	Created     bool
	PollAfterMs int64
}

type EvaluationServiceOptions struct {
	MaxTextChars int
	PollAfter    time.Duration
}

// EvaluationService accepts submissions and reconciles queue state with the
// result store for readers.
type EvaluationService struct {
	queue    JobQueue
	results  repository.ResultStore
	scrubber scrub.Scrubber
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     EvaluationServiceOptions
}

func NewEvaluationService(queue JobQueue, results repository.ResultStore, scrubber scrub.Scrubber, m *metrics.Metrics, logger *zap.Logger, opts EvaluationServiceOptions) *EvaluationService {
	if scrubber == nil {
		scrubber = scrub.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollAfter <= 0 {
		opts.PollAfter = 1500 * time.Millisecond
	}
	return &EvaluationService{
		queue:    queue,
		results:  results,
		scrubber: scrubber,
		validate: validator.New(),
		metrics:  m,
		logger:   logger.Named("evaluations"),
		opts:     opts,
	}
}

func (s *EvaluationService) PollAfterMs() int64 {
	return s.opts.PollAfter.Milliseconds()
}

// Submit validates and enqueues a request. Resubmitting a request id returns
// the job created for it the first time.
func (s *EvaluationService) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.AudioURL = strings.TrimSpace(req.AudioURL)

	if err := s.validate.Struct(req); err != nil {
		return Submission{}, fmt.Errorf("%w: %s", ErrInvalidSubmission, describeValidation(err))
	}
	er := entity.EvaluationRequest{
		RequestID:   req.RequestID,
		Text:        req.Text,
		AudioURL:    req.AudioURL,
		CallbackURL: req.CallbackURL,
	}
	if err := er.CheckInput(); err != nil {
		return Submission{}, fmt.Errorf("%w: %s", ErrInvalidSubmission, err)
	}
	if max := s.opts.MaxTextChars; max > 0 && utf8.RuneCountInString(er.Text) > max {
		return Submission{}, fmt.Errorf("%w: text exceeds %d characters", ErrInvalidSubmission, max)
	}

	if er.RequestID == "" {
		er.RequestID = uuid.NewString()
	}
	if er.Text != "" {
		er.Text = s.scrubber.Scrub(er.Text)
	}

	jobID, created, err := s.queue.Enqueue(ctx, er)
	if err != nil {
		return Submission{}, err
	}

	input := "text"
	if er.IsAudio() {
		input = "audio"
	}
	if s.metrics != nil {
		s.metrics.Submissions.WithLabelValues(input, strconv.FormatBool(created)).Inc()
	}
	s.logger.Info("submission accepted",
		zap.String("job_id", jobID),
		zap.String("request_id", er.RequestID),
		zap.String("input", input),
		zap.Bool("created", created),
	)

	return Submission{
		JobID:       jobID,
		RequestID:   er.RequestID,
		Created:     created,
		PollAfterMs: s.PollAfterMs(),
	}, nil
}

// GetStatus answers "is it done yet" for a submission id (== job id). The
// queue is asked first; an evicted job falls back to the result store. When a
// job is completed but its result write is not yet visible, the queue's
// return value is used. GetStatus never writes.
func (s *EvaluationService) GetStatus(ctx context.Context, submissionID string) (*entity.EvaluationStatus, error) {
	job, err := s.queue.GetJob(ctx, submissionID)
	if err != nil {
		if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		res, rerr := s.results.GetByJobID(ctx, submissionID)
		if rerr != nil {
			if errors.Is(rerr, repository.ErrNotFound) {
				return nil, ErrJobNotFound
			}
			return nil, rerr
		}
		st := &entity.EvaluationStatus{
			SubmissionID: submissionID,
			RequestID:    res.RequestID,
			Status:       entity.ClientCompleted,
			Progress:     100,
			Result:       res,
		}
		if !res.CreatedAt.IsZero() {
			created := res.CreatedAt
			st.CreatedAt = &created
		}
		return st, nil
	}

	created := job.CreatedAt
	st := &entity.EvaluationStatus{
		SubmissionID: job.ID,
		RequestID:    job.RequestID,
		Status:       entity.StatusFromState(job.State),
		Progress:     job.Progress,
		CreatedAt:    &created,
	}

	switch job.State {
	case entity.StateCompleted:
		st.Progress = 100
		res, rerr := s.results.GetByRequestID(ctx, job.RequestID)
		switch {
		case rerr == nil:
			st.Result = res
		case job.ReturnValue != nil:
			if !errors.Is(rerr, repository.ErrNotFound) {
				s.logger.Warn("result store read failed, using queue return value",
					zap.String("job_id", job.ID), zap.Error(rerr))
			}
			st.Result = job.ReturnValue
		default:
			return nil, fmt.Errorf("completed job %s has no result: %w", job.ID, rerr)
		}
	case entity.StateFailed:
		st.Error = job.Error
		if st.Error == nil {
			st.Error = &entity.JobError{Code: "unclassified", Message: "the evaluation failed"}
		}
	}
	return st, nil
}

// ResultByRequest reads the result store directly by request id.
func (s *EvaluationService) ResultByRequest(ctx context.Context, requestID string) (*entity.EvaluationResult, error) {
	return s.results.GetByRequestID(ctx, requestID)
}

// Resolve fills in whichever of jobID and requestID is missing. Unknown ids
// are returned empty rather than as errors.
func (s *EvaluationService) Resolve(ctx context.Context, jobID, requestID string) (string, string, error) {
	if jobID == "" && requestID != "" {
		id, err := s.queue.LookupRequest(ctx, requestID)
		if err != nil && !errors.Is(err, ErrJobNotFound) {
			return "", "", err
		}
		jobID = id
	}
	if requestID == "" && jobID != "" {
		job, err := s.queue.GetJob(ctx, jobID)
		switch {
		case err == nil:
			requestID = job.RequestID
		case errors.Is(err, ErrJobNotFound):
			if res, rerr := s.results.GetByJobID(ctx, jobID); rerr == nil {
				requestID = res.RequestID
			}
		default:
			return "", "", err
		}
	}
	return jobID, requestID, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
