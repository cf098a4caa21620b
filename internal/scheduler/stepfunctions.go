// Package scheduler keeps at most one pending consolidation timer per
// conversation. Scheduling a conversation that already has a timer cancels
// it and starts a fresh one, unless the pending timer carries a newer batch
// version.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"support-agent/internal/domain"
)

const defaultCallTimeout = 5 * time.Second

// sfnAPI is the minimal Step Functions interface required by StepFunctions.
// *sfn.Client satisfies it.
type sfnAPI interface {
	ListExecutions(ctx context.Context, in *sfn.ListExecutionsInput, optFns ...func(*sfn.Options)) (*sfn.ListExecutionsOutput, error)
	StopExecution(ctx context.Context, in *sfn.StopExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StopExecutionOutput, error)
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

// StepFunctions schedules consolidation through a state machine that waits
// for the debounce delay and then invokes the entry point with a
// domain.ScheduledEvent. The delay lives in the state machine definition.
type StepFunctions struct {
	api             sfnAPI
	stateMachineARN string
	prefix          string
	callTimeout     time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

type Option func(*StepFunctions)

// WithJobPrefix overrides the "job" execution name prefix.
func WithJobPrefix(prefix string) Option {
	return func(s *StepFunctions) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// WithCallTimeout bounds every individual Step Functions call.
func WithCallTimeout(d time.Duration) Option {
	return func(s *StepFunctions) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *StepFunctions) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStepFunctions creates a Step Functions backed scheduler.
func NewStepFunctions(api sfnAPI, stateMachineARN string, opts ...Option) (*StepFunctions, error) {
	if api == nil {
		return nil, errors.New("scheduler: api must not be nil")
	}
	if strings.TrimSpace(stateMachineARN) == "" {
		return nil, errors.New("scheduler: state machine ARN must not be empty")
	}
	s := &StepFunctions{
		api:             api,
		stateMachineARN: stateMachineARN,
		prefix:          defaultJobPrefix,
		callTimeout:     defaultCallTimeout,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Schedule stops any running job for conversationID and starts a new one
// carrying version. When a running job already carries a higher version it
// owns this fragment too, so nothing is stopped or started. Failing to stop
// an old job is logged and tolerated; failing to start the new one is
// returned.
func (s *StepFunctions) Schedule(ctx context.Context, conversationID string, version int64) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("scheduler: conversation id is required")
	}
	log := s.logger.With("chat_id", conversationID)

	running, err := s.ListRunning(ctx, conversationID)
	if err != nil {
		// An unlisted job still fires; the version check on consume keeps
		// it from taking a batch that belongs to the new job.
		log.Warn("list running executions failed", "err", err)
	}
	for _, job := range running {
		if job.Version > version {
			log.Info("newer execution already running", "execution", job.ExecutionName, "version", version)
			return nil
		}
	}
	for _, job := range running {
		if err := s.Stop(ctx, job); err != nil {
			log.Warn("stop previous execution failed", "execution", job.ExecutionName, "err", err)
			continue
		}
		log.Info("previous execution stopped", "execution", job.ExecutionName)
	}

	job, err := s.start(ctx, conversationID, version)
	if err != nil {
		return err
	}
	log.Info("execution started", "execution", job.ExecutionName, "version", version)
	return nil
}

// ListRunning returns the RUNNING executions that belong to conversationID.
func (s *StepFunctions) ListRunning(ctx context.Context, conversationID string) ([]domain.ScheduledJob, error) {
	base := jobPrefix(s.prefix, conversationID)
	prefix := base + "-"
	p := sfn.NewListExecutionsPaginator(s.api, &sfn.ListExecutionsInput{
		StateMachineArn: aws.String(s.stateMachineARN),
		StatusFilter:    types.ExecutionStatusRunning,
	})

	var jobs []domain.ScheduledJob
	for p.HasMorePages() {
		cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
		page, err := p.NextPage(cctx)
		cancel()
		if err != nil {
			return jobs, fmt.Errorf("scheduler: list executions: %w", err)
		}
		for _, e := range page.Executions {
			name := aws.ToString(e.Name)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			jobs = append(jobs, domain.ScheduledJob{
				ID:             aws.ToString(e.ExecutionArn),
				ConversationID: conversationID,
				ExecutionName:  name,
				Version:        executionVersion(name, base),
				Status:         domain.JobStatus(e.Status),
			})
		}
	}
	return jobs, nil
}

// Stop stops job. A job that already finished or no longer exists counts as
// stopped: the timer firing just before a new message is the common case.
func (s *StepFunctions) Stop(ctx context.Context, job domain.ScheduledJob) error {
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	_, err := s.api.StopExecution(cctx, &sfn.StopExecutionInput{
		ExecutionArn: aws.String(job.ID),
		Error:        aws.String("NewMessageReceived"),
		Cause:        aws.String("debounce timer reset by a new customer message"),
	})
	if err != nil {
		var notFound *types.ExecutionDoesNotExist
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("scheduler: stop execution %s: %w", job.ExecutionName, err)
	}
	return nil
}

func (s *StepFunctions) start(ctx context.Context, conversationID string, version int64) (domain.ScheduledJob, error) {
	input, err := json.Marshal(domain.ScheduledEvent{
		Source:  domain.SchedulerSource,
		ChatID:  conversationID,
		Version: version,
	})
	if err != nil {
		return domain.ScheduledJob{}, fmt.Errorf("scheduler: marshal input: %w", err)
	}
	name := executionName(s.prefix, conversationID, version, s.now())

	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	out, err := s.api.StartExecution(cctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(s.stateMachineARN),
		Name:            aws.String(name),
		Input:           aws.String(string(input)),
	})
	if err != nil {
		return domain.ScheduledJob{}, fmt.Errorf("scheduler: start execution %s: %w", name, err)
	}
	job := domain.ScheduledJob{
		ConversationID: conversationID,
		ExecutionName:  name,
		Version:        version,
		Status:         domain.JobRunning,
	}
	if out != nil {
		job.ID = aws.ToString(out.ExecutionArn)
	}
	return job, nil
}
