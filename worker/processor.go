// Package worker consumes classification jobs from the storage queue, runs
// each uploaded document through the classifier and writes the resulting
// questions and run summary back. Status changes are published to Redis so
// connected clients can follow a run without polling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"bloomers/classifier"
	"bloomers/domain"
	"bloomers/storage"
)

// Store is the slice of the storage layer the worker needs.
type Store interface {
	FetchRun(ctx context.Context, userID, runID string) (domain.Run, error)
	FetchQuestions(ctx context.Context, userID, runID string) ([]domain.Question, error)
	InsertQuestions(ctx context.Context, userID, runID string, questions []domain.Question) error
	UpdateRun(ctx context.Context, userID string, run domain.Run) error
	FetchPendingRuns(ctx context.Context) ([]domain.ClassifyJobEnvelope, error)
	EnqueueClassifyJob(ctx context.Context, userID string, job domain.ClassifyJob) error
}

// Classifier predicts taxonomy levels for the questions in a document.
type Classifier interface {
	Classify(ctx context.Context, filename string, document io.Reader) ([]domain.Question, error)
}

// EventChannel names the pub/sub channel carrying run events for one user.
func EventChannel(prefix, userID string) string {
	return prefix + ":" + userID
}

// Processor applies classification jobs. Process is safe to call again for a
// job that was already delivered: finished runs are skipped and a run left in
// processing with stored questions is finalized from them.
type Processor struct {
	store      Store
	classifier Classifier
	events     *redis.Client
	channel    string
	now        func() time.Time
}

func NewProcessor(store Store, cl Classifier, events *redis.Client, channelPrefix string) *Processor {
	return &Processor{
		store:      store,
		classifier: cl,
		events:     events,
		channel:    channelPrefix,
		now:        time.Now,
	}
}

// Process handles one job. A nil return means the job is finished (including
// terminal failures recorded on the run) and its message can be deleted; a
// non-nil return means the failure was transient and the message should be
// redelivered.
func (p *Processor) Process(ctx context.Context, env domain.ClassifyJobEnvelope) error {
	run, err := p.store.FetchRun(ctx, env.UserID, env.Job.RunID)
	if err != nil {
		if storage.IsRejected(err) {
			log.Warnf("dropping job for missing run %s: %v", env.Job.RunID, err)
			return nil
		}
		return fmt.Errorf("fetch run %s: %w", env.Job.RunID, err)
	}
	if run.Status == domain.RunCompleted || run.Status == domain.RunFailed {
		log.Infof("run %s already %s, skipping redelivered job", run.ID, run.Status)
		return nil
	}

	started := p.now()

	// A run stuck in processing with stored questions means we crashed after
	// the insert. Finalize from what is already there instead of classifying
	// again, which would duplicate rows.
	if run.Status == domain.RunProcessing {
		questions, err := p.store.FetchQuestions(ctx, env.UserID, run.ID)
		if err == nil && len(questions) > 0 {
			return p.complete(ctx, env, run, questions, started)
		}
	}

	run.Status = domain.RunProcessing
	run.ErrorMessage = ""
	if err := p.store.UpdateRun(ctx, env.UserID, run); err != nil {
		return fmt.Errorf("mark run %s processing: %w", run.ID, err)
	}
	p.publish(ctx, env.UserID, domain.RunEvent{
		RunID:     run.ID,
		Status:    domain.RunProcessing,
		Timestamp: p.now().Unix(),
	})

	document, err := os.Open(env.Job.Path)
	if err != nil {
		return p.fail(ctx, env, run, started, "uploaded file is no longer available")
	}
	questions, err := p.classifier.Classify(ctx, env.Job.Filename, document)
	document.Close()
	if err != nil {
		var rejected *classifier.RejectedError
		if errors.As(err, &rejected) {
			return p.fail(ctx, env, run, started, rejected.Reason)
		}
		return fmt.Errorf("classify %s: %w", env.Job.Filename, err)
	}
	if len(questions) == 0 {
		return p.fail(ctx, env, run, started, "no questions found in document")
	}

	if err := p.store.InsertQuestions(ctx, env.UserID, run.ID, questions); err != nil {
		return fmt.Errorf("store questions for run %s: %w", run.ID, err)
	}
	return p.complete(ctx, env, run, questions, started)
}

func (p *Processor) complete(ctx context.Context, env domain.ClassifyJobEnvelope, run domain.Run, questions []domain.Question, started time.Time) error {
	var counts domain.Counts
	for _, q := range questions {
		counts.Add(q.Category)
	}
	run.Status = domain.RunCompleted
	run.TotalQuestions = len(questions)
	run.Counts = counts
	run.ErrorMessage = ""
	run.ProcessingSeconds = int(p.now().Sub(started).Seconds())
	if err := p.store.UpdateRun(ctx, env.UserID, run); err != nil {
		return fmt.Errorf("finalize run %s: %w", run.ID, err)
	}

	p.publish(ctx, env.UserID, domain.RunEvent{
		RunID:          run.ID,
		Status:         domain.RunCompleted,
		TotalQuestions: run.TotalQuestions,
		Timestamp:      p.now().Unix(),
	})
	p.removeUpload(env.Job.Path)
	log.Infof("run %s completed with %d questions", run.ID, run.TotalQuestions)
	return nil
}

func (p *Processor) fail(ctx context.Context, env domain.ClassifyJobEnvelope, run domain.Run, started time.Time, reason string) error {
	run.Status = domain.RunFailed
	run.ErrorMessage = reason
	run.TotalQuestions = 0
	run.Counts = domain.Counts{}
	run.ProcessingSeconds = int(p.now().Sub(started).Seconds())
	if err := p.store.UpdateRun(ctx, env.UserID, run); err != nil {
		return fmt.Errorf("mark run %s failed: %w", run.ID, err)
	}

	p.publish(ctx, env.UserID, domain.RunEvent{
		RunID:     run.ID,
		Status:    domain.RunFailed,
		Error:     reason,
		Timestamp: p.now().Unix(),
	})
	p.removeUpload(env.Job.Path)
	log.Warnf("run %s failed: %s", run.ID, reason)
	return nil
}

func (p *Processor) publish(ctx context.Context, userID string, ev domain.RunEvent) {
	if p.events == nil {
		return
	}
	payload, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return
	}
	channel := EventChannel(p.channel, userID)
	if err := p.events.Publish(ctx, channel, string(payload)).Err(); err != nil {
		log.Errorf("unable to publish run event to %s: %v", channel, err)
	}
}

func (p *Processor) removeUpload(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("unable to remove upload %s: %v", path, err)
	}
}

// RecoverPending re-enqueues jobs for runs that were accepted but never
// finished: a crash between the run insert and the enqueue, or a lost queue
// message, leaves the run in pending forever otherwise. Call once at startup.
func (p *Processor) RecoverPending(ctx context.Context) error {
	jobs, err := p.store.FetchPendingRuns(ctx)
	if err != nil {
		return fmt.Errorf("scan pending runs: %w", err)
	}
	requeued := 0
	for _, env := range jobs {
		if err := p.store.EnqueueClassifyJob(ctx, env.UserID, env.Job); err != nil {
			log.Errorf("unable to requeue run %s: %v", env.Job.RunID, err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		log.Infof("requeued %d pending runs", requeued)
	}
	return nil
}
