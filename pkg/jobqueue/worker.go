/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package jobqueue

import (
	"context"
	"time"

	"github.com/lib/pq"
	"k8s.io/klog/v2"

	commonconfig "github.com/opscore/rollout/pkg/config"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

// Handler processes one claimed job. A nil return completes the job; a
// retryable error requeues it with exponential backoff until the retry
// budget is spent; any other error fails it immediately.
type Handler func(ctx context.Context, job *dbclient.Job) error

// Worker drains the durable job queue. Wake-up is event driven through
// LISTEN/NOTIFY with a bounded poll as fallback, so a lost notification
// delays a job by at most one poll interval.
type Worker struct {
	store    dbclient.JobInterface
	instance string
	handler  Handler
	listener *pq.Listener

	// wake coalesces notifications; a full channel means a drain is
	// already scheduled.
	wake chan struct{}
}

func NewWorker(store dbclient.JobInterface, instance string, handler Handler) *Worker {
	return &Worker{
		store:    store,
		instance: instance,
		handler:  handler,
		wake:     make(chan struct{}, 1),
	}
}

// WithListener attaches a LISTEN/NOTIFY subscription. Without one the worker
// falls back to pure polling, which tests use.
func (w *Worker) WithListener(dsn string) *Worker {
	w.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			klog.ErrorS(err, "job listener event", "event", event)
		}
	})
	if err := w.listener.Listen(dbclient.JobNotifyChannel); err != nil {
		klog.ErrorS(err, "failed to listen on job channel, polling only")
		w.listener = nil
	}
	return w
}

// Run claims and processes jobs until ctx is cancelled. It also hosts the
// stale-lease sweeper that reclaims jobs from crashed workers.
func (w *Worker) Run(ctx context.Context) {
	pollInterval := commonconfig.GetJobPollInterval()
	lease := time.Duration(commonconfig.GetJobLeaseSecond()) * time.Second

	go w.sweepStaleLeases(ctx, lease)
	if w.listener != nil {
		go w.forwardNotifications(ctx)
	}

	klog.Infof("job worker %s started, poll interval %s, lease %s", w.instance, pollInterval, lease)
	for {
		w.drain(ctx, lease)
		select {
		case <-ctx.Done():
			klog.Infof("job worker %s stopped", w.instance)
			return
		case <-w.wake:
		case <-time.After(pollInterval):
		}
	}
}

// drain claims jobs until the queue has nothing runnable.
func (w *Worker) drain(ctx context.Context, lease time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.store.ClaimJob(ctx, w.instance, lease)
		if err != nil {
			klog.ErrorS(err, "failed to claim job")
			return
		}
		if job == nil {
			return
		}
		w.process(ctx, job, lease)
	}
}

func (w *Worker) process(ctx context.Context, job *dbclient.Job, lease time.Duration) {
	klog.Infof("processing job %d for execution %s, attempt %d/%d",
		job.Id, job.ExecutionId, job.RetryCount+1, job.MaxRetries+1)

	// Renew the lease while the handler runs; long deployments hold their
	// claim far beyond a single lease window.
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.renewLease(handlerCtx, job.Id, lease, cancel)

	err := w.handler(handlerCtx, job)
	if err == nil {
		if cErr := w.store.CompleteJob(ctx, job.Id, dbclient.JobSucceeded, ""); cErr != nil {
			klog.ErrorS(cErr, "failed to complete job", "job", job.Id)
		}
		return
	}

	if commonerrors.IsRetryable(err) && job.RetryCount < job.MaxRetries {
		delay := RetryDelay(job.RetryCount)
		klog.Warningf("job %d failed with retryable error, retry %d/%d in %s: %v",
			job.Id, job.RetryCount+1, job.MaxRetries, delay, err)
		if rErr := w.store.RequeueJob(ctx, job.Id, job.RetryCount+1, time.Now().UTC().Add(delay), err.Error()); rErr != nil {
			klog.ErrorS(rErr, "failed to requeue job", "job", job.Id)
		}
		return
	}

	klog.ErrorS(err, "job failed permanently", "job", job.Id, "execution", job.ExecutionId)
	if fErr := w.store.CompleteJob(ctx, job.Id, dbclient.JobFailed, err.Error()); fErr != nil {
		klog.ErrorS(fErr, "failed to fail job", "job", job.Id)
	}
}

func (w *Worker) renewLease(ctx context.Context, jobId int64, lease time.Duration, onLost context.CancelFunc) {
	ticker := time.NewTicker(lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := w.store.RenewJobLease(ctx, jobId, w.instance, lease)
		if err != nil {
			klog.ErrorS(err, "failed to renew job lease", "job", jobId)
			continue
		}
		if !held {
			klog.Warningf("lease of job %d was lost, cancelling handler", jobId)
			onLost()
			return
		}
	}
}

func (w *Worker) forwardNotifications(ctx context.Context) {
	defer func() {
		if err := w.listener.Close(); err != nil {
			klog.ErrorS(err, "failed to close job listener")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case notification := <-w.listener.Notify:
			if notification == nil {
				// Connection was re-established; a poll will catch up.
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Worker) sweepStaleLeases(ctx context.Context, lease time.Duration) {
	ticker := time.NewTicker(lease)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := w.store.ReleaseStaleJobs(ctx); err != nil {
			klog.ErrorS(err, "failed to release stale jobs")
		}
	}
}
