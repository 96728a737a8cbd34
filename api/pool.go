package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"bloomers/domain"
)

type dispatchJob struct {
	userID string
	job    domain.ClassifyJob
}

var (
	once            sync.Once
	jobs            chan dispatchJob
	workerCount     int
	jobBuf          int
	dispatchTimeout time.Duration
	handoffTimeout  time.Duration
	bg              = context.Background()
	globalStore     Storage
	globalLog       *log.Logger
	workerWG        sync.WaitGroup
)

// shutdownJobDispatcher stops worker goroutines and clears shared state. It is intended for tests.
func shutdownJobDispatcher() {
	if jobs != nil {
		close(jobs)
		jobs = nil
	}

	workerWG.Wait()

	globalStore = nil
	globalLog = nil
	workerCount = 0
	jobBuf = 0
	dispatchTimeout = 0
	handoffTimeout = 0
	once = sync.Once{}
	workerWG = sync.WaitGroup{}
}

// initJobDispatcher starts the pool that hands classify jobs to the queue off
// the request path. Upload requests return as soon as the run row exists; the
// enqueue happens here, with an inline fallback when the buffer is saturated.
func initJobDispatcher(store Storage, logger *log.Logger) {
	once.Do(func() {
		globalStore = store
		if logger == nil {
			panic("Logger is not initialized")
		}
		globalLog = logger

		workerCount = envInt("DISPATCH_WORKERS", 8)
		jobBuf = envInt("DISPATCH_BUFFER", 1024)
		dispatchTimeout = envDur("DISPATCH_TIMEOUT", 60*time.Second)
		handoffTimeout = envDur("DISPATCH_HANDOFF_TIMEOUT", 15*time.Millisecond)

		jobs = make(chan dispatchJob, jobBuf)
		for i := 0; i < workerCount; i++ {
			workerWG.Add(1)
			go dispatchWorker(i, jobs)
		}
		globalLog.Infof("job dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", workerCount, jobBuf, dispatchTimeout, handoffTimeout)
	})
}

func dispatchWorker(id int, jobCh <-chan dispatchJob) {
	defer workerWG.Done()
	for j := range jobCh {
		ctx, cancel := context.WithTimeout(bg, dispatchTimeout)
		err := globalStore.EnqueueClassifyJob(ctx, j.userID, j.job)
		cancel()

		// The run row is already persisted, so a lost enqueue is recovered by
		// the worker's pending-run scan; log and move on.
		if err != nil {
			globalLog.Errorf("dispatch failed, err: %v, user: %s, run: %s, worker: %d", err, j.userID, j.job.RunID, id)
		}
	}
}

func tryDispatchJob(job dispatchJob) bool {
	if jobs == nil {
		return false
	}

	if ok, closed := trySendNonBlocking(jobs, job); closed {
		return false
	} else if ok {
		return true
	}

	if handoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(handoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(jobs, job, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(ch chan dispatchJob, job dispatchJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan dispatchJob, job dispatchJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}
