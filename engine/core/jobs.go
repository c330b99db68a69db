package core

import (
	"fmt"
	"sync"
)

// JobTask is one unit of work for the job system. OnComplete or OnFailure
// runs on the worker right after Run returns.
type JobTask struct {
	Run        func() error
	OnComplete func()
	OnFailure  func(err error)
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan JobTask
	wg         sync.WaitGroup
}

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan JobTask, channelSize),
	}
	js.start()
	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				if err := job.Run(); err != nil {
					LogDebug("job failed: %s", err)
					if job.OnFailure != nil {
						job.OnFailure(err)
					}
					continue
				}
				if job.OnComplete != nil {
					job.OnComplete()
				}
			}
		}()
	}
}

// Submit queues jt. It blocks while the queue is full.
func (js *JobSystem) Submit(jt JobTask) {
	js.jobQueue <- jt
}

// Shutdown stops accepting work and waits for every queued job to finish.
func (js *JobSystem) Shutdown() {
	close(js.jobQueue)
	js.wg.Wait()
}
