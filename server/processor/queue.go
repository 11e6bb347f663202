package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/san-kum/posture-screen/server/models"
)

var (
	ErrQueueFull    = errors.New("processing queue full, try again later")
	ErrQueueStopped = errors.New("processing queue stopped")
)

// ProcessingQueue runs detection jobs on a fixed pool of workers.
type ProcessingQueue struct {
	items      chan *QueueItem
	workers    int
	workerFunc func(*QueueItem)
	wg         sync.WaitGroup
	shutdown   chan struct{}
	isRunning  bool
	mutex      sync.RWMutex
}

// QueueItem is one photo waiting for keypoint detection. ResultChan must be
// buffered so workers never block on an abandoned caller.
type QueueItem struct {
	Ctx        context.Context
	View       models.View
	Image      []byte
	ResultChan chan *DetectionResult
	StartTime  time.Time
}

type DetectionResult struct {
	View        models.View
	Observation *models.PoseObservation
	Error       error
}

func NewProcessingQueue(queueSize, workers int, workerFunc func(*QueueItem)) *ProcessingQueue {
	queue := &ProcessingQueue{
		items:      make(chan *QueueItem, queueSize),
		workers:    workers,
		workerFunc: workerFunc,
		shutdown:   make(chan struct{}),
		isRunning:  true,
	}

	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.worker()
	}

	return queue
}

func (pq *ProcessingQueue) worker() {
	defer pq.wg.Done()

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				pq.run(item)
			}
		case <-pq.shutdown:
			return
		}
	}
}

func (pq *ProcessingQueue) run(item *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			select {
			case item.ResultChan <- &DetectionResult{
				View:  item.View,
				Error: fmt.Errorf("worker panic: %v", r),
			}:
			default:
			}
		}
	}()

	pq.workerFunc(item)
}

// Enqueue never blocks: a full queue is reported as ErrQueueFull.
func (pq *ProcessingQueue) Enqueue(item *QueueItem) error {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	if !pq.isRunning {
		return ErrQueueStopped
	}

	select {
	case pq.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

func (pq *ProcessingQueue) Size() int {
	return len(pq.items)
}

func (pq *ProcessingQueue) Capacity() int {
	return cap(pq.items)
}

func (pq *ProcessingQueue) IsRunning() bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	return pq.isRunning
}

func (pq *ProcessingQueue) Workers() int {
	return pq.workers
}

// Shutdown stops the workers and fails whatever is still queued.
func (pq *ProcessingQueue) Shutdown(timeout time.Duration) error {
	pq.mutex.Lock()
	if !pq.isRunning {
		pq.mutex.Unlock()
		return nil
	}
	pq.isRunning = false
	pq.mutex.Unlock()

	close(pq.shutdown)

	done := make(chan struct{})
	go func() {
		pq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		pq.drain()
		return nil
	case <-time.After(timeout):
		pq.drain()
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (pq *ProcessingQueue) drain() int {
	drained := 0
	for {
		select {
		case item := <-pq.items:
			if item != nil {
				select {
				case item.ResultChan <- &DetectionResult{
					View:  item.View,
					Error: fmt.Errorf("processing cancelled - queue shutting down"),
				}:
				default:
				}
				drained++
			}
		default:
			return drained
		}
	}
}

func (pq *ProcessingQueue) GetQueueStats() QueueStats {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	return QueueStats{
		CurrentSize:        pq.Size(),
		MaxCapacity:        pq.Capacity(),
		ActiveWorkers:      pq.workers,
		IsRunning:          pq.isRunning,
		UtilizationPercent: float64(pq.Size()) / float64(pq.Capacity()) * 100,
	}
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
