package pipeline

import "sync"

type completed[Out any] struct {
	Result Out
	Error  error
}

// runInPool fans the queued items out over at most maxWorkers goroutines
// and closes the completed channel once everything is drained. The queue
// must already be closed by the caller.
func runInPool[In any, Out any](worker func(In) (Out, error), queue chan In, done chan completed[Out], maxWorkers int) {
	workers := min(len(queue), maxWorkers)
	if workers < 1 {
		workers = 1
	}

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					res, err := worker(next)
					done <- completed[Out]{Result: res, Error: err}
				}
			}()
		}

		wg.Wait()
		close(done)
	}()
}
