package orchestrator

import "time"

// chainIdleTimeout is how long a run's chain goroutine survives after
// its last enqueued task before being torn down.
const chainIdleTimeout = 60 * time.Second

type runChain struct {
	tasks      chan func()
	generation uint64
}

// dispatchSerialized runs fn on runID's dedicated chain goroutine and
// blocks until it completes. Events for the same run are always routed
// to the same chain, so they observe program order; different runs get
// independent goroutines and proceed in parallel.
func (o *Orchestrator) dispatchSerialized(runID string, fn func()) {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	o.mu.Lock()
	chain, ok := o.chains[runID]
	if !ok {
		chain = &runChain{tasks: make(chan func(), 64)}
		o.chains[runID] = chain
		go runChainLoop(chain)
	}
	chain.generation++
	gen := chain.generation
	o.mu.Unlock()

	chain.tasks <- task
	o.scheduleReap(runID, chain, gen)
	<-done
}

func runChainLoop(chain *runChain) {
	for task := range chain.tasks {
		task()
	}
}

// scheduleReap tears a run's chain down chainIdleTimeout after the
// enqueue that armed this particular timer, unless a later enqueue
// (observable as a higher generation) has since occurred. The decision
// and the deletion/close both happen under o.mu, so a concurrent
// dispatchSerialized send can never race a reap into closing the
// channel out from under it.
func (o *Orchestrator) scheduleReap(runID string, chain *runChain, gen uint64) {
	time.AfterFunc(chainIdleTimeout, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		current, ok := o.chains[runID]
		if !ok || current != chain || current.generation != gen {
			return
		}
		delete(o.chains, runID)
		close(chain.tasks)
	})
}
