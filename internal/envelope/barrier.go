package envelope

import (
	"context"
	"sync"

	"github.com/xbus/xbus/internal/statelog"
)

// RunEndEnvelope is the end-of-envelope barrier: it waits until every
// consumer node across every event is done, then fans
// end_envelope out — fire-and-forget to every worker, gathered across
// every consumer — and persists state done iff every consumer call
// succeeds.
func RunEndEnvelope(ctx context.Context, env *Envelope) {
	if !env.awaitAllConsumersDone() {
		return
	}

	workers, consumers := env.allNodes()

	for _, n := range workers {
		go WorkerEndEnvelope(ctx, env, n)
	}

	var wg sync.WaitGroup
	results := make([]bool, len(consumers))
	for i, n := range consumers {
		i, n := i, n
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = ConsumerEndEnvelope(ctx, env, n)
		}()
	}
	wg.Wait()

	allOK := true
	for _, ok := range results {
		if !ok {
			allOK = false
			break
		}
	}
	if allOK && env.StateLog != nil {
		_ = env.StateLog.SetEnvelopeState(env.ID, statelog.StateDone)
	}
}

// awaitAllConsumersDone loops: if every consumer node's done flag is
// true, it returns true; otherwise it awaits the envelope-level
// trigger (advanced on every consumer completion) and re-checks.
func (e *Envelope) awaitAllConsumersDone() bool {
	for {
		if e.Stopped() {
			return false
		}
		_, consumers := e.allNodes()
		allDone := true
		for _, n := range consumers {
			if !n.Done() {
				allDone = false
				break
			}
		}
		if allDone {
			return true
		}
		gen := e.trigger.Recv() + 1
		if !e.trigger.Wait(gen) {
			return false
		}
	}
}
