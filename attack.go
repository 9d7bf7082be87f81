/*
 *    Copyright [2020] Sergey Kudasov
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package vuload

import (
	"context"
	e "errors"
	"time"
)

// Attack must be implemented by a scenario, one clone runs per virtual user.
type Attack interface {
	Runnable
	// Setup should establish the connection to the service
	// It may want to access the Config of the Runner.
	Setup(c RunnerConfig) error
	// Do performs one iteration and is executed in a separate goroutine.
	// The context is cancelled on iteration timeout or when the run ends.
	Do(ctx context.Context) DoResult
	// Teardown can be used to close the connection to the service
	Teardown() error
	// Clone should return a fresh new Attack
	// Make sure the new Attack has values for shared struct fields initialized at Setup.
	Clone(r *Runner) Attack
}

// Runnable contains default generator/suite configs and methods to access them
type Runnable interface {
	// GetManager get test manager with all required data files/readers/writers
	GetManager() *LoadManager
	// GetRunner get current runner
	GetRunner() *Runner
}

// WithRunner embeds Runner with all configs to be accessible for attacker
type WithRunner struct {
	R *Runner
}

func (a *WithRunner) Teardown() error { return nil }

func (a *WithRunner) GetManager() *LoadManager {
	if a.R == nil {
		return nil
	}
	return a.R.Manager
}

func (a *WithRunner) GetRunner() *Runner {
	return a.R
}

var (
	errAttackDoTimedOut     = e.New("Attack Do(ctx) timedout")
	errIterationInterrupted = e.New("iteration interrupted by the end of the run")
)

// iterationGracePeriod bounds the wait for an attacker still inside Do after its context is done
var iterationGracePeriod = 5 * time.Second

// attack runs iterations of attacker until ctx is done.
// With a nil next channel iterations run back to back, otherwise each one waits for a token.
// attack sends a result on the results channel after each iteration.
func attack(ctx context.Context, attacker Attack, next <-chan struct{}, results chan<- result, timeout time.Duration) {
	for {
		if next != nil {
			select {
			case <-ctx.Done():
				return
			case <-next:
			}
		} else if ctx.Err() != nil {
			return
		}
		results <- iterate(ctx, attacker, timeout)
	}
}

// iterate calls attacker.Do once, either get the result from the attacker or from the timeout
func iterate(ctx context.Context, attacker Attack, timeout time.Duration) result {
	begin := time.Now()
	doCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan DoResult, 1)
	go func() {
		done <- attacker.Do(doCtx)
	}()
	var dor DoResult
	select {
	case <-doCtx.Done():
		cutErr := errAttackDoTimedOut
		if ctx.Err() != nil {
			cutErr = errIterationInterrupted
		}
		dor = awaitDo(done)
		dor.Error = cutErr
	case dor = <-done:
		if ctx.Err() != nil && dor.Error == nil {
			// the scenario returned early because the run ended under it
			dor.Error = errIterationInterrupted
		}
	}
	end := time.Now()
	return result{
		doResult: dor,
		begin:    begin,
		end:      end,
		elapsed:  end.Sub(begin),
	}
}

// awaitDo waits for Do to return so that no attacker work outlives the run
func awaitDo(done <-chan DoResult) DoResult {
	grace := time.NewTimer(iterationGracePeriod)
	defer grace.Stop()
	select {
	case dor := <-done:
		return dor
	case <-grace.C:
		log.Errorf("attacker ignored cancellation for %s, leaving it behind", iterationGracePeriod)
		return DoResult{}
	}
}

// Sleep pauses the calling virtual user, returns early with ctx.Err() when the run ends
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
