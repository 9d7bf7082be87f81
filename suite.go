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
	"fmt"
)

// ExitCodeThresholdsFailed is the process exit code when a report failed
const ExitCodeThresholdsFailed = 99

// AttackerFactory returns the prototype attack of a handle
type AttackerFactory func(string) (Attack, error)

// ChecksFactory returns a custom stop check of a handle, nil selects the stop_if checks
type ChecksFactory func(string) RuntimeCheckFunc

type BeforeSuite func(config *GeneratorConfig) error
type AfterSuite func(config *GeneratorConfig) error

// RunOptions optional suite hooks
type RunOptions struct {
	BeforeSuite BeforeSuite
	AfterSuite  AfterSuite
}

// Run runs the suite and reports whether any handle failed
func Run(ctx context.Context, suiteCfg *SuiteConfig, genCfg *GeneratorConfig, factory AttackerFactory, checksFactory ChecksFactory, opts RunOptions) (*LoadManager, error) {
	lm, err := SuiteFromSteps(factory, checksFactory, suiteCfg, genCfg)
	if err != nil {
		return nil, err
	}
	if opts.BeforeSuite != nil {
		if err := opts.BeforeSuite(lm.GeneratorConfig); err != nil {
			return nil, fmt.Errorf("before suite func failed: %w", err)
		}
	}
	if err := lm.RunSuite(ctx); err != nil {
		return lm, err
	}
	if opts.AfterSuite != nil {
		if err := opts.AfterSuite(lm.GeneratorConfig); err != nil {
			return lm, fmt.Errorf("after suite func failed: %w", err)
		}
	}
	return lm, nil
}

// SuiteFromSteps create runners for every step
func SuiteFromSteps(factory AttackerFactory, checksFactory ChecksFactory, cfg *SuiteConfig, genCfg *GeneratorConfig) (*LoadManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lm := NewLoadManager(cfg, genCfg)
	for _, step := range lm.SuiteConfig.Steps {
		runners := make([]*Runner, 0, len(step.Handles))
		for _, handle := range step.Handles {
			a, err := factory(handle.HandleName)
			if err != nil {
				return nil, err
			}
			var check RuntimeCheckFunc
			if checksFactory != nil {
				check = checksFactory(handle.HandleName)
			}
			r, err := NewRunner(handle.HandleName, lm, a, check, handle)
			if err != nil {
				return nil, err
			}
			runners = append(runners, r)
		}
		lm.Steps = append(lm.Steps, RunStep{
			Name:          step.Name,
			ExecutionMode: step.ExecutionMode,
			Runners:       runners,
		})
	}
	return lm, nil
}
