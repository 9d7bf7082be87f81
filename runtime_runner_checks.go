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
	"errors"
	"fmt"
	"strings"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

var errNotBoolQuery = errors.New("only bool queries are allowed in prometheus stop_if checks")

// PromBooleanQuery executes prometheus boolean query, true means the check is tripped
func PromBooleanQuery(ctx context.Context, client v1.API, q string) (bool, error) {
	log.Infof("executing prometheus check: query: %s", q)
	if !strings.Contains(q, "bool") {
		return false, errNotBoolQuery
	}
	val, warnings, err := client.Query(ctx, q, time.Now())
	if err != nil {
		return false, fmt.Errorf("error executing prometheus query: %s: %w", q, err)
	}
	for _, w := range warnings {
		log.Infof("prometheus warning: %s", w)
	}
	log.Infof("check result: %s, val type: %s", val, val.Type())
	switch v := val.(type) {
	case *model.Scalar:
		return v.Value == 1, nil
	case model.Vector:
		if len(v) == 0 {
			return false, nil
		}
		if len(v) > 1 {
			return false, errors.New("ambiguous check, prometheus query must be bool and return one vector or scalar")
		}
		return v[0].Value == 1, nil
	}
	return false, fmt.Errorf("unsupported prometheus value type %s", val.Type())
}

// ErrorPercentCheck is true when the ratio of failed requests is above threshold, a value in [0, 1]
func ErrorPercentCheck(r *Runner, threshold float64) bool {
	s, err := r.Sinks.Get(HTTPReqFailed)
	if err != nil {
		return false
	}
	failed, ok := s.(*Rate)
	if !ok {
		return false
	}
	ratio := failed.Value()
	if r.verbose() {
		r.L.Infof("failed requests ratio: %.4f, threshold: %.4f", ratio, threshold)
	}
	return ratio > threshold
}
