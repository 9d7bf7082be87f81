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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httputil"
	"strings"
	"sync"
	"time"
)

const (
	RequestHeader      = "========== REQUEST ==========\n%s\n"
	RequestHeaderBody  = "========== REQUEST ==========\n%s\n%s\n"
	ResponseHeaderBody = "========== RESPONSE ==========\n%s\n%s\n"
	ResponseHeader     = "========== RESPONSE ==========\n%s\n"
	HTTPBodyDelimiter  = "\r\n\r\n"
)

// DumpTransport log http request/responses, pprint bodies
type DumpTransport struct {
	r   http.RoundTripper
	out io.Writer
}

func (d *DumpTransport) RoundTrip(h *http.Request) (*http.Response, error) {
	dump, _ := httputil.DumpRequestOut(h, true)
	if bodyIsJson(h.Header) {
		req, body := prettyPrintJsonBody(dump)
		fmt.Fprintf(d.out, RequestHeaderBody, req, body)
	} else {
		fmt.Fprintf(d.out, RequestHeader, dump)
	}
	resp, err := d.r.RoundTrip(h)
	if err != nil {
		return nil, err
	}
	dump, _ = httputil.DumpResponse(resp, true)
	if bodyIsJson(resp.Header) {
		respString, body := prettyPrintJsonBody(dump)
		fmt.Fprintf(d.out, ResponseHeaderBody, respString, body)
		return resp, nil
	}
	fmt.Fprintf(d.out, ResponseHeader, dump)
	return resp, nil
}

// prettyPrintJsonBody returns http format request and pretty printed json body,
// the raw body is kept when it is not valid json
func prettyPrintJsonBody(b []byte) (string, string) {
	sp := strings.SplitN(string(b), HTTPBodyDelimiter, 2)
	if len(sp) != 2 {
		return sp[0], ""
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(sp[1]), "", "    "); err != nil {
		return sp[0], sp[1]
	}
	return sp[0], out.String()
}

func bodyIsJson(h http.Header) bool {
	return strings.Contains(h.Get("content-type"), "application/json")
}

// metricsTransport records http_reqs, http_req_duration and http_req_failed of every request
type metricsTransport struct {
	next     http.RoundTripper
	reqs     *Counter
	duration *Trend
	failed   *Rate
	log      *RequestLog
}

func newMetricsTransport(r *Runner, next http.RoundTripper) (*metricsTransport, error) {
	reqs, err := r.Sinks.Counter(HTTPReqs)
	if err != nil {
		return nil, err
	}
	duration, err := r.Sinks.Trend(HTTPReqDuration)
	if err != nil {
		return nil, err
	}
	failed, err := r.Sinks.Rate(HTTPReqFailed)
	if err != nil {
		return nil, err
	}
	return &metricsTransport{
		next:     next,
		reqs:     reqs,
		duration: duration,
		failed:   failed,
		log:      r.requestLog,
	}, nil
}

func (t *metricsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	begin := time.Now()
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		if !RunEnded(req.Context()) {
			t.reqs.Add(1)
			t.done(req, 0, begin, err)
		}
		return nil, err
	}
	t.reqs.Add(1)
	// duration is taken when the caller is done with the body
	resp.Body = &timedBody{ReadCloser: resp.Body, onClose: func() {
		t.done(req, resp.StatusCode, begin, nil)
	}}
	return resp, nil
}

func (t *metricsTransport) done(req *http.Request, status int, begin time.Time, err error) {
	elapsed := time.Since(begin)
	t.duration.Add(millis(elapsed))
	t.failed.Add(err != nil || status >= http.StatusBadRequest)
	if t.log == nil {
		return
	}
	rec := RequestRecord{
		Time:     begin,
		VU:       VUFromCtx(req.Context()),
		Method:   req.Method,
		URL:      req.URL.String(),
		Status:   status,
		Duration: elapsed,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if werr := t.log.Write(rec); werr != nil {
		log.Errorf("failed to write request log: %s", werr)
	}
}

type timedBody struct {
	io.ReadCloser
	once    sync.Once
	onClose func()
}

func (b *timedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.onClose)
	return err
}

// NewHTTPClient creates a client measuring every request of the runner,
// requests and responses are dumped when dump_transport is set
func NewHTTPClient(r *Runner) (*http.Client, error) {
	cfg := r.GeneratorConfig()
	var transport http.RoundTripper = http.DefaultTransport
	if cfg.Generator.DumpTransport {
		transport = &DumpTransport{r: transport, out: logWriter{}}
	}
	mt, err := newMetricsTransport(r, transport)
	if err != nil {
		return nil, err
	}
	cookieJar, _ := cookiejar.New(nil)
	return &http.Client{
		Transport: mt,
		Timeout:   time.Duration(cfg.Generator.HTTPTimeoutSec) * time.Second,
		Jar:       cookieJar,
	}, nil
}

// logWriter writes dumps through the package logger
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Info(string(p))
	return len(p), nil
}
