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
	"time"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"
	"github.com/mackerelio/go-osstat/network"
	"github.com/rcrowley/go-metrics"
)

// HostMetrics samples cpu, memory and network of the generator host into go-metrics gauges
type HostMetrics struct {
	networkInterface string
	sampleWindow     time.Duration

	cpuUserSystemPercent metrics.Gauge

	memTotal     metrics.Gauge
	memFree      metrics.Gauge
	memUsed      metrics.Gauge
	memCached    metrics.Gauge
	memSwapTotal metrics.Gauge
	memSwapUsed  metrics.Gauge
	memSwapFree  metrics.Gauge

	rx metrics.Gauge
	tx metrics.Gauge
}

func NewHostMetrics(registry metrics.Registry, networkInterface string) *HostMetrics {
	gauge := func(name string) metrics.Gauge {
		return metrics.GetOrRegisterGauge(name, registry)
	}
	return &HostMetrics{
		networkInterface:     networkInterface,
		sampleWindow:         time.Second,
		cpuUserSystemPercent: gauge("cpu_used"),
		memTotal:             gauge("mem_total"),
		memFree:              gauge("mem_free"),
		memUsed:              gauge("mem_used"),
		memCached:            gauge("mem_cached"),
		memSwapTotal:         gauge("mem_swap_total"),
		memSwapUsed:          gauge("mem_swap_used"),
		memSwapFree:          gauge("mem_swap_free"),
		rx:                   gauge(fmt.Sprintf("net_%s_rx", networkInterface)),
		tx:                   gauge(fmt.Sprintf("net_%s_tx", networkInterface)),
	}
}

// CPU user + system cpu used over the sample window
func (m *HostMetrics) CPU(ctx context.Context) (int64, error) {
	before, err := cpu.Get()
	if err != nil {
		return 0, fmt.Errorf("failed to get cpu metrics: %w", err)
	}
	if err := Sleep(ctx, m.sampleWindow); err != nil {
		return 0, err
	}
	after, err := cpu.Get()
	if err != nil {
		return 0, fmt.Errorf("failed to get cpu metrics: %w", err)
	}
	total := float64(after.Total - before.Total)
	if total == 0 {
		return 0, nil
	}
	return int64(100 - float64(after.Idle-before.Idle)/total*100), nil
}

func (m *HostMetrics) selectNetworkInterface(stats []network.Stats) (network.Stats, error) {
	for _, nd := range stats {
		if nd.Name == m.networkInterface {
			return nd, nil
		}
	}
	return network.Stats{}, fmt.Errorf("no interface found, interface %s doesn't exist", m.networkInterface)
}

// Network rx/tx bytes of the interface over the sample window
func (m *HostMetrics) Network(ctx context.Context) (int64, int64, error) {
	before, err := network.Get()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get network metrics: %w", err)
	}
	beforeData, err := m.selectNetworkInterface(before)
	if err != nil {
		return 0, 0, err
	}
	if err := Sleep(ctx, m.sampleWindow); err != nil {
		return 0, 0, err
	}
	after, err := network.Get()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get network metrics: %w", err)
	}
	afterData, err := m.selectNetworkInterface(after)
	if err != nil {
		return 0, 0, err
	}
	return int64(afterData.RxBytes - beforeData.RxBytes), int64(afterData.TxBytes - beforeData.TxBytes), nil
}

func (m *HostMetrics) sample(ctx context.Context) {
	if cpuUsed, err := m.CPU(ctx); err == nil {
		m.cpuUserSystemPercent.Update(cpuUsed)
	} else {
		log.Infof("[ OS Metrics ] %s", err)
	}
	if mem, err := memory.Get(); err == nil {
		m.memTotal.Update(int64(mem.Total))
		m.memFree.Update(int64(mem.Free))
		m.memUsed.Update(int64(mem.Used))
		m.memCached.Update(int64(mem.Cached))
		m.memSwapTotal.Update(int64(mem.SwapTotal))
		m.memSwapUsed.Update(int64(mem.SwapUsed))
		m.memSwapFree.Update(int64(mem.SwapFree))
	} else {
		log.Infof("[ OS Metrics ] failed to get memory metrics: %s", err)
	}
	if m.networkInterface == "" {
		return
	}
	if rx, tx, err := m.Network(ctx); err == nil {
		m.rx.Update(rx)
		m.tx.Update(tx)
	} else {
		log.Infof("[ OS Metrics ] %s", err)
	}
}

// Watch updates generator host metrics every interval until ctx is done
func (m *HostMetrics) Watch(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample(ctx)
			}
		}
	}()
}
