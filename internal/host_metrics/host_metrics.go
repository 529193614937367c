package host_metrics

import (
	"context"
	"sync"

	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/benmeehan/tunnel-agent/internal/utils"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

// Sampler collects host-level metrics on a shared worker pool.
type Sampler struct {
	pool   *utils.WorkerPool
	logger zerolog.Logger
}

// NewSampler creates a Sampler backed by the given number of workers.
func NewSampler(workers int, logger zerolog.Logger) *Sampler {
	return &Sampler{
		pool:   utils.NewWorkerPool(workers, workers),
		logger: logger,
	}
}

// Sample collects CPU, memory and uptime readings concurrently. Probes that
// fail or outlive ctx are left out of the snapshot, and nil is returned when
// no probe succeeded in time.
func (s *Sampler) Sample(ctx context.Context) *models.HostMetrics {
	var (
		mu        sync.Mutex
		collected int
		metrics   models.HostMetrics
		wg        sync.WaitGroup
	)

	probes := []func(){
		func() {
			cpuPercentages, err := cpu.Percent(0, false)
			if err != nil || len(cpuPercentages) == 0 {
				s.logger.Error().Err(err).Msg("Failed to get CPU usage")
				return
			}
			mu.Lock()
			metrics.CPUPercent = cpuPercentages[0]
			collected++
			mu.Unlock()
		},
		func() {
			memStats, err := mem.VirtualMemory()
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to get memory usage")
				return
			}
			mu.Lock()
			metrics.MemoryPercent = memStats.UsedPercent
			collected++
			mu.Unlock()
		},
		func() {
			uptime, err := host.Uptime()
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to get host uptime")
				return
			}
			mu.Lock()
			metrics.UptimeSeconds = uptime
			collected++
			mu.Unlock()
		},
	}

	wg.Add(len(probes))
	for _, probe := range probes {
		probe := probe
		s.pool.Submit(func() {
			defer wg.Done()
			probe()
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Host metrics collection timed out, reporting a partial snapshot")
	}

	mu.Lock()
	defer mu.Unlock()
	if collected == 0 {
		return nil
	}
	snapshot := metrics
	return &snapshot
}

// Close releases the worker pool.
func (s *Sampler) Close() {
	s.pool.Shutdown()
}
