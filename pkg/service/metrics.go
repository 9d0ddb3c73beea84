package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type outcome struct {
	path   string
	result string
}

type orchestratorMetrics struct {
	mu       sync.Mutex
	calls    map[outcome]*uint64
	warnings map[model.Platform]*uint64

	compensationsTotal uint64
	orphansTotal       uint64
}

func newOrchestratorMetrics(log *logrus.Logger) *orchestratorMetrics {
	m := &orchestratorMetrics{
		calls:    make(map[outcome]*uint64),
		warnings: make(map[model.Platform]*uint64),
	}
	m.register(log)
	return m
}

func (m *orchestratorMetrics) register(log *logrus.Logger) {
	meter := otel.GetMeterProvider().Meter("provisioningservice.orchestrator")

	// 1. 按路径/结果统计调用次数
	_, err := meter.Int64ObservableGauge("app_provisioning_calls_total",
		metric.WithUnit("{calls}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			for k, v := range m.calls {
				obs.Observe(int64(atomic.LoadUint64(v)),
					metric.WithAttributes(attribute.String("path", k.path), attribute.String("result", k.result)))
			}
			return nil
		}),
	)
	if err != nil {
		log.Warnf("failed to register provisioning call metric: %v", err)
	}

	// 2. 按平台统计 reconciliation warning
	_, err = meter.Int64ObservableGauge("app_reconciliation_warnings_total",
		metric.WithUnit("{warnings}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			for p, v := range m.warnings {
				obs.Observe(int64(atomic.LoadUint64(v)), metric.WithAttributes(attribute.String("platform", string(p))))
			}
			return nil
		}),
	)
	if err != nil {
		log.Warnf("failed to register warning metric: %v", err)
	}

	// 3. 补偿与遗留账号
	_, err = meter.Int64ObservableGauge("app_compensation_total",
		metric.WithUnit("{ops}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&m.compensationsTotal)), metric.WithAttributes(attribute.String("kind", "compensated")))
			obs.Observe(int64(atomic.LoadUint64(&m.orphansTotal)), metric.WithAttributes(attribute.String("kind", "orphaned")))
			return nil
		}),
	)
	if err != nil {
		log.Warnf("failed to register compensation metric: %v", err)
	}
}

func (m *orchestratorMetrics) call(path, result string) {
	m.mu.Lock()
	v, ok := m.calls[outcome{path, result}]
	if !ok {
		v = new(uint64)
		m.calls[outcome{path, result}] = v
	}
	m.mu.Unlock()
	atomic.AddUint64(v, 1)
}

func (m *orchestratorMetrics) warning(p model.Platform) {
	m.mu.Lock()
	v, ok := m.warnings[p]
	if !ok {
		v = new(uint64)
		m.warnings[p] = v
	}
	m.mu.Unlock()
	atomic.AddUint64(v, 1)
}
