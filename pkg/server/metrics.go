package server

import "sync/atomic"

// EngineMetrics is a point-in-time snapshot of engine counters.
type EngineMetrics struct {
	HTTPCalls         int64
	SocketCalls       int64
	CallErrors        int64
	Denials           int64
	ActiveCalls       int64
	SocketConnections int64
	SocketsTotal      int64
	CallbackStubs     int64
	CallbackCalls     int64
	SessionCommits    int64
}

// MetricsCollector counts engine activity with atomics. It is cheap
// enough to stay always on; the middleware package exports the same
// numbers to Prometheus.
type MetricsCollector struct {
	httpCalls         atomic.Int64
	socketCalls       atomic.Int64
	callErrors        atomic.Int64
	denials           atomic.Int64
	activeCalls       atomic.Int64
	socketConnections atomic.Int64
	socketsTotal      atomic.Int64
	callbackStubs     atomic.Int64
	callbackCalls     atomic.Int64
	sessionCommits    atomic.Int64
}

// NewMetricsCollector returns a zeroed collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

func (m *MetricsCollector) RecordHTTPCall() { m.httpCalls.Add(1) }

func (m *MetricsCollector) RecordSocketCall() { m.socketCalls.Add(1) }

func (m *MetricsCollector) RecordCallError() { m.callErrors.Add(1) }

func (m *MetricsCollector) RecordDenial() { m.denials.Add(1) }

func (m *MetricsCollector) CallStarted() { m.activeCalls.Add(1) }

func (m *MetricsCollector) CallFinished() { m.activeCalls.Add(-1) }

func (m *MetricsCollector) SocketOpened() {
	m.socketConnections.Add(1)
	m.socketsTotal.Add(1)
}

func (m *MetricsCollector) SocketClosed() { m.socketConnections.Add(-1) }

func (m *MetricsCollector) StubAdded() { m.callbackStubs.Add(1) }

func (m *MetricsCollector) StubDropped() { m.callbackStubs.Add(-1) }

func (m *MetricsCollector) RecordCallbackCall() { m.callbackCalls.Add(1) }

func (m *MetricsCollector) RecordSessionCommit() { m.sessionCommits.Add(1) }

// Snapshot returns the current counter values.
func (m *MetricsCollector) Snapshot() EngineMetrics {
	return EngineMetrics{
		HTTPCalls:         m.httpCalls.Load(),
		SocketCalls:       m.socketCalls.Load(),
		CallErrors:        m.callErrors.Load(),
		Denials:           m.denials.Load(),
		ActiveCalls:       m.activeCalls.Load(),
		SocketConnections: m.socketConnections.Load(),
		SocketsTotal:      m.socketsTotal.Load(),
		CallbackStubs:     m.callbackStubs.Load(),
		CallbackCalls:     m.callbackCalls.Load(),
		SessionCommits:    m.sessionCommits.Load(),
	}
}

// Reset zeroes every counter. Tests use it between cases.
func (m *MetricsCollector) Reset() {
	m.httpCalls.Store(0)
	m.socketCalls.Store(0)
	m.callErrors.Store(0)
	m.denials.Store(0)
	m.activeCalls.Store(0)
	m.socketConnections.Store(0)
	m.socketsTotal.Store(0)
	m.callbackStubs.Store(0)
	m.callbackCalls.Store(0)
	m.sessionCommits.Store(0)
}
