// Copyright 2026 Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus collectors for the runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "parley"

	subsystemLLM       = "llm"
	subsystemPool      = "mcp_pool"
	subsystemTools     = "tools"
	subsystemKnowledge = "knowledge"
	subsystemHTTP      = "http"
)

// Metrics holds every collector the runtime records into. A single
// instance is created at startup and shared by the pool, the agent
// runtime, and the knowledge service.
type Metrics struct {
	registry *prometheus.Registry

	llmRequests       *prometheus.CounterVec
	llmTokensSent     *prometheus.CounterVec
	llmTokensReceived *prometheus.CounterVec

	poolSessions prometheus.Gauge
	poolConnects *prometheus.CounterVec

	toolCalls *prometheus.CounterVec

	documentsIngested prometheus.Counter
	chunksIngested    prometheus.Counter
	knowledgeQueries  prometheus.Counter

	httpRequests prometheus.Counter
	httpErrors   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}))
	m.registry.MustRegister(collectors.NewGoCollector())

	m.llmRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemLLM,
		Name:      "requests_total",
		Help:      "The total number of LLM requests made.",
	}, []string{"llm_name"})
	m.registry.MustRegister(m.llmRequests)

	m.llmTokensSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemLLM,
		Name:      "tokens_sent_total",
		Help:      "The total number of prompt tokens sent.",
	}, []string{"llm_name"})
	m.registry.MustRegister(m.llmTokensSent)

	m.llmTokensReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemLLM,
		Name:      "tokens_received_total",
		Help:      "The total number of completion tokens received.",
	}, []string{"llm_name"})
	m.registry.MustRegister(m.llmTokensReceived)

	m.poolSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemPool,
		Name:      "sessions",
		Help:      "The number of live MCP sessions in the pool.",
	})
	m.registry.MustRegister(m.poolSessions)

	m.poolConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemPool,
		Name:      "connects_total",
		Help:      "The total number of MCP connect attempts by outcome.",
	}, []string{"outcome"})
	m.registry.MustRegister(m.poolConnects)

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemTools,
		Name:      "calls_total",
		Help:      "The total number of tool calls by outcome.",
	}, []string{"outcome"})
	m.registry.MustRegister(m.toolCalls)

	m.documentsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemKnowledge,
		Name:      "documents_ingested_total",
		Help:      "The total number of documents ingested.",
	})
	m.registry.MustRegister(m.documentsIngested)

	m.chunksIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemKnowledge,
		Name:      "chunks_ingested_total",
		Help:      "The total number of chunks produced by ingestion.",
	})
	m.registry.MustRegister(m.chunksIngested)

	m.knowledgeQueries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemKnowledge,
		Name:      "queries_total",
		Help:      "The total number of knowledge base queries.",
	})
	m.registry.MustRegister(m.knowledgeQueries)

	m.httpRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemHTTP,
		Name:      "requests_total",
		Help:      "The total number of HTTP API requests.",
	})
	m.registry.MustRegister(m.httpRequests)

	m.httpErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemHTTP,
		Name:      "errors_total",
		Help:      "The total number of HTTP API errors.",
	})
	m.registry.MustRegister(m.httpErrors)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveLLMRequest(llmName string) {
	m.llmRequests.WithLabelValues(llmName).Inc()
}

func (m *Metrics) ObserveLLMTokens(llmName string, sent, received int64) {
	if sent > 0 {
		m.llmTokensSent.WithLabelValues(llmName).Add(float64(sent))
	}
	if received > 0 {
		m.llmTokensReceived.WithLabelValues(llmName).Add(float64(received))
	}
}

func (m *Metrics) SetPoolSessions(n int) {
	m.poolSessions.Set(float64(n))
}

func (m *Metrics) ObserveConnect(outcome string) {
	m.poolConnects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveToolCall(outcome string) {
	m.toolCalls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveIngest(chunks int) {
	m.documentsIngested.Inc()
	m.chunksIngested.Add(float64(chunks))
}

func (m *Metrics) ObserveKnowledgeQuery() {
	m.knowledgeQueries.Inc()
}

func (m *Metrics) IncrementHTTPRequests() {
	m.httpRequests.Inc()
}

func (m *Metrics) IncrementHTTPErrors() {
	m.httpErrors.Inc()
}
