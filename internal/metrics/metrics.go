// Package metrics はプロセス共通の Prometheus レジストリを提供します。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace はすべてのメトリクス名の接頭辞です。
const Namespace = "relayforge"

var registry = prometheus.NewRegistry()

// Registry は各パッケージがメトリクスを登録するレジストリです。
func Registry() prometheus.Registerer {
	return registry
}

// Handler は GET /metrics 用のハンドラーです。Go ランタイムの既定メトリクスも含めます。
func Handler() http.Handler {
	gatherers := prometheus.Gatherers{
		prometheus.DefaultGatherer,
		registry,
	}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}
