package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNoopMetrics(t *testing.T) {
	var m Gateway = Noop{}
	m.ObserveRequest("GET", "/api", "200", 0.1)
	m.IncAuth(AuthValidated)
	m.IncUpstreamError("api", "500")
}

func TestGatewayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGatewayProm("relaygate", reg)
	m.ObserveRequest("GET", "/api/offers", "200", 0.01)
	m.IncAuth(AuthRefreshed)
	m.IncAuth(AuthRefreshed)
	m.IncUpstreamError("api", "502")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "relaygate_http_requests_total", map[string]string{"method": "GET", "route": "/api/offers", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "relaygate_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/api/offers"}) {
		t.Fatalf("expected http_request_duration metric")
	}
	if !hasMetric(families, "relaygate_upstream_errors_total", map[string]string{"service": "api", "status": "502"}) {
		t.Fatalf("expected upstream_errors metric")
	}

	gp := m.(*gatewayProm)
	if got := testutil.ToFloat64(gp.auth.WithLabelValues(AuthRefreshed)); got != 2 {
		t.Errorf("auth refreshed = %v, want 2", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := NewRegistry()
	m := NewGatewayProm("relaygate", reg)
	m.IncAuth(AuthBypass)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `relaygate_auth_outcomes_total{outcome="bypass"} 1`) {
		t.Errorf("missing auth counter in output")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Errorf("missing go collector output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelsMatch(m.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(want) == 0 {
		return true
	}
	found := 0
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; ok && v == p.GetValue() {
			found++
		}
	}
	return found == len(want)
}
