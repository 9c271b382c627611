package routing

import (
	"net/http"
	"testing"

	"github.com/relaygate/relaygate/internal/model"
)

func TestExplain(t *testing.T) {
	table := newDefaultTable()

	d := table.Explain("/api/offers", "POST", model.RoleBusiness)
	if !d.Allowed || d.ServiceURL == "" || d.Error != nil {
		t.Fatalf("BUSINESS POST /api/offers: %+v", d)
	}
	if d.Rule == nil || d.Rule.PathPattern != "/api/offers" {
		t.Errorf("rule = %+v", d.Rule)
	}

	d = table.Explain("/api/offers", "POST", model.RoleUser)
	if d.Allowed || d.Error == nil || d.Error.StatusCode != http.StatusForbidden {
		t.Fatalf("USER POST /api/offers: %+v", d)
	}
	if d.Rule == nil {
		t.Error("a denied request still reports the matched rule")
	}

	d = table.Explain("/nowhere", "GET", "")
	if d.Allowed || d.Rule != nil || d.Error == nil || d.Error.StatusCode != http.StatusNotFound {
		t.Fatalf("/nowhere: %+v", d)
	}
	if d.Error.Message != "No service found for path: /nowhere" {
		t.Errorf("message = %q", d.Error.Message)
	}
}
