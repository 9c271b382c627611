package routing

import (
	"errors"
	"net/http"

	"github.com/relaygate/relaygate/internal/apierr"
	"github.com/relaygate/relaygate/internal/model"
)

// Decision explains how the table handles one request.
type Decision struct {
	Path       string              `json:"path"`
	Method     string              `json:"method"`
	Role       model.Role          `json:"role,omitempty"`
	Allowed    bool                `json:"allowed"`
	Rule       *model.RouteRule    `json:"rule,omitempty"`
	ServiceURL string              `json:"service_url,omitempty"`
	Error      *model.GatewayError `json:"error,omitempty"`
}

// Explain resolves rawPath like Resolve and reports the matched rule along
// with the outcome, without failing.
func (t *Table) Explain(rawPath, method string, role model.Role) Decision {
	d := Decision{Path: rawPath, Method: method, Role: role}
	if rule, ok := t.Match(rawPath, method); ok {
		d.Rule = &rule
	}
	target, err := t.Resolve(rawPath, method, role)
	if err != nil {
		status, message := http.StatusInternalServerError, err.Error()
		var ae *apierr.Error
		if errors.As(err, &ae) {
			status, message = ae.Status(), ae.Message
		}
		d.Error = &model.GatewayError{
			StatusCode: status,
			Message:    message,
			Error:      http.StatusText(status),
		}
		return d
	}
	d.Allowed = true
	d.ServiceURL = target
	return d
}
