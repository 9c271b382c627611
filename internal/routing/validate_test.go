package routing

import (
	"errors"
	"testing"

	"github.com/relaygate/relaygate/internal/model"
)

func TestValidateService(t *testing.T) {
	ok := model.ServiceRoutes{
		BasePath:   "/media",
		ServiceKey: "media_v2",
		Routes:     []model.SubRoute{{Path: "/up", Methods: []string{"post"}}, {Path: "*"}},
	}
	if err := ValidateService(&ok); err != nil {
		t.Fatalf("ValidateService: %v", err)
	}
	if ok.Routes[0].Methods[0] != "POST" {
		t.Errorf("methods not normalized: %v", ok.Routes[0].Methods)
	}

	bad := []model.ServiceRoutes{
		{BasePath: "media", ServiceKey: "m"},
		{BasePath: "/", ServiceKey: "m"},
		{BasePath: "/media/", ServiceKey: "m"},
		{BasePath: "/_gateway", ServiceKey: "m"},
		{BasePath: "/_gateway/x", ServiceKey: "m"},
		{BasePath: "/media", ServiceKey: "bad key"},
		{BasePath: "/media", ServiceKey: "m", DefaultAccess: model.Access{AllowedRoles: []model.Role{"ROOT"}}},
		{BasePath: "/media", ServiceKey: "m", Routes: []model.SubRoute{{Path: "x"}}},
		{BasePath: "/media", ServiceKey: "m", Routes: []model.SubRoute{{Path: "/x", Methods: []string{"GE T"}}}},
		{BasePath: "/media", ServiceKey: "m", Routes: []model.SubRoute{{Path: "/x?y"}}},
		{BasePath: "/media", ServiceKey: "m", Routes: []model.SubRoute{{Path: "/x", PublicQueryParams: []string{""}}}},
	}
	for _, svc := range bad {
		if err := ValidateService(&svc); !errors.Is(err, ErrInvalidRoute) {
			t.Errorf("ValidateService(%+v) = %v, want ErrInvalidRoute", svc, err)
		}
	}
}
