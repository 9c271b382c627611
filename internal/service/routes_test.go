package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/routing"
)

type countingPublisher struct{ n atomic.Int32 }

func (p *countingPublisher) Publish(context.Context) error {
	p.n.Add(1)
	return nil
}

func newTestRoutes(t *testing.T) (*RouteService, *config.Store, *countingPublisher) {
	t.Helper()
	store := newTestStore(t)
	pub := &countingPublisher{}
	urls := map[string]string{
		routing.ServiceAuth: "http://auth.internal:3001",
		routing.ServiceAPI:  "http://api.internal:3002",
	}
	svc := NewRouteService(RouteServiceConfig{
		Table:     routing.NewTable(routing.DefaultServices(), urls),
		Store:     store,
		Static:    routing.DefaultServices(),
		URLs:      urls,
		Publisher: pub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return svc, store, pub
}

func TestRegisterServiceTakesEffect(t *testing.T) {
	svc, _, pub := newTestRoutes(t)
	ctx := context.Background()

	_, err := svc.RegisterService(ctx, model.ServiceRoutes{
		BasePath:      "/billing",
		ServiceKey:    "billing",
		DefaultAccess: model.Access{AllowedRoles: []model.Role{model.RoleAdmin}},
		Routes:        []model.SubRoute{{Path: "/plans", IsPublic: true}},
	})
	if err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	if pub.n.Load() != 1 {
		t.Errorf("publish count: got %d, want 1", pub.n.Load())
	}
	if err := svc.PutUpstream(ctx, &model.Upstream{Key: "billing", BaseURL: "http://billing.internal"}); err != nil {
		t.Fatalf("PutUpstream: %v", err)
	}

	got, err := svc.Table().Resolve("/billing/plans", "GET", "")
	if err != nil {
		t.Fatalf("Resolve public: %v", err)
	}
	if got != "http://billing.internal" {
		t.Errorf("Resolve: got %q", got)
	}
	if _, err := svc.Table().Resolve("/billing/invoices", "GET", model.RoleUser); err == nil {
		t.Error("expected USER to be denied on /billing/invoices")
	}
	if _, err := svc.Table().Resolve("/billing/invoices", "GET", model.RoleAdmin); err != nil {
		t.Errorf("ADMIN should reach /billing/invoices: %v", err)
	}
}

func TestRegisterServiceRejectsInvalid(t *testing.T) {
	svc, _, pub := newTestRoutes(t)

	_, err := svc.RegisterService(context.Background(), model.ServiceRoutes{BasePath: "/_gateway/x", ServiceKey: "x"})
	if !errors.Is(err, routing.ErrInvalidRoute) {
		t.Errorf("expected ErrInvalidRoute, got %v", err)
	}
	if pub.n.Load() != 0 {
		t.Error("invalid registration should not publish")
	}
}

func TestAddSubRouteToStaticService(t *testing.T) {
	svc, _, _ := newTestRoutes(t)
	ctx := context.Background()

	if _, err := svc.Table().Resolve("/api/status", "GET", ""); err == nil {
		t.Fatal("expected /api/status to require a role before the change")
	}
	if _, err := svc.AddSubRoute(ctx, "/api", model.SubRoute{Path: "/status", IsPublic: true}); err != nil {
		t.Fatalf("AddSubRoute: %v", err)
	}
	if _, err := svc.Table().Resolve("/api/status", "GET", ""); err != nil {
		t.Errorf("expected /api/status to be public: %v", err)
	}

	_, err := svc.AddSubRoute(ctx, "/nowhere", model.SubRoute{Path: "/x"})
	if !errors.Is(err, routing.ErrUnknownService) {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}
}

func TestReloadRestoresStoredChanges(t *testing.T) {
	svc, store, _ := newTestRoutes(t)
	ctx := context.Background()

	if _, err := svc.AddSubRoute(ctx, "/api", model.SubRoute{Path: "/status", IsPublic: true}); err != nil {
		t.Fatalf("AddSubRoute: %v", err)
	}

	// A second instance sharing the store sees the change after Reload.
	other := NewRouteService(RouteServiceConfig{
		Table:  routing.NewTable(routing.DefaultServices(), nil),
		Store:  store,
		Static: routing.DefaultServices(),
		URLs:   map[string]string{routing.ServiceAPI: "http://api.internal:3002"},
	})
	if err := other.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, err := other.Table().Resolve("/api/status", "GET", ""); err != nil {
		t.Errorf("reloaded table should expose /api/status: %v", err)
	}
}

func TestRemoveService(t *testing.T) {
	svc, _, _ := newTestRoutes(t)
	ctx := context.Background()

	if err := svc.RemoveService(ctx, "/api"); !errors.Is(err, ErrStaticService) {
		t.Errorf("expected ErrStaticService, got %v", err)
	}
	if err := svc.RemoveService(ctx, "/missing"); !errors.Is(err, config.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Overriding a static service and removing the override restores it.
	_, err := svc.RegisterService(ctx, model.ServiceRoutes{
		BasePath:      "/api",
		ServiceKey:    routing.ServiceAPI,
		DefaultAccess: model.Access{IsPublic: true},
	})
	if err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	if _, err := svc.Table().Resolve("/api/users", "GET", ""); err != nil {
		t.Fatalf("override should make /api public: %v", err)
	}
	if err := svc.RemoveService(ctx, "/api"); err != nil {
		t.Fatalf("RemoveService: %v", err)
	}
	if _, err := svc.Table().Resolve("/api/users", "GET", ""); err == nil {
		t.Error("expected static /api rules to be back")
	}
}

func TestUpstreams(t *testing.T) {
	svc, _, _ := newTestRoutes(t)
	ctx := context.Background()

	if err := svc.PutUpstream(ctx, &model.Upstream{Key: "api", BaseURL: "ftp://nope"}); !errors.Is(err, ErrInvalidUpstream) {
		t.Errorf("expected ErrInvalidUpstream, got %v", err)
	}
	if err := svc.PutUpstream(ctx, &model.Upstream{Key: "api", BaseURL: "http://api-v2.internal"}); err != nil {
		t.Fatalf("PutUpstream: %v", err)
	}

	ups, err := svc.Upstreams(ctx)
	if err != nil {
		t.Fatalf("Upstreams: %v", err)
	}
	if len(ups) != 2 {
		t.Fatalf("expected 2 upstreams, got %d", len(ups))
	}
	if ups[0].Key != "api" || ups[0].Source != model.SourceStore || ups[0].BaseURL != "http://api-v2.internal" {
		t.Errorf("api upstream: got %+v", ups[0])
	}
	if ups[1].Key != "auth" || ups[1].Source != model.SourceConfig {
		t.Errorf("auth upstream: got %+v", ups[1])
	}

	got, _ := svc.Table().Resolve("/api/users", "GET", model.RoleAdmin)
	if got != "http://api-v2.internal" {
		t.Errorf("stored URL should win, got %q", got)
	}

	if err := svc.DeleteUpstream(ctx, "api"); err != nil {
		t.Fatalf("DeleteUpstream: %v", err)
	}
	got, _ = svc.Table().Resolve("/api/users", "GET", model.RoleAdmin)
	if got != "http://api.internal:3002" {
		t.Errorf("configured URL should be back, got %q", got)
	}
}
