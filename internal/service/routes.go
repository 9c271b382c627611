package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/routing"
)

var (
	// ErrStaticService is returned when removing a base path that comes from
	// configuration rather than the store.
	ErrStaticService = errors.New("service is defined in configuration")

	// ErrInvalidUpstream is returned for an unusable upstream base URL.
	ErrInvalidUpstream = errors.New("invalid upstream")
)

// Publisher announces route changes to other gateway instances.
type Publisher interface {
	Publish(ctx context.Context) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context) error { return nil }

// RouteServiceConfig wires a RouteService.
type RouteServiceConfig struct {
	Table     *routing.Table
	Store     *config.Store
	Static    []model.ServiceRoutes
	URLs      map[string]string
	Publisher Publisher
	Logger    *slog.Logger
}

// RouteService owns changes to the route table. Every change is written to
// the store first, then the live table is rebuilt from the static
// configuration with the stored registrations layered on top, and finally
// other instances are told to do the same.
type RouteService struct {
	table     *routing.Table
	store     *config.Store
	static    []model.ServiceRoutes
	urls      map[string]string
	publisher Publisher
	logger    *slog.Logger
	mu        sync.Mutex
}

func NewRouteService(cfg RouteServiceConfig) *RouteService {
	s := &RouteService{
		table:     cfg.Table,
		store:     cfg.Store,
		static:    cfg.Static,
		urls:      cfg.URLs,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.urls == nil {
		s.urls = map[string]string{}
	}
	return s
}

// SetPublisher replaces the change publisher.
func (s *RouteService) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		p = nopPublisher{}
	}
	s.publisher = p
}

// Table returns the live route table.
func (s *RouteService) Table() *routing.Table { return s.table }

// Reload rebuilds the live table from configuration and the store.
func (s *RouteService) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload(ctx)
}

func (s *RouteService) reload(ctx context.Context) error {
	registered, err := s.store.ListServices(ctx)
	if err != nil {
		return err
	}
	added, err := s.store.ListAddedSubRoutes(ctx)
	if err != nil {
		return err
	}
	upstreams, err := s.store.ListUpstreams(ctx)
	if err != nil {
		return err
	}

	urls := make(map[string]string, len(s.urls)+len(upstreams))
	for k, v := range s.urls {
		urls[k] = v
	}
	for _, up := range upstreams {
		urls[up.Key] = up.BaseURL
	}

	staging := routing.NewTable(s.static, urls)
	for _, svc := range registered {
		staging.RegisterService(svc)
	}
	for _, sub := range added {
		if err := staging.AddSubRoute(sub.BasePath, sub.Route); err != nil {
			s.logger.Warn("skipping stored sub-route", "base_path", sub.BasePath, "path", sub.Route.Path, "error", err)
		}
	}

	s.table.Replace(staging.Services(), staging.ServiceURLs())
	s.logger.Debug("route table rebuilt",
		"services", len(staging.Services()), "rules", len(staging.Rules()), "upstreams", len(urls))
	return nil
}

func (s *RouteService) commit(ctx context.Context) error {
	if err := s.reload(ctx); err != nil {
		return fmt.Errorf("rebuild route table: %w", err)
	}
	if err := s.publisher.Publish(ctx); err != nil {
		s.logger.Warn("route change not published", "error", err)
	}
	return nil
}

// RegisterService validates svc, stores it and puts it ahead of every
// existing service.
func (s *RouteService) RegisterService(ctx context.Context, svc model.ServiceRoutes) (*model.ServiceRoutes, error) {
	if err := routing.ValidateService(&svc); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SaveService(ctx, &svc); err != nil {
		return nil, err
	}
	s.logger.Info("service registered", "base_path", svc.BasePath, "service_key", svc.ServiceKey, "routes", len(svc.Routes))
	return &svc, s.commit(ctx)
}

// AddSubRoute validates sub, stores it and puts it ahead of the existing
// sub-routes of basePath.
func (s *RouteService) AddSubRoute(ctx context.Context, basePath string, sub model.SubRoute) (*model.SubRoute, error) {
	if err := routing.ValidateSubRoute(&sub); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasService(basePath) {
		return nil, fmt.Errorf("%w: %s", routing.ErrUnknownService, basePath)
	}
	if err := s.store.AddSubRoute(ctx, basePath, &sub); err != nil {
		return nil, err
	}
	s.logger.Info("sub-route added", "base_path", basePath, "path", sub.Path)
	return &sub, s.commit(ctx)
}

// RemoveService removes a stored registration. Services that come from
// configuration cannot be removed.
func (s *RouteService) RemoveService(ctx context.Context, basePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.store.DeleteService(ctx, basePath)
	if errors.Is(err, config.ErrNotFound) {
		for _, svc := range s.static {
			if svc.BasePath == basePath {
				return fmt.Errorf("%w: %s", ErrStaticService, basePath)
			}
		}
		return err
	}
	if err != nil {
		return err
	}
	s.logger.Info("service removed", "base_path", basePath)
	return s.commit(ctx)
}

// PutUpstream stores the base URL of a service key. Stored URLs override
// configured ones.
func (s *RouteService) PutUpstream(ctx context.Context, up *model.Upstream) error {
	if up.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidUpstream)
	}
	u, err := url.Parse(up.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: base URL %q must be an absolute http(s) URL", ErrInvalidUpstream, up.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%w: base URL %q must not carry a query or fragment", ErrInvalidUpstream, up.BaseURL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.PutUpstream(ctx, up); err != nil {
		return err
	}
	up.Source = model.SourceStore
	s.logger.Info("upstream updated", "key", up.Key, "base_url", up.BaseURL)
	return s.commit(ctx)
}

// DeleteUpstream removes a stored upstream. A configured URL for the same
// key takes effect again.
func (s *RouteService) DeleteUpstream(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeleteUpstream(ctx, key); err != nil {
		return err
	}
	s.logger.Info("upstream removed", "key", key)
	return s.commit(ctx)
}

// Upstreams returns the effective upstream URLs with their source.
func (s *RouteService) Upstreams(ctx context.Context) ([]model.Upstream, error) {
	stored, err := s.store.ListUpstreams(ctx)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]model.Upstream)
	for k, v := range s.urls {
		if v != "" {
			byKey[k] = model.Upstream{Key: k, BaseURL: v, Source: model.SourceConfig}
		}
	}
	for _, up := range stored {
		up.Source = model.SourceStore
		byKey[up.Key] = up
	}
	out := make([]model.Upstream, 0, len(byKey))
	for _, up := range byKey {
		out = append(out, up)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *RouteService) hasService(basePath string) bool {
	for _, svc := range s.table.Services() {
		if svc.BasePath == basePath {
			return true
		}
	}
	return false
}
