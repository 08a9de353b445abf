// Package proxy keeps the frp reverse proxy's configuration in step with
// the set of alive instances. Each sync builds the full configuration
// from scratch: base template plus one rendered fragment per instance.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/tryptoph/CTF-Paltform/internal/config"
)

// Route is one instance's contribution to the proxy configuration.
type Route struct {
	Token        string
	RoutingLabel string
	Port         int
	InnerPort    int
	RedirectType string
}

var directFragment = template.Must(template.New("direct").Parse(`
[{{.Token}}]
type = tcp
local_ip = {{.RoutingLabel}}
local_port = {{.InnerPort}}
remote_port = {{.Port}}
use_compression = true
`))

var httpFragment = template.Must(template.New("http").Parse(`
[{{.Token}}]
type = http
local_ip = {{.RoutingLabel}}
local_port = {{.InnerPort}}
subdomain = {{.Token}}
use_compression = true
`))

// Synchronizer pushes the combined configuration to the frp control API.
// All three calls (config fetch, push, reload) must succeed for a cycle
// to count; a failed cycle is reported and retried on the next tick only.
type Synchronizer struct {
	settings *config.Settings
	routes   func() ([]Route, error)
	client   *http.Client
	log      *slog.Logger
}

func NewSynchronizer(settings *config.Settings, routes func() ([]Route, error), logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		settings: settings,
		routes:   routes,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logger,
	}
}

func (s *Synchronizer) Sync(ctx context.Context) error {
	routes, err := s.routes()
	if err != nil {
		return fmt.Errorf("collect routes: %w", err)
	}
	addr := s.apiAddr()
	base, err := s.baseTemplate(ctx, addr)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(base)
	for _, route := range routes {
		frag, err := RenderFragment(route)
		if err != nil {
			return err
		}
		b.WriteString(frag)
	}
	if err := s.push(ctx, addr, b.String()); err != nil {
		return err
	}
	return s.reload(ctx, addr)
}

// RenderFragment produces the route's config block by redirect type.
func RenderFragment(route Route) (string, error) {
	tmpl := directFragment
	if route.RedirectType == "http" {
		tmpl = httpFragment
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, route); err != nil {
		return "", fmt.Errorf("render fragment for %s: %w", route.Token, err)
	}
	return b.String(), nil
}

func (s *Synchronizer) apiAddr() string {
	if addr := s.settings.Get(config.KeyFrpAPIURL); addr != "" {
		return strings.TrimRight(addr, "/")
	}
	return fmt.Sprintf("http://%s:%s",
		s.settings.Get(config.KeyFrpAPIIP), s.settings.Get(config.KeyFrpAPIPort))
}

// baseTemplate prefers a locally configured override; otherwise the remote
// base is fetched once and cached in settings.
func (s *Synchronizer) baseTemplate(ctx context.Context, addr string) (string, error) {
	cached := s.settings.Get(config.KeyFrpConfigTemplate)
	if strings.Contains(cached, "[common]") {
		return cached, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/api/config", nil)
	if err != nil {
		return "", fmt.Errorf("build config fetch: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch frp base template: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch frp base template: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read frp base template: %w", err)
	}
	if err := s.settings.Set(config.KeyFrpConfigTemplate, string(body)); err != nil {
		s.log.Warn("frp_template_cache_failed", slog.String("error", err.Error()))
	}
	return string(body), nil
}

func (s *Synchronizer) push(ctx context.Context, addr, combined string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, addr+"/api/config", strings.NewReader(combined))
	if err != nil {
		return fmt.Errorf("build config push: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push frp config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push frp config: status %d", resp.StatusCode)
	}
	return nil
}

func (s *Synchronizer) reload(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/api/reload", nil)
	if err != nil {
		return fmt.Errorf("build reload: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("reload frp: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload frp: status %d", resp.StatusCode)
	}
	return nil
}
