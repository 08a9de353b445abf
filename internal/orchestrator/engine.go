// Package orchestrator holds the instance lifecycle controller: the only
// writer of instance state transitions. It coordinates the port pool, the
// repository, the runtime adapter and the proxy synchronizer.
package orchestrator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tryptoph/CTF-Paltform/internal/config"
	"github.com/tryptoph/CTF-Paltform/internal/pool"
	"github.com/tryptoph/CTF-Paltform/internal/proxy"
	"github.com/tryptoph/CTF-Paltform/internal/retry"
	"github.com/tryptoph/CTF-Paltform/internal/runtime"
	"github.com/tryptoph/CTF-Paltform/internal/state"
)

// Coarse caller-visible statuses.
const (
	StatusStopped          = "stopped"
	StatusStarting         = "starting"
	StatusRunning          = "running"
	StatusExpired          = "expired"
	StatusExpiredRenewable = "expired_renewable"
)

// startingWindow is how long after creation a non-inspectable instance is
// still reported as starting.
const startingWindow = 30 * time.Second

var createRetry = retry.Policy{Attempts: 3, Delay: 500 * time.Millisecond, Retryable: runtime.IsTransient}

type Runtime interface {
	Ping(ctx context.Context) error
	CreateService(ctx context.Context, spec runtime.ServiceSpec) (string, error)
	RemoveServices(ctx context.Context, routingLabel string) error
	ServiceState(ctx context.Context, routingLabel string) (runtime.ServiceState, error)
	ChooseNode(ctx context.Context, imageRef string, candidates []string) (string, error)
	EnsureNetwork(ctx context.Context, name, subnet string) error
	RemoveNetwork(ctx context.Context, name string) error
}

type Syncer interface {
	Sync(ctx context.Context) error
}

type SweepSummary struct {
	Expired int
	Removed int
	Failed  int
}

type Engine struct {
	cfg       config.Config
	settings  *config.Settings
	store     *state.Store
	ports     *pool.PortPool
	subnets   *pool.SubnetPool
	rt        Runtime
	syncer    Syncer
	resolvers map[state.Kind]Resolver
	log       *slog.Logger
	mu        sync.Mutex
}

func New(cfg config.Config, settings *config.Settings, st *state.Store, ports *pool.PortPool, subnets *pool.SubnetPool, rt Runtime, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		settings:  settings,
		store:     st,
		ports:     ports,
		subnets:   subnets,
		rt:        rt,
		resolvers: defaultResolvers(cfg, st),
		log:       logger,
	}
}

// SetSyncer wires the proxy synchronizer after construction; the syncer
// itself reads routes back from this engine.
func (e *Engine) SetSyncer(s Syncer) { e.syncer = s }

// RegisterResolver lets additional kinds plug in their target resolution.
func (e *Engine) RegisterResolver(kind state.Kind, r Resolver) {
	e.resolvers[kind] = r
}

func (e *Engine) timeout() time.Duration {
	return e.settings.Seconds(config.KeyTimeout)
}

// Create provisions one instance for (owner, kind). Exactly one of two
// racing creates succeeds; the loser observes the conflict naming the
// occupying target. Any failure on the way out rolls the acquired port
// back before returning.
func (e *Engine) Create(ctx context.Context, owner string, kind state.Kind, targetRef string) (state.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.store.GetByOwnerKind(owner, kind); ok {
		return state.Instance{}, fmt.Errorf("%w: %s already occupied by %s", ErrConflict, kind, existing.TargetRef)
	}
	if e.store.CountAlive(e.timeout()) >= e.settings.Int(config.KeyMaxInstanceCount) {
		return state.Instance{}, fmt.Errorf("%w: max instance count reached", ErrCapacity)
	}

	resolver, ok := e.resolvers[kind]
	if !ok {
		return state.Instance{}, fmt.Errorf("%w: kind %s", ErrUnknownTarget, kind)
	}
	def, err := resolver.Resolve(ctx, targetRef)
	if err != nil {
		return state.Instance{}, err
	}

	port, err := e.acquirePort()
	if err != nil {
		return state.Instance{}, err
	}

	token := uuid.NewString()
	inst := state.Instance{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Kind:      kind,
		TargetRef: targetRef,
		Port:      port,
		Token:     token,
		StartTime: time.Now().UTC(),
		Status:    "active",
	}

	netName := networkName(owner)
	subnet, err := e.subnets.Acquire(netName)
	if err != nil {
		e.ports.Release(port)
		return state.Instance{}, fmt.Errorf("%w: %v", ErrCapacity, err)
	}
	if err := e.rt.EnsureNetwork(ctx, netName, subnet.String()); err != nil {
		e.ports.Release(port)
		e.releaseOwnerNetwork(ctx, owner)
		return state.Instance{}, runtimeFailure("ensure network", err)
	}

	memBytes, err := runtime.ParseMemory(def.MemoryLimit)
	if err != nil {
		e.ports.Release(port)
		e.releaseOwnerNetwork(ctx, owner)
		return state.Instance{}, fmt.Errorf("definition %s: %w", def.Key, err)
	}
	node, err := e.rt.ChooseNode(ctx, def.Image, splitCSV(e.settings.Get(config.KeyDockerNodes)))
	if err != nil {
		e.ports.Release(port)
		e.releaseOwnerNetwork(ctx, owner)
		return state.Instance{}, runtimeFailure("choose node", err)
	}

	spec := runtime.ServiceSpec{
		Name:          serviceName(inst),
		Image:         def.Image,
		Env:           e.buildEnv(inst, def),
		MemoryBytes:   memBytes,
		NanoCPUs:      int64(def.CPULimit * 1e9),
		PublishedPort: port,
		TargetPort:    def.InnerPort,
		Node:          node,
		DNS:           splitCSV(e.settings.Get(config.KeyDockerDNS)),
		Network:       e.settings.Get(config.KeyAutoConnectNetwork),
		NetworkAlias:  inst.RoutingLabel(),
		OwnerNetwork:  netName,
		RoutingLabel:  inst.RoutingLabel(),
		ExtraLabels:   map[string]string{"owner_id": owner, "kind": string(kind)},
	}
	if kind == state.KindDesktop || kind == state.KindShell {
		spec.ShmTmpfsBytes = 512 << 20
	}

	err = retry.Do(ctx, createRetry, func() error {
		_, cerr := e.rt.CreateService(ctx, spec)
		return cerr
	})
	if err != nil {
		e.ports.Release(port)
		e.releaseOwnerNetwork(ctx, owner)
		return state.Instance{}, runtimeFailure("create service", err)
	}

	if err := e.store.Create(inst); err != nil {
		_ = e.rt.RemoveServices(ctx, inst.RoutingLabel())
		e.ports.Release(port)
		e.releaseOwnerNetwork(ctx, owner)
		if errors.Is(err, state.ErrExists) {
			return state.Instance{}, fmt.Errorf("%w: %s", ErrConflict, kind)
		}
		return state.Instance{}, fmt.Errorf("persist instance: %w", err)
	}

	e.syncAsync("create")
	e.log.Info("instance_created",
		slog.String("owner_id", owner),
		slog.String("kind", string(kind)),
		slog.String("target", targetRef),
		slog.Int("port", port),
	)
	return inst, nil
}

// Renew resets the clock on an existing instance. The renewal ceiling is
// enforced under the engine lock so concurrent renewals cannot exceed it.
func (e *Engine) Renew(ctx context.Context, owner string, kind state.Kind) (state.Instance, error) {
	return e.renew(ctx, owner, kind, false)
}

// ForceRenew is the admin variant: it skips the renewal ceiling.
func (e *Engine) ForceRenew(ctx context.Context, owner string, kind state.Kind) (state.Instance, error) {
	return e.renew(ctx, owner, kind, true)
}

func (e *Engine) renew(_ context.Context, owner string, kind state.Kind, force bool) (state.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.store.GetByOwnerKind(owner, kind)
	if !ok {
		return state.Instance{}, ErrNotFound
	}
	if !force && inst.RenewCount >= e.settings.Int(config.KeyMaxRenewCount) {
		return state.Instance{}, fmt.Errorf("%w: renewed %d times", ErrRenewLimit, inst.RenewCount)
	}
	inst.StartTime = time.Now().UTC()
	inst.RenewCount++
	if err := e.store.Update(inst); err != nil {
		return state.Instance{}, fmt.Errorf("persist renewal: %w", err)
	}
	e.log.Info("instance_renewed", slog.String("owner_id", owner), slog.String("kind", string(kind)), slog.Int("renew_count", inst.RenewCount))
	return inst, nil
}

// Remove tears an instance down: runtime services (already-gone is fine),
// port, repository record. Safe to call twice; the sweep and an explicit
// request may race for the same instance.
func (e *Engine) Remove(ctx context.Context, owner string, kind state.Kind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.removeLocked(ctx, owner, kind); err != nil {
		return err
	}
	e.syncAsync("remove")
	return nil
}

func (e *Engine) removeLocked(ctx context.Context, owner string, kind state.Kind) error {
	inst, ok := e.store.GetByOwnerKind(owner, kind)
	if !ok {
		return nil
	}
	if err := e.rt.RemoveServices(ctx, inst.RoutingLabel()); err != nil {
		return runtimeFailure("remove services", err)
	}
	e.ports.Release(inst.Port)
	if _, err := e.store.RemoveByOwnerKind(owner, kind); err != nil {
		return fmt.Errorf("delete instance record: %w", err)
	}
	e.releaseOwnerNetwork(ctx, owner)
	e.log.Info("instance_removed", slog.String("owner_id", owner), slog.String("kind", string(kind)), slog.Int("port", inst.Port))
	return nil
}

// releaseOwnerNetwork tears the owner's private network down once the last
// of their instances is gone. All kinds share the network, so it stays up
// while any sibling instance remains. Removal is best effort; a leaked
// network resolves on the owner's next create cycle.
func (e *Engine) releaseOwnerNetwork(ctx context.Context, owner string) {
	for _, other := range e.store.ListAll() {
		if other.OwnerID == owner {
			return
		}
	}
	name := networkName(owner)
	e.subnets.Release(name)
	if err := e.rt.RemoveNetwork(ctx, name); err != nil {
		e.log.Warn("owner_network_remove_failed", slog.String("owner_id", owner), slog.String("network", name), slog.String("error", err.Error()))
	}
}

// Status never fails outward: when the runtime cannot be asked, it falls
// back to a time-since-creation heuristic.
func (e *Engine) Status(ctx context.Context, owner string, kind state.Kind) (string, state.Instance) {
	inst, ok := e.store.GetByOwnerKind(owner, kind)
	if !ok {
		return StatusStopped, state.Instance{}
	}
	age := time.Since(inst.StartTime)
	if age > e.timeout() {
		if inst.RenewCount >= e.settings.Int(config.KeyMaxRenewCount) {
			return StatusExpired, inst
		}
		return StatusExpiredRenewable, inst
	}
	st, err := e.rt.ServiceState(ctx, inst.RoutingLabel())
	if err != nil {
		e.log.Warn("status_runtime_unavailable", slog.String("owner_id", owner), slog.String("error", err.Error()))
		if age < startingWindow {
			return StatusStarting, inst
		}
		return StatusRunning, inst
	}
	switch st {
	case runtime.StateRunning:
		return StatusRunning, inst
	case runtime.StateStarting:
		return StatusStarting, inst
	default:
		return StatusStopped, inst
	}
}

// SweepExpired removes every expired instance. Failures are counted and
// logged per instance; one broken removal never stops the sweep.
func (e *Engine) SweepExpired(ctx context.Context) SweepSummary {
	expired := e.store.ListExpired(e.timeout())
	summary := SweepSummary{Expired: len(expired)}
	for _, inst := range expired {
		e.mu.Lock()
		err := e.removeLocked(ctx, inst.OwnerID, inst.Kind)
		e.mu.Unlock()
		if err != nil {
			summary.Failed++
			e.log.Warn("sweep_remove_failed",
				slog.String("owner_id", inst.OwnerID),
				slog.String("kind", string(inst.Kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		summary.Removed++
	}
	return summary
}

// Routes derives the proxy route set from the alive instances.
func (e *Engine) Routes() ([]proxy.Route, error) {
	ctx := context.Background()
	out := []proxy.Route{}
	for _, inst := range e.store.ListAlive(e.timeout()) {
		resolver, ok := e.resolvers[inst.Kind]
		if !ok {
			continue
		}
		def, err := resolver.Resolve(ctx, inst.TargetRef)
		if err != nil {
			e.log.Warn("route_definition_missing", slog.String("owner_id", inst.OwnerID), slog.String("target", inst.TargetRef))
			continue
		}
		out = append(out, proxy.Route{
			Token:        inst.Token,
			RoutingLabel: inst.RoutingLabel(),
			Port:         inst.Port,
			InnerPort:    def.InnerPort,
			RedirectType: def.RedirectType,
		})
	}
	return out, nil
}

// AccessURL builds the browser entry point for http-redirected instances:
// the proxy serves each token as a subdomain of the configured domain
// suffix. Direct instances connect by port and get no URL.
func (e *Engine) AccessURL(inst state.Instance) string {
	resolver, ok := e.resolvers[inst.Kind]
	if !ok {
		return ""
	}
	def, err := resolver.Resolve(context.Background(), inst.TargetRef)
	if err != nil || def.RedirectType != "http" {
		return ""
	}
	return "http://" + inst.Token + "." + e.settings.Get(config.KeyFrpDomainSuffix)
}

// ListAlivePage serves the admin listing.
func (e *Engine) ListAlivePage(offset, limit int) ([]state.Instance, int) {
	timeout := e.timeout()
	return e.store.Page(timeout, offset, limit), e.store.CountAlive(timeout)
}

// RefreshPool reinitializes the port range from settings. Issued ports
// stay withheld.
func (e *Engine) RefreshPool() error {
	return e.ports.Reinitialize(
		e.settings.Int(config.KeyPortRangeStart),
		e.settings.Int(config.KeyPortRangeEnd),
	)
}

func (e *Engine) PoolStats() (available, issued int) { return e.ports.Stats() }

func (e *Engine) Health(ctx context.Context) (int, error) {
	return e.store.CountAlive(e.timeout()), e.rt.Ping(ctx)
}

// acquirePort tries the pool, and on exhaustion reinitializes from the
// configured range once before giving up. Live ports survive the refresh.
func (e *Engine) acquirePort() (int, error) {
	port, err := e.ports.Acquire()
	if err == nil {
		return port, nil
	}
	if !errors.Is(err, pool.ErrExhausted) {
		return 0, err
	}
	if rerr := e.RefreshPool(); rerr != nil {
		return 0, fmt.Errorf("%w: %v", ErrCapacity, rerr)
	}
	port, err = e.ports.Acquire()
	if err != nil {
		return 0, fmt.Errorf("%w: port pool exhausted", ErrCapacity)
	}
	return port, nil
}

func (e *Engine) syncAsync(trigger string) {
	if e.syncer == nil {
		return
	}
	go func() {
		if err := e.syncer.Sync(context.Background()); err != nil {
			e.log.Warn("proxy_sync_failed", slog.String("trigger", trigger), slog.String("error", err.Error()))
		}
	}()
}

func (e *Engine) buildEnv(inst state.Instance, def state.Definition) []string {
	env := []string{
		"USER_ID=" + inst.OwnerID,
		"FLAG=" + e.generateFlag(inst.Token),
	}
	if def.Kind == state.KindDesktop || def.Kind == state.KindShell {
		pw := derivePassword(inst.Token)
		env = append(env,
			"PASSWORD="+pw,
			"VNC_PW="+pw,
			"SSL_ENABLED=false",
			"SECURE_CONNECTION=false",
		)
	}
	return env
}

func (e *Engine) generateFlag(token string) string {
	secret := e.cfg.FlagSecret
	if secret == "" {
		secret = "instanced-flag-secret-dev"
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(token))
	return "flag{" + hex.EncodeToString(mac.Sum(nil))[:32] + "}"
}

func derivePassword(token string) string {
	sum := sha256.Sum256([]byte("vnc:" + token))
	return hex.EncodeToString(sum[:])[:12]
}

func runtimeFailure(op string, err error) error {
	if runtime.IsTransient(err) {
		return fmt.Errorf("%s temporarily unavailable: %w", op, err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

func networkName(owner string) string {
	return "inst-net-" + sanitize(owner)
}

func serviceName(inst state.Instance) string {
	return "inst-" + string(inst.Kind) + "-" + sanitize(inst.OwnerID) + "-" + inst.Token[:8]
}

func sanitize(s string) string {
	clean := strings.NewReplacer("-", "", ":", "", "_", "", "/", "").Replace(strings.ToLower(s))
	if len(clean) > 24 {
		clean = clean[:24]
	}
	if clean == "" {
		clean = "unknown"
	}
	return clean
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
