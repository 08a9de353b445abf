package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tryptoph/CTF-Paltform/internal/config"
	"github.com/tryptoph/CTF-Paltform/internal/pool"
	"github.com/tryptoph/CTF-Paltform/internal/runtime"
	"github.com/tryptoph/CTF-Paltform/internal/state"
)

type fakeRuntime struct {
	mu              sync.Mutex
	created         []runtime.ServiceSpec
	removed         []string
	removedNetworks []string
	createErr       error
	removeErr       error
	stateResp       runtime.ServiceState
	stateErr        error
	networkErr      error
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) CreateService(_ context.Context, spec runtime.ServiceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	return "svc-" + spec.Name, nil
}

func (f *fakeRuntime) RemoveServices(_ context.Context, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, label)
	return nil
}

func (f *fakeRuntime) ServiceState(context.Context, string) (runtime.ServiceState, error) {
	if f.stateErr != nil {
		return runtime.StateStopped, f.stateErr
	}
	if f.stateResp == "" {
		return runtime.StateRunning, nil
	}
	return f.stateResp, nil
}

func (f *fakeRuntime) ChooseNode(context.Context, string, []string) (string, error) {
	return "worker-1", nil
}

func (f *fakeRuntime) EnsureNetwork(context.Context, string, string) error {
	return f.networkErr
}

func (f *fakeRuntime) RemoveNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedNetworks = append(f.removedNetworks, name)
	return nil
}

type fixture struct {
	engine   *Engine
	rt       *fakeRuntime
	settings *config.Settings
	store    *state.Store
	subnets  *pool.SubnetPool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Catalog = []config.CatalogEntry{
		{Kind: "challenge", Ref: "web-101", Image: "ghcr.io/labs/web:1", InnerPort: 80, MemoryLimit: "256m", CPULimit: 0.5, RedirectType: "direct"},
		{Kind: "challenge", Ref: "pwn-201", Image: "ghcr.io/labs/pwn:1", InnerPort: 9999, MemoryLimit: "128m", CPULimit: 0.5},
		{Kind: "desktop", Ref: "xfce", Image: "ghcr.io/labs/xfce:1", InnerPort: 6901, MemoryLimit: "1g", CPULimit: 2, RedirectType: "http"},
		{Kind: "shell", Ref: "kali", Image: "ghcr.io/labs/kali:1", InnerPort: 6901, MemoryLimit: "512m", CPULimit: 1},
	}

	settings, err := config.OpenSettings(filepath.Join(dir, "settings.json"))
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	mustSet := func(k, v string) {
		t.Helper()
		if err := settings.Set(k, v); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	mustSet(config.KeyPortRangeStart, "10000")
	mustSet(config.KeyPortRangeEnd, "10002")
	mustSet(config.KeyMaxInstanceCount, "10")
	mustSet(config.KeyMaxRenewCount, "2")

	st, err := state.New(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	ports, err := pool.NewPortPool(10000, 10002)
	if err != nil {
		t.Fatalf("port pool: %v", err)
	}
	subnets, err := pool.NewSubnetPool("10.32.0.0/16")
	if err != nil {
		t.Fatalf("subnet pool: %v", err)
	}
	rt := &fakeRuntime{}
	eng := New(cfg, settings, st, ports, subnets, rt, slog.Default())
	return &fixture{engine: eng, rt: rt, settings: settings, store: st, subnets: subnets}
}

func TestCreateProvisionsService(t *testing.T) {
	f := newFixture(t)
	inst, err := f.engine.Create(context.Background(), "7", state.KindChallenge, "web-101")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.Port < 10000 || inst.Port > 10002 {
		t.Fatalf("port outside configured range: %d", inst.Port)
	}
	if inst.Token == "" || inst.RenewCount != 0 {
		t.Fatalf("unexpected instance: %+v", inst)
	}
	if len(f.rt.created) != 1 {
		t.Fatalf("expected one service, got %d", len(f.rt.created))
	}
	spec := f.rt.created[0]
	if spec.Image != "ghcr.io/labs/web:1" || spec.TargetPort != 80 || spec.PublishedPort != inst.Port {
		t.Fatalf("service spec wrong: %+v", spec)
	}
	if spec.RoutingLabel != "7-"+inst.Token {
		t.Fatalf("routing label wrong: %s", spec.RoutingLabel)
	}
	if spec.MemoryBytes != 256<<20 || spec.NanoCPUs != 5e8 {
		t.Fatalf("limits wrong: mem=%d cpu=%d", spec.MemoryBytes, spec.NanoCPUs)
	}
	if _, ok := f.store.GetByOwnerKind("7", state.KindChallenge); !ok {
		t.Fatalf("record not persisted")
	}
}

func TestCreateConflictNamesOccupyingTarget(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Create(context.Background(), "7", state.KindChallenge, "web-101"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := f.engine.Create(context.Background(), "7", state.KindChallenge, "pwn-201")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "web-101") {
		t.Fatalf("conflict should name occupying target: %s", got)
	}
	// a different kind for the same owner still works
	if _, err := f.engine.Create(context.Background(), "7", state.KindShell, "kali"); err != nil {
		t.Fatalf("different kind: %v", err)
	}
}

func TestCreateConcurrentSameOwnerKind(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Create(context.Background(), "7", state.KindChallenge, "web-101")
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 9 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestCreateRollsBackPortOnRuntimeFailure(t *testing.T) {
	f := newFixture(t)
	f.rt.createErr = &runtime.Error{Op: "service create", Err: errors.New("no suitable node")}

	availBefore, _ := f.engine.PoolStats()
	_, err := f.engine.Create(context.Background(), "7", state.KindChallenge, "web-101")
	if err == nil {
		t.Fatalf("expected failure")
	}
	availAfter, issued := f.engine.PoolStats()
	if availAfter != availBefore || issued != 0 {
		t.Fatalf("port leaked: before=%d after=%d issued=%d", availBefore, availAfter, issued)
	}
	if _, ok := f.store.GetByOwnerKind("7", state.KindChallenge); ok {
		t.Fatalf("partial record written")
	}
}

func TestCreateUnknownTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(context.Background(), "7", state.KindChallenge, "nope")
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected unknown target, got %v", err)
	}
	if _, issued := f.engine.PoolStats(); issued != 0 {
		t.Fatalf("no port should be held for unknown target")
	}
}

func TestPortPoolNoLeakAcrossCreateRemove(t *testing.T) {
	f := newFixture(t)
	availBefore, _ := f.engine.PoolStats()
	for i := 0; i < 3; i++ {
		if _, err := f.engine.Create(context.Background(), "7", state.KindChallenge, "web-101"); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if err := f.engine.Remove(context.Background(), "7", state.KindChallenge); err != nil {
			t.Fatalf("remove %d: %v", i, err)
		}
	}
	availAfter, issued := f.engine.PoolStats()
	if availAfter != availBefore || issued != 0 {
		t.Fatalf("pool drifted: before=%d after=%d issued=%d", availBefore, availAfter, issued)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Create(context.Background(), "7", state.KindChallenge, "web-101"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.Remove(context.Background(), "7", state.KindChallenge); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := f.engine.Remove(context.Background(), "7", state.KindChallenge); err != nil {
		t.Fatalf("second remove must succeed: %v", err)
	}
}

func TestCreateAttachesOwnerNetwork(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Create(context.Background(), "7", state.KindChallenge, "web-101"); err != nil {
		t.Fatalf("create: %v", err)
	}
	spec := f.rt.created[0]
	if spec.Network != "frp-containers" {
		t.Fatalf("proxy network wrong: %q", spec.Network)
	}
	if spec.OwnerNetwork != "inst-net-7" {
		t.Fatalf("service must join the owner network: %q", spec.OwnerNetwork)
	}
}

func TestRemoveTearsDownOwnerNetworkAfterLastInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.Create(ctx, "7", state.KindChallenge, "web-101"); err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	if _, err := f.engine.Create(ctx, "7", state.KindShell, "kali"); err != nil {
		t.Fatalf("create shell: %v", err)
	}
	if reserved, _ := f.subnets.Stats(); reserved != 1 {
		t.Fatalf("kinds should share one owner subnet, got %d", reserved)
	}

	if err := f.engine.Remove(ctx, "7", state.KindChallenge); err != nil {
		t.Fatalf("remove challenge: %v", err)
	}
	if len(f.rt.removedNetworks) != 0 {
		t.Fatalf("network removed while shell still runs: %v", f.rt.removedNetworks)
	}

	if err := f.engine.Remove(ctx, "7", state.KindShell); err != nil {
		t.Fatalf("remove shell: %v", err)
	}
	if len(f.rt.removedNetworks) != 1 || f.rt.removedNetworks[0] != "inst-net-7" {
		t.Fatalf("owner network not torn down: %v", f.rt.removedNetworks)
	}
	if reserved, _ := f.subnets.Stats(); reserved != 0 {
		t.Fatalf("subnet not returned to the pool: %d reserved", reserved)
	}
}

func TestAccessURLOnlyForHTTPRedirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	desk, err := f.engine.Create(ctx, "7", state.KindDesktop, "xfce")
	if err != nil {
		t.Fatalf("create desktop: %v", err)
	}
	if got, want := f.engine.AccessURL(desk), "http://"+desk.Token+".localhost"; got != want {
		t.Fatalf("access url = %q, want %q", got, want)
	}

	chal, err := f.engine.Create(ctx, "7", state.KindChallenge, "web-101")
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	if got := f.engine.AccessURL(chal); got != "" {
		t.Fatalf("direct instances get no url, got %q", got)
	}
}

func TestRenewCeiling(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Create(context.Background(), "7", state.KindChallenge, "web-101"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.engine.Renew(context.Background(), "7", state.KindChallenge); err != nil {
			t.Fatalf("renew %d: %v", i, err)
		}
	}
	_, err := f.engine.Renew(context.Background(), "7", state.KindChallenge)
	if !errors.Is(err, ErrRenewLimit) {
		t.Fatalf("expected renew limit, got %v", err)
	}
	// admin force renew ignores the ceiling
	if _, err := f.engine.ForceRenew(context.Background(), "7", state.KindChallenge); err != nil {
		t.Fatalf("force renew: %v", err)
	}
}

func TestRenewCeilingUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Create(context.Background(), "7", state.KindChallenge, "web-101"); err != nil {
		t.Fatalf("create: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Renew(context.Background(), "7", state.KindChallenge)
		}()
	}
	wg.Wait()
	inst, _ := f.store.GetByOwnerKind("7", state.KindChallenge)
	if inst.RenewCount > 2 {
		t.Fatalf("ceiling exceeded under concurrency: %d", inst.RenewCount)
	}
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if st, _ := f.engine.Status(ctx, "7", state.KindChallenge); st != StatusStopped {
		t.Fatalf("absent instance: %s", st)
	}

	inst, err := f.engine.Create(ctx, "7", state.KindChallenge, "web-101")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.rt.stateResp = runtime.StateRunning
	if st, _ := f.engine.Status(ctx, "7", state.KindChallenge); st != StatusRunning {
		t.Fatalf("running instance: %s", st)
	}
	f.rt.stateResp = runtime.StateStarting
	if st, _ := f.engine.Status(ctx, "7", state.KindChallenge); st != StatusStarting {
		t.Fatalf("starting instance: %s", st)
	}

	// push past the timeout with headroom to renew
	inst.StartTime = time.Now().UTC().Add(-2 * time.Hour)
	if err := f.store.Update(inst); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if st, _ := f.engine.Status(ctx, "7", state.KindChallenge); st != StatusExpiredRenewable {
		t.Fatalf("expired renewable: %s", st)
	}

	inst.RenewCount = 2
	if err := f.store.Update(inst); err != nil {
		t.Fatalf("set renew count: %v", err)
	}
	if st, _ := f.engine.Status(ctx, "7", state.KindChallenge); st != StatusExpired {
		t.Fatalf("expired at ceiling: %s", st)
	}
}

func TestStatusHeuristicWhenRuntimeDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst, err := f.engine.Create(ctx, "7", state.KindChallenge, "web-101")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.rt.stateErr = &runtime.Error{Op: "service list", Transient: true, Err: errors.New("connection refused")}

	if st, _ := f.engine.Status(ctx, "7", state.KindChallenge); st != StatusStarting {
		t.Fatalf("just-created heuristic: %s", st)
	}

	inst.StartTime = time.Now().UTC().Add(-5 * time.Minute)
	if err := f.store.Update(inst); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if st, _ := f.engine.Status(ctx, "7", state.KindChallenge); st != StatusRunning {
		t.Fatalf("settled heuristic: %s", st)
	}
}

func TestSweepRemovesExpiredAndFreesPorts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Create(ctx, "7", state.KindChallenge, "web-101")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.Create(ctx, "8", state.KindChallenge, "web-101"); err != nil {
		t.Fatalf("create second: %v", err)
	}

	inst.StartTime = time.Now().UTC().Add(-2 * time.Hour)
	inst.RenewCount = 2
	if err := f.store.Update(inst); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	summary := f.engine.SweepExpired(ctx)
	if summary.Expired != 1 || summary.Removed != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if _, ok := f.store.GetByOwnerKind("7", state.KindChallenge); ok {
		t.Fatalf("expired instance not removed")
	}
	if _, ok := f.store.GetByOwnerKind("8", state.KindChallenge); !ok {
		t.Fatalf("alive instance must survive the sweep")
	}
	avail, issued := f.engine.PoolStats()
	if issued != 1 || avail != 2 {
		t.Fatalf("port not returned by sweep: avail=%d issued=%d", avail, issued)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, owner := range []string{"7", "8"} {
		inst, err := f.engine.Create(ctx, owner, state.KindChallenge, "web-101")
		if err != nil {
			t.Fatalf("create %s: %v", owner, err)
		}
		inst.StartTime = time.Now().UTC().Add(-2 * time.Hour)
		if err := f.store.Update(inst); err != nil {
			t.Fatalf("backdate %s: %v", owner, err)
		}
	}
	f.rt.removeErr = &runtime.Error{Op: "service remove", Transient: true, Err: errors.New("broken pipe")}
	summary := f.engine.SweepExpired(ctx)
	if summary.Expired != 2 || summary.Failed != 2 {
		t.Fatalf("expected both removals attempted and failed: %+v", summary)
	}

	f.rt.removeErr = nil
	summary = f.engine.SweepExpired(ctx)
	if summary.Removed != 2 {
		t.Fatalf("retry on next tick should remove both: %+v", summary)
	}
}

func TestPortExhaustionAcrossOwners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, owner := range []string{"1", "2", "3"} {
		if _, err := f.engine.Create(ctx, owner, state.KindChallenge, "web-101"); err != nil {
			t.Fatalf("create %s: %v", owner, err)
		}
	}
	avail, issued := f.engine.PoolStats()
	if avail != 0 || issued != 3 {
		t.Fatalf("pool should be drained: avail=%d issued=%d", avail, issued)
	}
	_, err := f.engine.Create(ctx, "4", state.KindChallenge, "web-101")
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected capacity failure, got %v", err)
	}
	// the fallback refresh must not have re-issued a live port
	_, issued = f.engine.PoolStats()
	if issued != 3 {
		t.Fatalf("refresh corrupted issued set: %d", issued)
	}
}

func TestMaxInstanceCount(t *testing.T) {
	f := newFixture(t)
	if err := f.settings.Set(config.KeyMaxInstanceCount, "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	ctx := context.Background()
	if _, err := f.engine.Create(ctx, "1", state.KindChallenge, "web-101"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := f.engine.Create(ctx, "2", state.KindChallenge, "web-101")
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected capacity, got %v", err)
	}
}

func TestRoutesReflectAliveInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chal, err := f.engine.Create(ctx, "7", state.KindChallenge, "web-101")
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	if _, err := f.engine.Create(ctx, "8", state.KindDesktop, "xfce"); err != nil {
		t.Fatalf("create desktop: %v", err)
	}
	routes, err := f.engine.Routes()
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}
	byToken := map[string]int{}
	for _, r := range routes {
		byToken[r.Token] = r.InnerPort
	}
	if byToken[chal.Token] != 80 {
		t.Fatalf("challenge route inner port: %+v", routes)
	}
}

func TestDesktopEnvAndShm(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Create(context.Background(), "7", state.KindDesktop, "xfce"); err != nil {
		t.Fatalf("create: %v", err)
	}
	spec := f.rt.created[0]
	if spec.ShmTmpfsBytes != 512<<20 {
		t.Fatalf("desktop needs /dev/shm tmpfs, got %d", spec.ShmTmpfsBytes)
	}
	foundPW := false
	for _, kv := range spec.Env {
		if strings.HasPrefix(kv, "VNC_PW=") {
			foundPW = true
		}
	}
	if !foundPW {
		t.Fatalf("desktop env missing VNC password: %v", spec.Env)
	}
}
