// Package runtime talks to the Docker Swarm scheduler: service creation
// with resource limits and routing labels, label-filtered listing and
// removal, task inspection, node placement, and isolated network setup.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// RoutingLabelKey carries owner+token on every managed service so later
// lookup and removal never depend on service names.
const RoutingLabelKey = "inst_id"

const callTimeout = 15 * time.Second

// ServiceSpec is what the lifecycle controller asks the scheduler to run.
type ServiceSpec struct {
	Name          string
	Image         string
	Env           []string
	MemoryBytes   int64
	NanoCPUs      int64
	PublishedPort int
	TargetPort    int
	Node          string
	DNS           []string
	Network       string
	NetworkAlias  string
	OwnerNetwork  string
	RoutingLabel  string
	ExtraLabels   map[string]string
	ShmTmpfsBytes int64
}

// ServiceState is the coarse task-level state of a routed service.
type ServiceState string

const (
	StateRunning  ServiceState = "running"
	StateStarting ServiceState = "starting"
	StateStopped  ServiceState = "stopped"
)

type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ServiceCreate(ctx context.Context, service swarm.ServiceSpec, options types.ServiceCreateOptions) (swarm.ServiceCreateResponse, error)
	ServiceList(ctx context.Context, options types.ServiceListOptions) ([]swarm.Service, error)
	ServiceRemove(ctx context.Context, serviceID string) error
	TaskList(ctx context.Context, options types.TaskListOptions) ([]swarm.Task, error)
	NodeList(ctx context.Context, options types.NodeListOptions) ([]swarm.Node, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
}

type Adapter struct {
	api dockerAPI
	log *slog.Logger
}

// New connects to the scheduler endpoint; an empty endpoint falls back to
// the environment (DOCKER_HOST or the local socket).
func New(ctx context.Context, endpoint string, logger *slog.Logger) (*Adapter, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if endpoint != "" {
		opts = append(opts, client.WithHost(endpoint))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &Adapter{api: cli, log: logger}, nil
}

// NewWithAPI wires an existing API implementation, used by tests.
func NewWithAPI(api dockerAPI, logger *slog.Logger) *Adapter {
	return &Adapter{api: api, log: logger}
}

func (a *Adapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if _, err := a.api.Ping(ctx); err != nil {
		return a.classify("ping", err)
	}
	return nil
}

// CreateService schedules one replicated swarm service.
func (a *Adapter) CreateService(ctx context.Context, spec ServiceSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := a.api.ServiceCreate(ctx, buildServiceSpec(spec), types.ServiceCreateOptions{})
	if err != nil {
		return "", a.classify("service create", err)
	}
	for _, warn := range resp.Warnings {
		a.log.Warn("service_create_warning", slog.String("service", spec.Name), slog.String("warning", warn))
	}
	return resp.ID, nil
}

// ListServices returns services carrying the given routing label value.
func (a *Adapter) ListServices(ctx context.Context, routingLabel string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	services, err := a.api.ServiceList(ctx, types.ServiceListOptions{
		Filters: filters.NewArgs(filters.Arg("label", RoutingLabelKey+"="+routingLabel)),
	})
	if err != nil {
		return nil, a.classify("service list", err)
	}
	ids := make([]string, 0, len(services))
	for _, svc := range services {
		ids = append(ids, svc.ID)
	}
	return ids, nil
}

// RemoveServices removes every service matching the routing label. Zero
// matches and already-gone services count as success.
func (a *Adapter) RemoveServices(ctx context.Context, routingLabel string) error {
	ids, err := a.ListServices(ctx, routingLabel)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	for _, id := range ids {
		if err := a.api.ServiceRemove(ctx, id); err != nil && !errdefs.IsNotFound(err) {
			return a.classify("service remove", err)
		}
	}
	return nil
}

// ServiceState inspects the tasks of the labeled service and maps them to
// a coarse state: any running task wins, otherwise a schedulable task
// means starting, otherwise stopped.
func (a *Adapter) ServiceState(ctx context.Context, routingLabel string) (ServiceState, error) {
	ids, err := a.ListServices(ctx, routingLabel)
	if err != nil {
		return StateStopped, err
	}
	if len(ids) == 0 {
		return StateStopped, nil
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	tasks, err := a.api.TaskList(ctx, types.TaskListOptions{
		Filters: filters.NewArgs(filters.Arg("service", ids[0])),
	})
	if err != nil {
		return StateStopped, a.classify("task list", err)
	}
	starting := false
	for _, task := range tasks {
		switch task.Status.State {
		case swarm.TaskStateRunning:
			return StateRunning, nil
		case swarm.TaskStateNew, swarm.TaskStateAllocated, swarm.TaskStatePending,
			swarm.TaskStateAssigned, swarm.TaskStateAccepted, swarm.TaskStatePreparing,
			swarm.TaskStateReady, swarm.TaskStateStarting:
			starting = true
		}
	}
	if starting {
		return StateStarting, nil
	}
	return StateStopped, nil
}

// ChooseNode picks a placement node among the candidate labels, preferring
// a node that already runs the requested image so repeated launches skip
// the image pull. Falls back to the first candidate, or to letting the
// scheduler decide when no candidate matches a cluster node.
func (a *Adapter) ChooseNode(ctx context.Context, imageRef string, candidates []string) (string, error) {
	candidates = trimAll(candidates)
	if len(candidates) == 0 {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	nodes, err := a.api.NodeList(ctx, types.NodeListOptions{})
	if err != nil {
		return "", a.classify("node list", err)
	}
	eligible := map[string]string{} // node ID -> name label
	for _, node := range nodes {
		name := node.Spec.Labels["name"]
		if node.Status.State != swarm.NodeStateReady {
			continue
		}
		for _, cand := range candidates {
			if name == cand {
				eligible[node.ID] = name
			}
		}
	}
	if len(eligible) == 0 {
		return "", nil
	}
	tasks, err := a.api.TaskList(ctx, types.TaskListOptions{
		Filters: filters.NewArgs(filters.Arg("desired-state", "running")),
	})
	if err != nil {
		return "", a.classify("task list", err)
	}
	for _, task := range tasks {
		name, ok := eligible[task.NodeID]
		if !ok || task.Spec.ContainerSpec == nil {
			continue
		}
		if sameImage(task.Spec.ContainerSpec.Image, imageRef) {
			return name, nil
		}
	}
	for _, cand := range candidates {
		for _, name := range eligible {
			if name == cand {
				return name, nil
			}
		}
	}
	return "", nil
}

// EnsureNetwork creates the named attachable overlay network with the
// given isolated subnet if it does not exist. A concurrent create racing
// to the same name is treated as success.
func (a *Adapter) EnsureNetwork(ctx context.Context, name, subnet string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	existing, err := a.api.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return a.classify("network list", err)
	}
	for _, net := range existing {
		if net.Name == name {
			return nil
		}
	}
	opts := network.CreateOptions{
		Driver:     "overlay",
		Scope:      "swarm",
		Internal:   true,
		Attachable: true,
		Labels:     map[string]string{"managed_by": "instanced"},
	}
	if subnet != "" {
		opts.IPAM = &network.IPAM{
			Driver: "default",
			Config: []network.IPAMConfig{{Subnet: subnet}},
		}
	}
	if _, err := a.api.NetworkCreate(ctx, name, opts); err != nil {
		if errdefs.IsConflict(err) || strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return nil
		}
		return a.classify("network create", err)
	}
	return nil
}

// RemoveNetwork deletes the named network. Already-gone networks count
// as success.
func (a *Adapter) RemoveNetwork(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	existing, err := a.api.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return a.classify("network list", err)
	}
	for _, net := range existing {
		if net.Name != name {
			continue
		}
		if err := a.api.NetworkRemove(ctx, net.ID); err != nil && !errdefs.IsNotFound(err) {
			return a.classify("network remove", err)
		}
	}
	return nil
}

func (a *Adapter) classify(op string, err error) error {
	transient := client.IsErrConnectionFailed(err) ||
		strings.Contains(strings.ToLower(err.Error()), "connection refused") ||
		strings.Contains(strings.ToLower(err.Error()), "i/o timeout")
	return &Error{Op: op, Transient: transient, Err: err}
}

func buildServiceSpec(spec ServiceSpec) swarm.ServiceSpec {
	labels := map[string]string{RoutingLabelKey: spec.RoutingLabel}
	for k, v := range spec.ExtraLabels {
		labels[k] = v
	}
	container := &swarm.ContainerSpec{
		Image: spec.Image,
		Env:   spec.Env,
	}
	if len(spec.DNS) > 0 {
		container.DNSConfig = &swarm.DNSConfig{Nameservers: spec.DNS}
	}
	if spec.ShmTmpfsBytes > 0 {
		container.Mounts = []mount.Mount{{
			Type:   mount.TypeTmpfs,
			Target: "/dev/shm",
			TmpfsOptions: &mount.TmpfsOptions{
				SizeBytes: spec.ShmTmpfsBytes,
			},
		}}
	}
	task := swarm.TaskSpec{
		ContainerSpec: container,
		Resources: &swarm.ResourceRequirements{
			Limits: &swarm.Limit{
				MemoryBytes: spec.MemoryBytes,
				NanoCPUs:    spec.NanoCPUs,
			},
		},
	}
	if spec.Node != "" {
		task.Placement = &swarm.Placement{
			Constraints: []string{"node.labels.name==" + spec.Node},
		}
	}
	if spec.Network != "" {
		attachment := swarm.NetworkAttachmentConfig{Target: spec.Network}
		if spec.NetworkAlias != "" {
			attachment.Aliases = []string{spec.NetworkAlias}
		}
		task.Networks = append(task.Networks, attachment)
	}
	if spec.OwnerNetwork != "" && spec.OwnerNetwork != spec.Network {
		task.Networks = append(task.Networks, swarm.NetworkAttachmentConfig{Target: spec.OwnerNetwork})
	}
	out := swarm.ServiceSpec{
		Annotations:  swarm.Annotations{Name: spec.Name, Labels: labels},
		TaskTemplate: task,
	}
	if spec.PublishedPort > 0 {
		out.EndpointSpec = &swarm.EndpointSpec{
			Ports: []swarm.PortConfig{{
				Protocol:      swarm.PortConfigProtocolTCP,
				TargetPort:    uint32(spec.TargetPort),
				PublishedPort: uint32(spec.PublishedPort),
			}},
		}
	}
	return out
}

// ParseMemory converts limits like "512m" or "1g" to bytes. A bare number
// is taken as bytes.
func ParseMemory(limit string) (int64, error) {
	limit = strings.TrimSpace(strings.ToLower(limit))
	if limit == "" {
		return 0, fmt.Errorf("empty memory limit")
	}
	mult := int64(1)
	switch limit[len(limit)-1] {
	case 'k':
		mult = 1 << 10
		limit = limit[:len(limit)-1]
	case 'm':
		mult = 1 << 20
		limit = limit[:len(limit)-1]
	case 'g':
		mult = 1 << 30
		limit = limit[:len(limit)-1]
	}
	n, err := strconv.ParseInt(limit, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid memory limit %q", limit)
	}
	return n * mult, nil
}

func sameImage(running, requested string) bool {
	// task images may carry a digest suffix
	return running == requested || strings.HasPrefix(running, requested+"@")
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
