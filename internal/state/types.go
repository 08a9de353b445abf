package state

import "time"

// Kind is the category of an instance. All kinds share the same lifecycle
// machinery and differ only in how their target resolves to a Definition.
type Kind string

const (
	KindChallenge Kind = "challenge"
	KindDesktop   Kind = "desktop"
	KindShell     Kind = "shell"
)

// Instance is one provisioned, owned, time-bounded execution environment.
// At most one non-removed Instance exists per (OwnerID, Kind).
type Instance struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Kind       Kind      `json:"kind"`
	TargetRef  string    `json:"target_ref"`
	Port       int       `json:"port"`
	Token      string    `json:"token"`
	StartTime  time.Time `json:"start_time"`
	RenewCount int       `json:"renew_count"`
	Status     string    `json:"status"`
}

// RoutingLabel is the runtime label value used to find this instance's
// services and to address it through the proxy.
func (i Instance) RoutingLabel() string {
	return i.OwnerID + "-" + i.Token
}

// Definition is the resolved scheduler-level description of a target:
// what image to run, which inner port it serves, and how callers reach it.
type Definition struct {
	Key          string  `json:"key"`
	Kind         Kind    `json:"kind"`
	TargetRef    string  `json:"target_ref"`
	Image        string  `json:"image"`
	InnerPort    int     `json:"inner_port"`
	MemoryLimit  string  `json:"memory_limit"`
	CPULimit     float64 `json:"cpu_limit"`
	RedirectType string  `json:"redirect_type"`
}

// Snapshot is the persisted form of the repository.
type Snapshot struct {
	Instances   map[string]Instance   `json:"instances"`
	Definitions map[string]Definition `json:"definitions"`
	UpdatedAt   time.Time             `json:"updated_at"`
}
