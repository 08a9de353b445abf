package orchestrator

import (
	"context"
	"fmt"

	"github.com/tryptoph/CTF-Paltform/internal/config"
	"github.com/tryptoph/CTF-Paltform/internal/state"
)

// Resolver turns a caller-supplied target reference into the definition
// the scheduler runs. Kind-specific callers depend on this interface only,
// never on another kind's internals.
type Resolver interface {
	Resolve(ctx context.Context, targetRef string) (state.Definition, error)
}

// catalogResolver serves kinds whose targets map directly onto catalog
// entries (challenge).
type catalogResolver struct {
	cfg  config.Config
	kind state.Kind
}

func (r catalogResolver) Resolve(_ context.Context, targetRef string) (state.Definition, error) {
	entry, ok := r.cfg.LookupCatalog(string(r.kind), targetRef)
	if !ok {
		return state.Definition{}, fmt.Errorf("%w: %s/%s", ErrUnknownTarget, r.kind, targetRef)
	}
	return definitionFromEntry(r.kind, entry), nil
}

// derivedResolver serves kinds that materialize a reusable scheduler
// definition from a template (desktop, shell). Materialization is
// get-or-create: concurrent requests for the same target converge on one
// stored definition.
type derivedResolver struct {
	cfg   config.Config
	store *state.Store
	kind  state.Kind
}

func (r derivedResolver) Resolve(_ context.Context, targetRef string) (state.Definition, error) {
	key := string(r.kind) + "/" + targetRef
	if d, ok := r.store.GetDefinition(key); ok {
		return d, nil
	}
	entry, ok := r.cfg.LookupCatalog(string(r.kind), targetRef)
	if !ok {
		return state.Definition{}, fmt.Errorf("%w: %s/%s", ErrUnknownTarget, r.kind, targetRef)
	}
	return r.store.PutDefinition(definitionFromEntry(r.kind, entry))
}

func definitionFromEntry(kind state.Kind, entry config.CatalogEntry) state.Definition {
	d := state.Definition{
		Key:          string(kind) + "/" + entry.Ref,
		Kind:         kind,
		TargetRef:    entry.Ref,
		Image:        entry.Image,
		InnerPort:    entry.InnerPort,
		MemoryLimit:  entry.MemoryLimit,
		CPULimit:     entry.CPULimit,
		RedirectType: entry.RedirectType,
	}
	if d.MemoryLimit == "" {
		d.MemoryLimit = "512m"
	}
	if d.CPULimit <= 0 {
		d.CPULimit = 1
	}
	if d.RedirectType == "" {
		d.RedirectType = "direct"
	}
	return d
}

func defaultResolvers(cfg config.Config, store *state.Store) map[state.Kind]Resolver {
	return map[state.Kind]Resolver{
		state.KindChallenge: catalogResolver{cfg: cfg, kind: state.KindChallenge},
		state.KindDesktop:   derivedResolver{cfg: cfg, store: store, kind: state.KindDesktop},
		state.KindShell:     derivedResolver{cfg: cfg, store: store, kind: state.KindShell},
	}
}
