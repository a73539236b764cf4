// Package resolve turns an abstract job request into a concrete execution
// plan: one cluster, one command, and an ordered application list, chosen
// from the catalog by tag matching.
package resolve

import (
	"context"
	"fmt"

	"jobplane/internal/catalog"
	"jobplane/internal/criteria"
	"jobplane/internal/job"
)

// Resolution failures a caller can classify. Defined next to the Resolver
// interface so callers need not import this package to match them.
var (
	ErrNoClusterMatch = job.ErrNoClusterMatch
	ErrNoCommandMatch = job.ErrNoCommandMatch
)

// Resolver picks placements against a catalog store. The zero SortOption
// prefers the most recently updated cluster among equals.
type Resolver struct {
	catalog catalog.Store
	sortOpt criteria.SortOption
}

var _ job.Resolver = (*Resolver)(nil)

// New creates a resolver over the given catalog.
func New(cat catalog.Store) *Resolver {
	return &Resolver{catalog: cat}
}

// Resolve walks the request's ordered cluster criteria list and returns the
// plan for the first entry that yields both a usable cluster and a usable
// command. Matching is exact and case-sensitive; a superset of tags on the
// cluster side still matches. The chosen criteria entry is recorded on the
// plan for audit.
func (r *Resolver) Resolve(ctx context.Context, req *job.Request) (*job.Plan, error) {
	clusters, err := r.catalog.ListClusters(ctx)
	if err != nil {
		return nil, err
	}

	matched, winner, ok := criteria.ResolveOrdered(req.ClusterCriterias, clusters, r.sortOpt)
	if !ok {
		return nil, fmt.Errorf("%w: tried %d criteria against %d clusters",
			ErrNoClusterMatch, len(req.ClusterCriterias), len(clusters))
	}

	// Among the matched clusters, best first, take the first one that can
	// actually serve the command criteria. Command priority within a
	// cluster is the operator-declared order, not a tag sort.
	for _, cl := range matched {
		cmds, err := r.catalog.CommandsForCluster(ctx, cl.ID)
		if err != nil {
			return nil, err
		}
		cmd := firstUsableCommand(cmds, req.CommandCriteria)
		if cmd == nil {
			continue
		}
		apps, err := r.applications(ctx, cmd, req.ApplicationIDs)
		if err != nil {
			return nil, err
		}
		return &job.Plan{
			Cluster:        cl,
			Command:        cmd,
			Applications:   apps,
			Criteria:       winner,
			CriteriaString: winner.String(),
		}, nil
	}
	return nil, fmt.Errorf("%w: %d matched clusters have no usable command for %s",
		ErrNoCommandMatch, len(matched), req.CommandCriteria)
}

func firstUsableCommand(cmds []*catalog.Command, required criteria.TagSet) *catalog.Command {
	for _, c := range cmds {
		if c.Usable() && c.EntityTags().ContainsAll(required) {
			return c
		}
	}
	return nil
}

// applications resolves the command's dependency list, honoring a request
// level override when present. Order is preserved either way.
func (r *Resolver) applications(ctx context.Context, cmd *catalog.Command, override []string) ([]*catalog.Application, error) {
	if len(override) == 0 {
		return r.catalog.ApplicationsForCommand(ctx, cmd.ID)
	}
	out := make([]*catalog.Application, 0, len(override))
	for _, id := range override {
		app, err := r.catalog.GetApplication(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, nil
}
