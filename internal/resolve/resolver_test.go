package resolve

import (
	"context"
	"errors"
	"testing"

	"jobplane/internal/apperrors"
	"jobplane/internal/catalog"
	"jobplane/internal/criteria"
	"jobplane/internal/job"
)

// seedCatalog builds a small two-cluster catalog:
//
//	presto-prod  UP  tags{prod,sla}        commands: prestocli
//	hive-adhoc   UP  tags{adhoc,test,pig}  commands: pigcli, hivecli
//	spark-down   OUT_OF_SERVICE tags{prod} commands: prestocli
func seedCatalog(t *testing.T) *catalog.Memory {
	t.Helper()
	ctx := context.Background()
	cat := catalog.NewMemory()

	apps := []*catalog.Application{
		{Common: catalog.Common{ID: "app-presto", Name: "presto", User: "platform", Version: "0.149"}, Status: catalog.ConfigActive},
		{Common: catalog.Common{ID: "app-pig", Name: "pig", User: "platform", Version: "0.15"}, Status: catalog.ConfigActive},
	}
	for _, a := range apps {
		if err := cat.SaveApplication(ctx, a); err != nil {
			t.Fatalf("SaveApplication %s: %v", a.ID, err)
		}
	}

	cmds := []*catalog.Command{
		{
			Common:     catalog.Common{ID: "cmd-presto", Name: "prestocli", User: "platform", Version: "1.0", Tags: criteria.NewTagSet("prestocli")},
			Status:     catalog.ConfigActive,
			Executable: []string{"presto"},
			CheckDelay: 5000,
		},
		{
			Common:     catalog.Common{ID: "cmd-pig", Name: "pigcli", User: "platform", Version: "1.0", Tags: criteria.NewTagSet("pigcli", "pig")},
			Status:     catalog.ConfigActive,
			Executable: []string{"pig"},
			CheckDelay: 5000,
		},
		{
			Common:     catalog.Common{ID: "cmd-hive", Name: "hivecli", User: "platform", Version: "1.0", Tags: criteria.NewTagSet("hivecli")},
			Status:     catalog.ConfigActive,
			Executable: []string{"hive"},
			CheckDelay: 5000,
		},
	}
	for _, c := range cmds {
		if err := cat.SaveCommand(ctx, c); err != nil {
			t.Fatalf("SaveCommand %s: %v", c.ID, err)
		}
	}

	clusters := []*catalog.Cluster{
		{Common: catalog.Common{ID: "cl-prod", Name: "presto-prod", User: "platform", Version: "1.0", Tags: criteria.NewTagSet("prod", "sla")}, Status: catalog.ClusterUp},
		{Common: catalog.Common{ID: "cl-adhoc", Name: "hive-adhoc", User: "platform", Version: "1.0", Tags: criteria.NewTagSet("adhoc", "test", "pig")}, Status: catalog.ClusterUp},
		{Common: catalog.Common{ID: "cl-down", Name: "spark-down", User: "platform", Version: "1.0", Tags: criteria.NewTagSet("prod")}, Status: catalog.ClusterOutOfService},
	}
	for _, c := range clusters {
		if err := cat.SaveCluster(ctx, c); err != nil {
			t.Fatalf("SaveCluster %s: %v", c.ID, err)
		}
	}

	if err := cat.SetCommandApplications(ctx, "cmd-presto", []string{"app-presto"}); err != nil {
		t.Fatalf("SetCommandApplications: %v", err)
	}
	if err := cat.SetClusterCommands(ctx, "cl-prod", []string{"cmd-presto"}); err != nil {
		t.Fatalf("SetClusterCommands cl-prod: %v", err)
	}
	if err := cat.SetClusterCommands(ctx, "cl-adhoc", []string{"cmd-pig", "cmd-hive"}); err != nil {
		t.Fatalf("SetClusterCommands cl-adhoc: %v", err)
	}
	if err := cat.SetClusterCommands(ctx, "cl-down", []string{"cmd-presto"}); err != nil {
		t.Fatalf("SetClusterCommands cl-down: %v", err)
	}
	return cat
}

func TestResolveDirectMatch(t *testing.T) {
	t.Parallel()
	r := New(seedCatalog(t))

	plan, err := r.Resolve(context.Background(), &job.Request{
		ClusterCriterias: []criteria.Criteria{criteria.New("prod", "sla")},
		CommandCriteria:  criteria.NewTagSet("prestocli"),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Cluster.ID != "cl-prod" {
		t.Errorf("cluster = %s, want cl-prod", plan.Cluster.ID)
	}
	if plan.Command.ID != "cmd-presto" {
		t.Errorf("command = %s, want cmd-presto", plan.Command.ID)
	}
	if len(plan.Applications) != 1 || plan.Applications[0].ID != "app-presto" {
		t.Errorf("applications = %+v", plan.Applications)
	}
	if plan.CriteriaString != "prod,sla" {
		t.Errorf("criteria string = %q, want %q", plan.CriteriaString, "prod,sla")
	}
}

// The first criteria entry matches nothing, the second matches the adhoc
// cluster. The fallback entry must be recorded as the winner.
func TestResolveOrderedFallback(t *testing.T) {
	t.Parallel()
	r := New(seedCatalog(t))

	plan, err := r.Resolve(context.Background(), &job.Request{
		ClusterCriterias: []criteria.Criteria{
			criteria.New("nonexistent-tag"),
			criteria.New("pig", "test"),
		},
		CommandCriteria: criteria.NewTagSet("pigcli"),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Cluster.ID != "cl-adhoc" {
		t.Errorf("cluster = %s, want cl-adhoc", plan.Cluster.ID)
	}
	if plan.Command.ID != "cmd-pig" {
		t.Errorf("command = %s, want cmd-pig", plan.Command.ID)
	}
	if plan.CriteriaString != "pig,test" {
		t.Errorf("criteria string = %q, want the fallback entry", plan.CriteriaString)
	}
}

func TestResolveSkipsUnusableClusters(t *testing.T) {
	t.Parallel()
	r := New(seedCatalog(t))

	// Only cl-down carries exactly {prod} without sla among OUT_OF_SERVICE
	// clusters; cl-prod is the UP superset match and must win.
	plan, err := r.Resolve(context.Background(), &job.Request{
		ClusterCriterias: []criteria.Criteria{criteria.New("prod")},
		CommandCriteria:  criteria.NewTagSet("prestocli"),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Cluster.ID != "cl-prod" {
		t.Errorf("cluster = %s, OUT_OF_SERVICE clusters must not place work", plan.Cluster.ID)
	}
}

func TestResolveCommandOrderWithinCluster(t *testing.T) {
	t.Parallel()
	r := New(seedCatalog(t))

	// Empty command criteria matches every command; the cluster's declared
	// order decides, so cmd-pig wins over cmd-hive.
	plan, err := r.Resolve(context.Background(), &job.Request{
		ClusterCriterias: []criteria.Criteria{criteria.New("adhoc")},
		CommandCriteria:  criteria.NewTagSet(),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Command.ID != "cmd-pig" {
		t.Errorf("command = %s, want first in declared order", plan.Command.ID)
	}
}

func TestResolveApplicationOverride(t *testing.T) {
	t.Parallel()
	r := New(seedCatalog(t))

	plan, err := r.Resolve(context.Background(), &job.Request{
		ClusterCriterias: []criteria.Criteria{criteria.New("prod")},
		CommandCriteria:  criteria.NewTagSet("prestocli"),
		ApplicationIDs:   []string{"app-pig", "app-presto"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan.Applications) != 2 || plan.Applications[0].ID != "app-pig" || plan.Applications[1].ID != "app-presto" {
		t.Errorf("applications = %+v, want override list in order", plan.Applications)
	}

	_, err = r.Resolve(context.Background(), &job.Request{
		ClusterCriterias: []criteria.Criteria{criteria.New("prod")},
		CommandCriteria:  criteria.NewTagSet("prestocli"),
		ApplicationIDs:   []string{"no-such-app"},
	})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown application error = %v, want not found", err)
	}
}

func TestResolveFailures(t *testing.T) {
	t.Parallel()
	r := New(seedCatalog(t))
	ctx := context.Background()

	_, err := r.Resolve(ctx, &job.Request{
		ClusterCriterias: []criteria.Criteria{criteria.New("no-such-cluster-tag")},
		CommandCriteria:  criteria.NewTagSet("prestocli"),
	})
	if !errors.Is(err, ErrNoClusterMatch) {
		t.Errorf("error = %v, want ErrNoClusterMatch", err)
	}

	_, err = r.Resolve(ctx, &job.Request{
		ClusterCriterias: []criteria.Criteria{criteria.New("prod")},
		CommandCriteria:  criteria.NewTagSet("no-such-command-tag"),
	})
	if !errors.Is(err, ErrNoCommandMatch) {
		t.Errorf("error = %v, want ErrNoCommandMatch", err)
	}
}
