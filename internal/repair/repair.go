// Package repair restores the visibility invariant of task documents.
//
// Every task must list in its members field everyone who may read it: the
// project members, the project owner, the user running the repair and the
// task's assignees.
// Documents written by older clients may lack some of them, which makes live
// queries on the project fail authorization. A repair pass patches them with
// array unions, which are idempotent, so running it twice is harmless.
package repair

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/schema"
)

// Report summarizes one repair pass.
type Report struct {
	Projects int `json:"projects" yaml:"projects"`
	Scanned  int `json:"scanned" yaml:"scanned"`
	Patched  int `json:"patched" yaml:"patched"`
	Failed   int `json:"failed" yaml:"failed"`
	// Errors holds one message per failure, in order.
	Errors []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Repairer runs repair passes against a store.
type Repairer struct {
	store  remote.Store
	logger *log.Logger
}

// New creates a Repairer. If logger is nil, a default logger is used.
func New(store remote.Store, logger *log.Logger) *Repairer {
	if logger == nil {
		logger = log.New(os.Stderr, "[repair] ", log.LstdFlags)
	}
	return &Repairer{store: store, logger: logger}
}

// Run repairs every task of every project actor belongs to. Failures of
// individual queries or patches are counted in the report and never stop the
// pass; only a failure to list projects returns an error.
func (r *Repairer) Run(ctx context.Context, actor string) (Report, error) {
	var report Report

	projects, err := r.store.Query(ctx, remote.NewQuery(schema.CollectionProjects,
		remote.ArrayContains(schema.FieldMembers, actor)))
	if err != nil {
		return report, fmt.Errorf("failed to list projects of %s: %w", actor, err)
	}

	for _, doc := range projects {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		project, err := schema.ProjectFromFields(doc.ID, doc.Fields)
		if err != nil {
			report.fail(r.logger, "decode project %s: %v", doc.ID, err)
			continue
		}
		report.Projects++
		r.repairProject(ctx, project, actor, &report)
	}

	r.logger.Printf("repair for %s: %d projects, %d scanned, %d patched, %d failed",
		actor, report.Projects, report.Scanned, report.Patched, report.Failed)
	return report, nil
}

func (r *Repairer) repairProject(ctx context.Context, project schema.Project, actor string, report *Report) {
	required := project.RequiredMembers(actor)
	seen := make(map[string]bool)

	// Tasks are stored under every historical scope id representation.
	for _, variant := range schema.ScopeIDVariants(project.ID) {
		docs, err := r.store.Query(ctx, remote.NewQuery(schema.CollectionTasks,
			remote.Eq(schema.FieldScopeID, variant)))
		if err != nil {
			report.fail(r.logger, "query tasks of project %s (%#v): %v", project.ID, variant, err)
			continue
		}

		for _, doc := range docs {
			if seen[doc.ID] {
				continue
			}
			seen[doc.ID] = true
			report.Scanned++

			task, err := schema.TaskFromFields(doc.ID, doc.Fields)
			if err != nil {
				report.fail(r.logger, "decode task %s: %v", doc.ID, err)
				continue
			}
			missing := schema.Missing(task.Members, schema.Union(required, task.AssignedTo...))
			if len(missing) == 0 {
				continue
			}

			values := make([]any, len(missing))
			for i, id := range missing {
				values[i] = id
			}
			if err := r.store.ArrayUnion(ctx, schema.CollectionTasks, doc.ID, schema.FieldMembers, values); err != nil {
				report.fail(r.logger, "patch task %s: %v", doc.ID, err)
				continue
			}
			report.Patched++
		}
	}
}

func (rep *Report) fail(logger *log.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Printf("failed to %s", msg)
	rep.Failed++
	rep.Errors = append(rep.Errors, msg)
}
