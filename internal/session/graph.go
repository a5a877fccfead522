package session

import (
	"sort"

	"github.com/artemis/web-migrate/internal/config"
)

// Step ids from the fixed synthesis template
const (
	StepInitialize         = "initialize"
	StepValidatePre        = "validate_pre_migration"
	StepCreateBackups      = "create_backups"
	StepEnableMaintenance  = "enable_maintenance"
	StepTransferFiles      = "transfer_files"
	StepMigrateDatabase    = "migrate_database"
	StepValidatePost       = "validate_post_migration"
	StepDisableMaintenance = "disable_maintenance"
	StepCleanup            = "cleanup"
)

type stepTemplate struct {
	id          string
	name        string
	description string
	include     func(*config.MigrationConfig) bool
}

func always(*config.MigrationConfig) bool { return true }

var stepTemplates = []stepTemplate{
	{StepInitialize, "Initialize", "Prepare working state for the migration", always},
	{StepValidatePre, "Pre-migration validation", "Check both systems before touching anything", always},
	{StepCreateBackups, "Create backups", "Snapshot files, database and config before changes",
		func(c *config.MigrationConfig) bool {
			return c.Options.BackupBefore || c.Options.BackupDestination != ""
		}},
	{StepEnableMaintenance, "Enable maintenance mode", "Put the source application into maintenance",
		func(c *config.MigrationConfig) bool { return c.Options.MaintenanceMode }},
	{StepTransferFiles, "Transfer files", "Move application files to the destination",
		func(c *config.MigrationConfig) bool { return c.Source.Paths.RootPath != "" }},
	{StepMigrateDatabase, "Migrate database", "Move the database to the destination",
		func(c *config.MigrationConfig) bool { return c.Source.Database != nil }},
	{StepValidatePost, "Post-migration validation", "Verify the destination after the move", always},
	{StepDisableMaintenance, "Disable maintenance mode", "Bring the application back up",
		func(c *config.MigrationConfig) bool { return c.Options.MaintenanceMode }},
	{StepCleanup, "Cleanup", "Remove temporary state", always},
}

// SynthesizeSteps builds the step list for cfg from the fixed template.
// Each included step depends on the previously included one, which
// yields the template's linear order.
func SynthesizeSteps(cfg *config.MigrationConfig) []*MigrationStep {
	steps := make([]*MigrationStep, 0, len(stepTemplates))
	prev := ""
	for _, t := range stepTemplates {
		if !t.include(cfg) {
			continue
		}
		step := &MigrationStep{
			ID:          t.id,
			Name:        t.name,
			Description: t.description,
			Status:      StepStatusPending,
		}
		if prev != "" {
			step.Dependencies = []string{prev}
		}
		prev = t.id
		steps = append(steps, step)
	}
	return steps
}

// SortSteps orders steps topologically by their dependencies using
// Kahn's algorithm. Ties are broken by list position so the template
// order is stable. Cycles and unknown dependencies are a
// ConfigurationError.
func SortSteps(steps []*MigrationStep) ([]*MigrationStep, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.ID]; dup {
			return nil, config.NewConfigurationError("duplicate step id %q", s.ID)
		}
		index[s.ID] = i
	}

	indegree := make([]int, len(steps))
	dependents := make(map[string][]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.Dependencies {
			if _, ok := index[dep]; !ok {
				return nil, config.NewConfigurationError("step %q depends on unknown step %q", s.ID, dep)
			}
			indegree[i]++
			dependents[dep] = append(dependents[dep], i)
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	sort.Ints(ready)

	sorted := make([]*MigrationStep, 0, len(steps))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		sorted = append(sorted, steps[i])
		for _, j := range dependents[steps[i].ID] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
		sort.Ints(ready)
	}

	if len(sorted) != len(steps) {
		remaining := make([]string, 0, len(steps))
		for i, s := range steps {
			if indegree[i] > 0 {
				remaining = append(remaining, s.ID)
			}
		}
		sort.Strings(remaining)
		return nil, config.NewConfigurationError("Circular dependency detected involving step %s", remaining[0])
	}
	return sorted, nil
}
