package migrations

import (
	"context"
	"fmt"

	"github.com/quatton/qagent/pkg/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [up migration] ")

		// Create agent schema
		_, err := db.NewRaw("CREATE SCHEMA IF NOT EXISTS agent").Exec(ctx)
		if err != nil {
			return err
		}

		// Create runs table from struct
		_, err = db.NewCreateTable().
			Model((*models.AgentRun)(nil)).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		// Create usage table from struct
		_, err = db.NewCreateTable().
			Model((*models.UsageRecord)(nil)).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		stmts := []string{
			"CREATE INDEX IF NOT EXISTS agent_runs_thread_id_idx ON agent.runs (thread_id)",
			"CREATE INDEX IF NOT EXISTS agent_runs_status_idx ON agent.runs (status)",
		}
		for _, stmt := range stmts {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [down migration] ")

		_, err := db.NewDropTable().Model((*models.UsageRecord)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewDropTable().Model((*models.AgentRun)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewRaw("DROP SCHEMA IF EXISTS agent").Exec(ctx)
		if err != nil {
			return err
		}

		return nil
	})
}
