package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Schema is additive-only: tables are created when absent and missing
// columns are added on open. Existing data is never dropped or rewritten,
// so any sequence of migrations converges on the same column set.

type columnDef struct {
	name string
	ddl  string // full "name TYPE [DEFAULT ...]" clause
}

type tableDef struct {
	name    string
	columns []columnDef
	extra   []string // table constraints appended on fresh create
	indexes []string
}

func col(name, ddl string) columnDef {
	return columnDef{name: name, ddl: ddl}
}

// Dates are ISO-8601 TEXT, booleans INTEGER 0/1, complex values JSON TEXT.
var schema = []tableDef{
	{
		name: "tasks",
		columns: []columnDef{
			col("id", "id TEXT PRIMARY KEY"),
			col("project_path", "project_path TEXT NOT NULL DEFAULT ''"),
			col("workflow", "workflow TEXT NOT NULL DEFAULT ''"),
			col("description", "description TEXT NOT NULL DEFAULT ''"),
			col("acceptance_criteria", "acceptance_criteria TEXT NOT NULL DEFAULT ''"),
			col("autonomy", "autonomy TEXT NOT NULL DEFAULT 'full'"),
			col("priority", "priority TEXT NOT NULL DEFAULT 'normal'"),
			col("effort", "effort TEXT NOT NULL DEFAULT ''"),
			col("status", "status TEXT NOT NULL DEFAULT 'pending'"),
			col("current_stage", "current_stage TEXT NOT NULL DEFAULT ''"),
			col("retry_count", "retry_count INTEGER NOT NULL DEFAULT 0"),
			col("max_retries", "max_retries INTEGER NOT NULL DEFAULT 3"),
			col("resume_attempts", "resume_attempts INTEGER NOT NULL DEFAULT 0"),
			col("branch", "branch TEXT NOT NULL DEFAULT ''"),
			col("pr_url", "pr_url TEXT NOT NULL DEFAULT ''"),
			col("error", "error TEXT NOT NULL DEFAULT ''"),
			col("paused_at", "paused_at TEXT"),
			col("resume_after", "resume_after TEXT"),
			col("pause_reason", "pause_reason TEXT NOT NULL DEFAULT ''"),
			col("input_tokens", "input_tokens INTEGER NOT NULL DEFAULT 0"),
			col("output_tokens", "output_tokens INTEGER NOT NULL DEFAULT 0"),
			col("total_tokens", "total_tokens INTEGER NOT NULL DEFAULT 0"),
			col("estimated_cost", "estimated_cost REAL NOT NULL DEFAULT 0"),
			col("workspace_json", "workspace_json TEXT NOT NULL DEFAULT '{}'"),
			col("session_json", "session_json TEXT NOT NULL DEFAULT '{}'"),
			col("parent_task_id", "parent_task_id TEXT NOT NULL DEFAULT ''"),
			col("subtask_ids_json", "subtask_ids_json TEXT NOT NULL DEFAULT '[]'"),
			col("subtask_strategy", "subtask_strategy TEXT NOT NULL DEFAULT ''"),
			col("created_at", "created_at TEXT NOT NULL"),
			col("updated_at", "updated_at TEXT NOT NULL"),
			col("completed_at", "completed_at TEXT"),
			col("trashed_at", "trashed_at TEXT"),
		},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)",
			"CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)",
		},
	},
	{
		name: "task_logs",
		columns: []columnDef{
			col("id", "id TEXT PRIMARY KEY"),
			col("task_id", "task_id TEXT NOT NULL"),
			col("timestamp", "timestamp TEXT NOT NULL"),
			col("level", "level TEXT NOT NULL DEFAULT 'info'"),
			col("stage", "stage TEXT NOT NULL DEFAULT ''"),
			col("agent", "agent TEXT NOT NULL DEFAULT ''"),
			col("message", "message TEXT NOT NULL DEFAULT ''"),
			col("metadata", "metadata TEXT"),
		},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, timestamp)",
		},
	},
	{
		name: "task_artifacts",
		columns: []columnDef{
			col("id", "id TEXT PRIMARY KEY"),
			col("task_id", "task_id TEXT NOT NULL"),
			col("name", "name TEXT NOT NULL DEFAULT ''"),
			col("type", "type TEXT NOT NULL DEFAULT 'data'"),
			col("path", "path TEXT NOT NULL DEFAULT ''"),
			col("content", "content TEXT NOT NULL DEFAULT ''"),
			col("created_at", "created_at TEXT NOT NULL"),
		},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_task_artifacts_task ON task_artifacts(task_id)",
		},
	},
	{
		name: "gates",
		columns: []columnDef{
			col("task_id", "task_id TEXT NOT NULL"),
			col("name", "name TEXT NOT NULL"),
			col("status", "status TEXT NOT NULL DEFAULT 'pending'"),
			col("required_at", "required_at TEXT NOT NULL"),
			col("responded_at", "responded_at TEXT"),
			col("approver", "approver TEXT NOT NULL DEFAULT ''"),
			col("comment", "comment TEXT NOT NULL DEFAULT ''"),
		},
		extra: []string{"PRIMARY KEY (task_id, name)"},
	},
	{
		name: "task_dependencies",
		columns: []columnDef{
			col("task_id", "task_id TEXT NOT NULL"),
			col("depends_on_id", "depends_on_id TEXT NOT NULL"),
		},
		extra: []string{"PRIMARY KEY (task_id, depends_on_id)"},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_task_deps_target ON task_dependencies(depends_on_id)",
		},
	},
	{
		name: "task_checkpoints",
		columns: []columnDef{
			col("task_id", "task_id TEXT NOT NULL"),
			col("checkpoint_id", "checkpoint_id TEXT NOT NULL"),
			col("stage", "stage TEXT NOT NULL DEFAULT ''"),
			col("stage_index", "stage_index INTEGER NOT NULL DEFAULT 0"),
			col("conversation", "conversation TEXT"),
			col("metadata", "metadata TEXT"),
			col("created_at", "created_at TEXT NOT NULL"),
		},
		extra: []string{"PRIMARY KEY (task_id, checkpoint_id)"},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON task_checkpoints(task_id, created_at)",
		},
	},
	{
		name: "commands",
		columns: []columnDef{
			col("id", "id TEXT PRIMARY KEY"),
			col("task_id", "task_id TEXT NOT NULL DEFAULT ''"),
			col("command", "command TEXT NOT NULL DEFAULT ''"),
			col("status", "status TEXT NOT NULL DEFAULT 'pending'"),
			col("created_at", "created_at TEXT NOT NULL"),
		},
	},
	{
		name: "iteration_entries",
		columns: []columnDef{
			col("id", "id TEXT PRIMARY KEY"),
			col("task_id", "task_id TEXT NOT NULL"),
			col("feedback", "feedback TEXT NOT NULL DEFAULT ''"),
			col("stage", "stage TEXT NOT NULL DEFAULT ''"),
			col("before_json", "before_json TEXT NOT NULL DEFAULT '{}'"),
			col("after_json", "after_json TEXT"),
			col("modified_files_json", "modified_files_json TEXT NOT NULL DEFAULT '[]'"),
			col("diff_summary", "diff_summary TEXT NOT NULL DEFAULT ''"),
			col("created_at", "created_at TEXT NOT NULL"),
			col("completed_at", "completed_at TEXT"),
		},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_iterations_task ON iteration_entries(task_id, created_at)",
		},
	},
	{
		name: "thought_captures",
		columns: []columnDef{
			col("id", "id TEXT PRIMARY KEY"),
			col("content", "content TEXT NOT NULL DEFAULT ''"),
			col("created_at", "created_at TEXT NOT NULL"),
		},
	},
	{
		name: "task_interactions",
		columns: []columnDef{
			col("id", "id TEXT PRIMARY KEY"),
			col("task_id", "task_id TEXT NOT NULL"),
			col("command", "command TEXT NOT NULL DEFAULT ''"),
			col("params", "params TEXT"),
			col("requested_by", "requested_by TEXT NOT NULL DEFAULT ''"),
			col("result", "result TEXT NOT NULL DEFAULT ''"),
			col("created_at", "created_at TEXT NOT NULL"),
		},
	},
	{
		name: "workspace_info",
		columns: []columnDef{
			col("task_id", "task_id TEXT PRIMARY KEY"),
			col("path", "path TEXT NOT NULL DEFAULT ''"),
			col("branch", "branch TEXT NOT NULL DEFAULT ''"),
			col("strategy", "strategy TEXT NOT NULL DEFAULT ''"),
			col("created_at", "created_at TEXT NOT NULL"),
			col("last_used_at", "last_used_at TEXT"),
		},
	},
	{
		name: "idle_tasks",
		columns: []columnDef{
			col("id", "id TEXT PRIMARY KEY"),
			col("description", "description TEXT NOT NULL DEFAULT ''"),
			col("created_at", "created_at TEXT NOT NULL"),
		},
	},
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	for _, table := range schema {
		if err := ensureTable(ctx, s.db, table); err != nil {
			return fmt.Errorf("migrate %s: %w", table.name, err)
		}
	}
	return nil
}

func ensureTable(ctx context.Context, db *sqlx.DB, table tableDef) error {
	ddl := make([]string, 0, len(table.columns)+len(table.extra))
	for _, c := range table.columns {
		ddl = append(ddl, c.ddl)
	}
	ddl = append(ddl, table.extra...)
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table.name, strings.Join(ddl, ", "))
	if _, err := db.ExecContext(ctx, create); err != nil {
		return err
	}

	existing, err := existingColumns(ctx, db, table.name)
	if err != nil {
		return err
	}
	for _, c := range table.columns {
		if _, ok := existing[c.name]; ok {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table.name, c.ddl)
		if _, err := db.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table.name, c.name, err)
		}
	}

	for _, idx := range table.indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

func existingColumns(ctx context.Context, db *sqlx.DB, table string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		columns[name] = struct{}{}
	}
	return columns, rows.Err()
}
