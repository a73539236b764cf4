package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"jobplane/internal/apperrors"
	"jobplane/internal/catalog"
	"jobplane/internal/criteria"
)

// The same sqlite database doubles as the catalog registry. Link tables
// carry an explicit ord column: command order within a cluster and
// application order within a command are operator-declared priority.

var _ catalog.Registry = (*Sqlite)(nil)

func createCatalogTables(tx *sql.Tx) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS clusters (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			user TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			cluster_type TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			configs TEXT NOT NULL DEFAULT '[]',
			dependencies TEXT NOT NULL DEFAULT '[]',
			setup_file TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created INTEGER NOT NULL,
			updated INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			user TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			executable TEXT NOT NULL,
			check_delay INTEGER NOT NULL,
			memory_mb INTEGER,
			tags TEXT NOT NULL DEFAULT '[]',
			configs TEXT NOT NULL DEFAULT '[]',
			dependencies TEXT NOT NULL DEFAULT '[]',
			setup_file TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created INTEGER NOT NULL,
			updated INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS applications (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			user TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			app_type TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			configs TEXT NOT NULL DEFAULT '[]',
			dependencies TEXT NOT NULL DEFAULT '[]',
			setup_file TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created INTEGER NOT NULL,
			updated INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cluster_commands (
			cluster_id TEXT NOT NULL REFERENCES clusters(id),
			ord INTEGER NOT NULL,
			command_id TEXT NOT NULL REFERENCES commands(id),
			PRIMARY KEY (cluster_id, ord)
		);`,
		`CREATE TABLE IF NOT EXISTS command_applications (
			command_id TEXT NOT NULL REFERENCES commands(id),
			ord INTEGER NOT NULL,
			application_id TEXT NOT NULL REFERENCES applications(id),
			PRIMARY KEY (command_id, ord)
		);`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// upsertTimes returns (created, updated) for a save, preserving the existing
// created stamp and always stamping updated with the system clock.
func (s *Sqlite) upsertTimes(ctx context.Context, tx *sql.Tx, table, id string) (int64, int64, error) {
	now := s.now().UTC().UnixNano()
	var created int64
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT created FROM %s WHERE id = ?`, table), id).Scan(&created)
	if err == sql.ErrNoRows {
		return now, now, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return created, now, nil
}

func (s *Sqlite) SaveCluster(ctx context.Context, c *catalog.Cluster) error {
	if err := catalog.ValidateCluster(c); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.saveCluster", err)
	}
	defer tx.Rollback()

	created, updated, err := s.upsertTimes(ctx, tx, "clusters", c.ID)
	if err != nil {
		return apperrors.Internal("store.saveCluster", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO clusters (
			id, name, user, version, status, cluster_type, tags,
			configs, dependencies, setup_file, description, created, updated
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, user = excluded.user, version = excluded.version,
			status = excluded.status, cluster_type = excluded.cluster_type,
			tags = excluded.tags, configs = excluded.configs,
			dependencies = excluded.dependencies, setup_file = excluded.setup_file,
			description = excluded.description, updated = excluded.updated
	`,
		c.ID, c.Name, c.User, c.Version, string(c.Status), c.ClusterType, mustJSON(c.Tags),
		mustJSON(c.Configs), mustJSON(c.Dependencies), c.SetupFile, c.Description, created, updated,
	)
	if err != nil {
		return apperrors.Internal("store.saveCluster", err)
	}
	return tx.Commit()
}

func (s *Sqlite) SaveCommand(ctx context.Context, c *catalog.Command) error {
	if err := catalog.ValidateCommand(c); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.saveCommand", err)
	}
	defer tx.Rollback()

	created, updated, err := s.upsertTimes(ctx, tx, "commands", c.ID)
	if err != nil {
		return apperrors.Internal("store.saveCommand", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO commands (
			id, name, user, version, status, executable, check_delay, memory_mb,
			tags, configs, dependencies, setup_file, description, created, updated
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, user = excluded.user, version = excluded.version,
			status = excluded.status, executable = excluded.executable,
			check_delay = excluded.check_delay, memory_mb = excluded.memory_mb,
			tags = excluded.tags, configs = excluded.configs,
			dependencies = excluded.dependencies, setup_file = excluded.setup_file,
			description = excluded.description, updated = excluded.updated
	`,
		c.ID, c.Name, c.User, c.Version, string(c.Status), mustJSON(c.Executable), c.CheckDelay, c.MemoryMB,
		mustJSON(c.Tags), mustJSON(c.Configs), mustJSON(c.Dependencies), c.SetupFile, c.Description, created, updated,
	)
	if err != nil {
		return apperrors.Internal("store.saveCommand", err)
	}
	return tx.Commit()
}

func (s *Sqlite) SaveApplication(ctx context.Context, a *catalog.Application) error {
	if err := catalog.ValidateApplication(a); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.saveApplication", err)
	}
	defer tx.Rollback()

	created, updated, err := s.upsertTimes(ctx, tx, "applications", a.ID)
	if err != nil {
		return apperrors.Internal("store.saveApplication", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO applications (
			id, name, user, version, status, app_type, tags,
			configs, dependencies, setup_file, description, created, updated
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, user = excluded.user, version = excluded.version,
			status = excluded.status, app_type = excluded.app_type,
			tags = excluded.tags, configs = excluded.configs,
			dependencies = excluded.dependencies, setup_file = excluded.setup_file,
			description = excluded.description, updated = excluded.updated
	`,
		a.ID, a.Name, a.User, a.Version, string(a.Status), a.AppType, mustJSON(a.Tags),
		mustJSON(a.Configs), mustJSON(a.Dependencies), a.SetupFile, a.Description, created, updated,
	)
	if err != nil {
		return apperrors.Internal("store.saveApplication", err)
	}
	return tx.Commit()
}

func (s *Sqlite) SetClusterCommands(ctx context.Context, clusterID string, commandIDs []string) error {
	return s.setLinks(ctx, "cluster", clusterID, "command", commandIDs, "cluster_commands", "cluster_id", "command_id", "clusters", "commands")
}

func (s *Sqlite) SetCommandApplications(ctx context.Context, commandID string, applicationIDs []string) error {
	return s.setLinks(ctx, "command", commandID, "application", applicationIDs, "command_applications", "command_id", "application_id", "commands", "applications")
}

func (s *Sqlite) setLinks(ctx context.Context, ownerKind, ownerID, childKind string, childIDs []string, linkTable, ownerCol, childCol, ownerTable, childTable string) error {
	op := "store.set" + linkTable
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, ownerTable), ownerID).Scan(&n); err != nil {
		return apperrors.Internal(op, err)
	}
	if n == 0 {
		return apperrors.NotFound(ownerKind, ownerID)
	}
	for _, id := range childIDs {
		if err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, childTable), id).Scan(&n); err != nil {
			return apperrors.Internal(op, err)
		}
		if n == 0 {
			return apperrors.NotFound(childKind, id)
		}
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, linkTable, ownerCol), ownerID); err != nil {
		return apperrors.Internal(op, err)
	}
	for i, id := range childIDs {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (%s, ord, %s) VALUES (?, ?, ?)`, linkTable, ownerCol, childCol),
			ownerID, i, id); err != nil {
			return apperrors.Internal(op, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET updated = ? WHERE id = ?`, ownerTable),
		s.now().UTC().UnixNano(), ownerID); err != nil {
		return apperrors.Internal(op, err)
	}
	return tx.Commit()
}

const clusterCols = `id, name, user, version, status, cluster_type, tags,
	configs, dependencies, setup_file, description, created, updated`

func (s *Sqlite) ListClusters(ctx context.Context) ([]*catalog.Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clusterCols+` FROM clusters ORDER BY updated DESC`)
	if err != nil {
		return nil, apperrors.Internal("store.listClusters", err)
	}
	defer rows.Close()

	var out []*catalog.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, apperrors.Internal("store.listClusters", err)
		}
		if err := s.loadClusterCommandIDs(ctx, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.listClusters", err)
	}
	return out, nil
}

func (s *Sqlite) GetCluster(ctx context.Context, id string) (*catalog.Cluster, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clusterCols+` FROM clusters WHERE id = ?`, id)
	c, err := scanCluster(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("cluster", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getCluster", err)
	}
	if err := s.loadClusterCommandIDs(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Sqlite) loadClusterCommandIDs(ctx context.Context, c *catalog.Cluster) error {
	ids, err := s.linkedIDs(ctx, `SELECT command_id FROM cluster_commands WHERE cluster_id = ? ORDER BY ord`, c.ID)
	if err != nil {
		return apperrors.Internal("store.getCluster", err)
	}
	c.CommandIDs = ids
	return nil
}

func (s *Sqlite) linkedIDs(ctx context.Context, query, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanCluster(row rowScanner) (*catalog.Cluster, error) {
	var (
		c                   catalog.Cluster
		status              string
		tags, configs, deps string
		created, updated    int64
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.User, &c.Version, &status, &c.ClusterType, &tags,
		&configs, &deps, &c.SetupFile, &c.Description, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	c.Status = catalog.ClusterStatus(status)
	if err := decodeCommonJSON(&c.Common, tags, configs, deps, created, updated); err != nil {
		return nil, err
	}
	return &c, nil
}

const commandCols = `id, name, user, version, status, executable, check_delay, memory_mb,
	tags, configs, dependencies, setup_file, description, created, updated`

func (s *Sqlite) GetCommand(ctx context.Context, id string) (*catalog.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandCols+` FROM commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("command", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getCommand", err)
	}
	if err := s.loadCommandApplicationIDs(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Sqlite) ListCommands(ctx context.Context) ([]*catalog.Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandCols+` FROM commands ORDER BY updated DESC`)
	if err != nil {
		return nil, apperrors.Internal("store.listCommands", err)
	}
	defer rows.Close()

	var out []*catalog.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, apperrors.Internal("store.listCommands", err)
		}
		if err := s.loadCommandApplicationIDs(ctx, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.listCommands", err)
	}
	return out, nil
}

func (s *Sqlite) loadCommandApplicationIDs(ctx context.Context, c *catalog.Command) error {
	ids, err := s.linkedIDs(ctx, `SELECT application_id FROM command_applications WHERE command_id = ? ORDER BY ord`, c.ID)
	if err != nil {
		return apperrors.Internal("store.getCommand", err)
	}
	c.ApplicationIDs = ids
	return nil
}

func scanCommand(row rowScanner) (*catalog.Command, error) {
	var (
		c                   catalog.Command
		status, executable  string
		memoryMB            sql.NullInt64
		tags, configs, deps string
		created, updated    int64
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.User, &c.Version, &status, &executable, &c.CheckDelay, &memoryMB,
		&tags, &configs, &deps, &c.SetupFile, &c.Description, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	c.Status = catalog.ConfigStatus(status)
	if err := json.Unmarshal([]byte(executable), &c.Executable); err != nil {
		return nil, fmt.Errorf("parse executable: %w", err)
	}
	if memoryMB.Valid {
		v := int(memoryMB.Int64)
		c.MemoryMB = &v
	}
	if err := decodeCommonJSON(&c.Common, tags, configs, deps, created, updated); err != nil {
		return nil, err
	}
	return &c, nil
}

const applicationCols = `id, name, user, version, status, app_type, tags,
	configs, dependencies, setup_file, description, created, updated`

func (s *Sqlite) GetApplication(ctx context.Context, id string) (*catalog.Application, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+applicationCols+` FROM applications WHERE id = ?`, id)
	a, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("application", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getApplication", err)
	}
	return a, nil
}

func (s *Sqlite) ListApplications(ctx context.Context) ([]*catalog.Application, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+applicationCols+` FROM applications ORDER BY updated DESC`)
	if err != nil {
		return nil, apperrors.Internal("store.listApplications", err)
	}
	defer rows.Close()

	var out []*catalog.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, apperrors.Internal("store.listApplications", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.listApplications", err)
	}
	return out, nil
}

func scanApplication(row rowScanner) (*catalog.Application, error) {
	var (
		a                   catalog.Application
		status              string
		tags, configs, deps string
		created, updated    int64
	)
	err := row.Scan(
		&a.ID, &a.Name, &a.User, &a.Version, &status, &a.AppType, &tags,
		&configs, &deps, &a.SetupFile, &a.Description, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	a.Status = catalog.ConfigStatus(status)
	if err := decodeCommonJSON(&a.Common, tags, configs, deps, created, updated); err != nil {
		return nil, err
	}
	return &a, nil
}

func decodeCommonJSON(c *catalog.Common, tags, configs, deps string, created, updated int64) error {
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return fmt.Errorf("parse tags: %w", err)
	}
	if c.Tags == nil {
		c.Tags = criteria.TagSet{}
	}
	if err := json.Unmarshal([]byte(configs), &c.Configs); err != nil {
		return fmt.Errorf("parse configs: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &c.Dependencies); err != nil {
		return fmt.Errorf("parse dependencies: %w", err)
	}
	c.Created = time.Unix(0, created).UTC()
	c.Updated = time.Unix(0, updated).UTC()
	return nil
}

// CommandsForCluster returns the cluster's commands in its declared order.
// A dangling reference is an error, not a silent skip.
func (s *Sqlite) CommandsForCluster(ctx context.Context, clusterID string) ([]*catalog.Command, error) {
	c, err := s.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	out := make([]*catalog.Command, 0, len(c.CommandIDs))
	for _, id := range c.CommandIDs {
		cmd, err := s.GetCommand(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, nil
}

// ApplicationsForCommand returns the command's applications in its declared
// order. A dangling reference is an error, not a silent skip.
func (s *Sqlite) ApplicationsForCommand(ctx context.Context, commandID string) ([]*catalog.Application, error) {
	c, err := s.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	out := make([]*catalog.Application, 0, len(c.ApplicationIDs))
	for _, id := range c.ApplicationIDs {
		app, err := s.GetApplication(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, nil
}
