package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/concrnt/resonite-gateway/api"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Postgres keeps the log of accepted posts in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun: db,
	}, nil
}

// Close closes the database.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// CreateSchema creates the posts table if it does not exist yet.
func (pg *Postgres) CreateSchema(ctx context.Context) error {
	if _, err := pg.createSchemaQuery().Exec(ctx); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// InsertPost appends an accepted post to the log. The returned post holds
// auto generated fields, such as the id.
func (pg *Postgres) InsertPost(ctx context.Context, p api.Post) (api.Post, error) {
	m := newPost(p)
	if _, err := pg.insertQuery(m).Exec(ctx); err != nil {
		return api.Post{}, fmt.Errorf("insert: %w", err)
	}
	return m.APIPost(), nil
}

func (pg *Postgres) createSchemaQuery() *bun.CreateTableQuery {
	return pg.bun.NewCreateTable().Model((*post)(nil)).IfNotExists()
}

func (pg *Postgres) insertQuery(m *post) *bun.InsertQuery {
	return pg.bun.NewInsert().Model(m).Returning("*")
}
