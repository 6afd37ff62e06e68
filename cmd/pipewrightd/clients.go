package main

import (
	"database/sql"
	"sync"

	"github.com/go-kit/kit/log"

	"github.com/pipewright/pipewright/pkg/cloud"
	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/pgcopy"
	"github.com/pipewright/pipewright/pkg/rds"
	"github.com/pipewright/pipewright/pkg/stack"
	"github.com/pipewright/pipewright/pkg/store"
	"github.com/pipewright/pipewright/pkg/workflow"
)

// clients builds each environment's controllers from the provider, so
// every step gets credentials for the environment it acts on.
type clients struct {
	provider     *cloud.Provider
	store        store.Store
	databaseURLs map[cloud.Environment]string
	open         func(dsn string) (*sql.DB, error)
	logger       log.Logger

	mu  sync.Mutex
	dbs map[cloud.Environment]*sql.DB
}

func newClients(provider *cloud.Provider, s store.Store, databaseURLs map[cloud.Environment]string, logger log.Logger) *clients {
	return &clients{
		provider:     provider,
		store:        s,
		databaseURLs: databaseURLs,
		open:         pgcopy.Open,
		logger:       logger,
		dbs:          map[cloud.Environment]*sql.DB{},
	}
}

func (c *clients) Stacks(env cloud.Environment) workflow.Stacks {
	return stack.NewController(c.provider.CloudFormation(env), log.With(c.logger, "environment", env))
}

func (c *clients) Snapshots(env cloud.Environment) workflow.Snapshots {
	return rds.NewController(c.provider.RDS(env), c.provider.Route53(env), c.journal("rds-cutover", env), log.With(c.logger, "environment", env))
}

// Copies shares one connection pool per environment across executions.
func (c *clients) Copies(env cloud.Environment) (workflow.Copies, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	db, ok := c.dbs[env]
	if !ok {
		dsn, ok := c.databaseURLs[env]
		if !ok {
			return nil, pipeerr.Newf(pipeerr.User, pipeerr.KindInvalidConfig, "no database configured for %s", env)
		}
		var err error
		if db, err = c.open(dsn); err != nil {
			return nil, err
		}
		c.dbs[env] = db
	}
	return pgcopy.NewController(db, c.journal("pg-rollback", env), log.With(c.logger, "environment", env)), nil
}

// journal scopes swap records to one environment, since QA and
// production may use the same identifiers.
func (c *clients) journal(kind string, env cloud.Environment) *store.Journal {
	return store.NewJournal(c.store, kind+"/"+string(env))
}

func (c *clients) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for env, db := range c.dbs {
		if err := db.Close(); err != nil {
			_ = c.logger.Log("environment", env, "err", err)
		}
	}
	return nil
}
