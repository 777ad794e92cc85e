package save

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/orm/cascade"
	"github.com/conduit-lang/cascade/internal/orm/dialect"
	"github.com/conduit-lang/cascade/internal/orm/draft"
	"github.com/conduit-lang/cascade/internal/orm/transaction"
)

// Option configures one save call
type Option func(*options)

type options struct {
	autoAttachAll  bool
	partialSuccess bool
	tenant         interface{}
}

// WithAutoAttachAll detaches stored collection members missing from the drafts
func WithAutoAttachAll() Option {
	return func(o *options) {
		o.autoAttachAll = true
	}
}

// WithPartialSuccess lets SaveAll keep going after a failed root. Each root
// runs under its own savepoint.
func WithPartialSuccess() Option {
	return func(o *options) {
		o.partialSuccess = true
	}
}

// WithTenant sets the tenant of new rows and natural key lookups
func WithTenant(tenant interface{}) Option {
	return func(o *options) {
		o.tenant = tenant
	}
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithInterceptor adds an interceptor called before every row write
func WithInterceptor(i Interceptor) ClientOption {
	return func(c *Client) {
		c.interceptors = append(c.interceptors, i)
	}
}

// WithObserver adds an observer notified of every committed root
func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		c.observers = append(c.observers, o)
	}
}

// WithRetry sets the deadlock retry policy of client-owned transactions
func WithRetry(config transaction.RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = config
	}
}

// Observer is notified after a root was saved and its transaction
// committed. In a joined transaction the commit is the caller's, so observers
// run when Save returns.
type Observer interface {
	Saved(ctx context.Context, res *Result)
}

// Client saves draft trees
type Client struct {
	db           *sql.DB
	dialect      dialect.Dialect
	meta         cascade.Metadata
	planner      *cascade.Planner
	executor     *Executor
	tx           *transaction.Manager
	retry        transaction.RetryConfig
	logger       *zap.Logger
	interceptors []Interceptor
	observers    []Observer
}

// NewClient creates a client
func NewClient(db *sql.DB, d dialect.Dialect, m cascade.Metadata, opts ...ClientOption) *Client {
	c := &Client{
		db:      db,
		dialect: d,
		meta:    m,
		retry:   transaction.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.planner = cascade.NewPlanner(m, c.logger)
	c.executor = NewExecutor(d, c.logger, c.interceptors...)
	c.tx = transaction.NewManager(db, transaction.WithLogger(c.logger))
	return c
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Plan returns the save plan of root without writing anything
func (c *Client) Plan(ctx context.Context, root *draft.Draft, opts ...Option) ([]*cascade.Node, error) {
	o := buildOptions(opts)
	var q Querier = c.db
	if tx, ok := transaction.FromContext(ctx); ok {
		q = tx
	}
	return c.plan(ctx, q, root, o)
}

func (c *Client) plan(ctx context.Context, q Querier, root *draft.Draft, o options) ([]*cascade.Node, error) {
	// the lookup may reload the graph, so the naming strategy is read after it
	if _, err := c.meta.Lookup(ctx, root.Type()); err != nil {
		return nil, err
	}
	reader := NewReader(q, c.dialect, c.meta.Graph().NamingStrategy(), o.tenant)
	return c.planner.Plan(ctx, root, cascade.Options{AutoAttachAll: o.autoAttachAll, Reader: reader})
}

func (c *Client) saveOne(ctx context.Context, q Querier, root *draft.Draft, o options) (*Result, error) {
	nodes, err := c.plan(ctx, q, root, o)
	if err != nil {
		return nil, err
	}
	return c.executor.Execute(ctx, q, nodes, Options{Tenant: o.tenant})
}

// Save plans and executes root in one transaction. A transaction stored in ctx
// is joined; otherwise the client runs its own and retries it on deadlocks.
// Generated identifiers are written back onto the drafts after the commit.
func (c *Client) Save(ctx context.Context, root *draft.Draft, opts ...Option) (*Result, error) {
	o := buildOptions(opts)

	if tx, ok := transaction.FromContext(ctx); ok {
		res, err := c.saveOne(ctx, tx, root, o)
		if err != nil {
			return res, err
		}
		res.Apply()
		c.notify(ctx, res)
		return res, nil
	}

	var res *Result
	err := c.tx.RunWithRetry(ctx, c.retry, func(ctx context.Context, tx *transaction.Transaction) error {
		var err error
		res, err = c.saveOne(ctx, tx, root, o)
		return err
	})
	if err != nil {
		return res, err
	}

	res.Apply()
	c.notify(ctx, res)
	c.logger.Debug("saved",
		zap.String("root", root.Type().Name()),
		zap.Any("id", res.RootID),
		zap.Int("statements", len(res.Statements)),
	)
	return res, nil
}

// SaveAll saves roots in order inside one transaction. It stops at the first
// failure unless WithPartialSuccess is given, in which case failed roots are
// rolled back to their savepoint and reported through Result.Err.
func (c *Client) SaveAll(ctx context.Context, roots []*draft.Draft, opts ...Option) ([]*Result, error) {
	o := buildOptions(opts)

	var results []*Result
	run := func(ctx context.Context, tx *transaction.Transaction) error {
		results = make([]*Result, 0, len(roots))
		for i, root := range roots {
			if !o.partialSuccess {
				res, err := c.saveOne(ctx, tx, root, o)
				results = append(results, failed(res, root, err))
				if err != nil {
					return err
				}
				continue
			}

			sp, err := tx.Savepoint(ctx)
			if err != nil {
				return err
			}
			res, err := c.saveOne(ctx, sp, root, o)
			if err != nil {
				if rbErr := sp.Rollback(ctx); rbErr != nil {
					return rbErr
				}
				c.logger.Warn("batch member failed", zap.Int("index", i), zap.Error(err))
				results = append(results, failed(res, root, err))
				continue
			}
			if err := sp.Commit(ctx); err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	}

	var err error
	if tx, ok := transaction.FromContext(ctx); ok {
		err = run(ctx, tx)
	} else {
		err = c.tx.RunWithRetry(ctx, c.retry, run)
	}
	if err != nil {
		return results, err
	}

	for _, res := range results {
		if res.Err == nil {
			res.Apply()
			c.notify(ctx, res)
		}
	}
	return results, nil
}

func (c *Client) notify(ctx context.Context, res *Result) {
	for _, o := range c.observers {
		o.Saved(ctx, res)
	}
}

func failed(res *Result, root *draft.Draft, err error) *Result {
	if res == nil {
		res = newResult(root)
	}
	res.Err = err
	return res
}
