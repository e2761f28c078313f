package store

import (
	"context"
	"database/sql/driver"
	"regexp"
	"strings"
	"time"

	"github.com/ngrok/sqlmw"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	statementRegex = regexp.MustCompile(`^\s*(\w+)`)
	dbOpLatency    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "db_op_duration_milliseconds",
		Help:      "Time spent on a database operation",
		Subsystem: "orchestrator",
		Buckets:   []float64{5, 25, 100, 300, 1000, 5000},
	}, []string{"op", "statement"})
	dbOpTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "db_op_total",
		Help:      "Number of database operations",
		Subsystem: "orchestrator",
	}, []string{"op", "outcome"})
)

func init() {
	prometheus.MustRegister(dbOpLatency)
	prometheus.MustRegister(dbOpTotal)
}

// metricInterceptor measures the statements sent through the instrumented postgres driver.
type metricInterceptor struct {
	sqlmw.NullInterceptor
}

func (mi *metricInterceptor) ConnBeginTx(ctx context.Context, conn driver.ConnBeginTx, opts driver.TxOptions) (context.Context, driver.Tx, error) {
	start := time.Now()
	tx, err := conn.BeginTx(ctx, opts)
	mi.measure("begin", "", start, err)
	return ctx, tx, err
}

func (mi *metricInterceptor) ConnExecContext(ctx context.Context, conn driver.ExecerContext, query string, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	res, err := conn.ExecContext(ctx, query, args)
	mi.measure("exec", query, start, err)
	return res, err
}

func (mi *metricInterceptor) ConnQueryContext(ctx context.Context, conn driver.QueryerContext, query string, args []driver.NamedValue) (context.Context, driver.Rows, error) {
	start := time.Now()
	rows, err := conn.QueryContext(ctx, query, args)
	mi.measure("query", query, start, err)
	return ctx, rows, err
}

func (mi *metricInterceptor) StmtExecContext(ctx context.Context, stmt driver.StmtExecContext, query string, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	res, err := stmt.ExecContext(ctx, args)
	mi.measure("stmt-exec", query, start, err)
	return res, err
}

func (mi *metricInterceptor) StmtQueryContext(ctx context.Context, stmt driver.StmtQueryContext, query string, args []driver.NamedValue) (context.Context, driver.Rows, error) {
	start := time.Now()
	rows, err := stmt.QueryContext(ctx, args)
	mi.measure("stmt-query", query, start, err)
	return ctx, rows, err
}

func (mi *metricInterceptor) TxCommit(ctx context.Context, tx driver.Tx) error {
	start := time.Now()
	err := tx.Commit()
	mi.measure("commit", "", start, err)
	return err
}

func (mi *metricInterceptor) TxRollback(ctx context.Context, tx driver.Tx) error {
	start := time.Now()
	err := tx.Rollback()
	mi.measure("rollback", "", start, err)
	return err
}

func (mi *metricInterceptor) measure(op, query string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	dbOpTotal.With(prometheus.Labels{"op": op, "outcome": outcome}).Inc()

	statement := op
	if matches := statementRegex.FindStringSubmatch(query); len(matches) > 1 {
		statement = strings.ToLower(matches[1])
	}
	dbOpLatency.With(prometheus.Labels{"op": op, "statement": statement}).Observe(float64(time.Since(start).Milliseconds()))
}
