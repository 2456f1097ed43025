// Package diagnostics runs operational health checks against the quiz
// database: DSN sanity, TCP reachability, round trips, schema presence, a
// scratch write, concurrent connections and pool behaviour.
package diagnostics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Check names one diagnostic.
type Check string

const (
	CheckConn        Check = "conn"
	CheckPort        Check = "port"
	CheckPing        Check = "ping"
	CheckTables      Check = "tables"
	CheckWrite       Check = "write"
	CheckConcurrency Check = "concurrency"
	CheckPool        Check = "pool"
)

// AllChecks lists every check in execution order.
var AllChecks = []Check{CheckConn, CheckPort, CheckPing, CheckTables, CheckWrite, CheckConcurrency, CheckPool}

// Description is a one-line summary of what c verifies.
func (c Check) Description() string {
	switch c {
	case CheckConn:
		return "Analyze the connection string"
	case CheckPort:
		return "Check that the database port accepts TCP connections"
	case CheckPing:
		return "Open the database and run a round trip"
	case CheckTables:
		return "Check that every application table exists"
	case CheckWrite:
		return "Create and delete a scratch row in one transaction"
	case CheckConcurrency:
		return "Run several round trips at once"
	case CheckPool:
		return "Open and release connections repeatedly and report pool statistics"
	default:
		return string(c)
	}
}

// ParseCheck reports whether raw names a known check.
func ParseCheck(raw string) (Check, bool) {
	for _, c := range AllChecks {
		if string(c) == raw {
			return c, true
		}
	}
	return "", false
}

// Status is the outcome of one check. Warn does not fail a run.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Result is the outcome of one check.
type Result struct {
	Check     Check  `json:"check"`
	Status    Status `json:"status"`
	Detail    string `json:"detail"`
	ElapsedMS int64  `json:"elapsedMs"`
}

// Report is the outcome of one pass over the requested checks.
type Report struct {
	Attempt int      `json:"attempt"`
	Results []Result `json:"results"`
	Passed  bool     `json:"passed"`
}

// Database is the part of the store the checks exercise.
type Database interface {
	Ping(ctx context.Context) error
	MissingTables(ctx context.Context) []string
	ProbeWrite(ctx context.Context, name string) error
	PoolStats() (sql.DBStats, error)
	Migrate() error
	Close() error
}

// Opener opens the database without migrating it.
type Opener func() (Database, error)

// Config configures a Runner.
type Config struct {
	Driver string
	DSN    string
	Open   Opener
	// Concurrency is the number of simultaneous round trips; default 5.
	Concurrency int
	// PoolRounds is the number of sequential round trips; default 10.
	PoolRounds int
	// CheckTimeout bounds each check; default 5s.
	CheckTimeout time.Duration
	// Dial overrides the TCP dialer used by the port check.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Runner executes checks. The database is opened on first use and reopened
// after Reset.
type Runner struct {
	cfg Config
	db  Database
}

// NewRunner validates cfg and fills defaults.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Open == nil {
		return nil, errors.New("diagnostics: opener is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PoolRounds <= 0 {
		cfg.PoolRounds = 10
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}
	return &Runner{cfg: cfg}, nil
}

// Run executes checks in order and reports whether none failed.
func (r *Runner) Run(ctx context.Context, checks []Check) Report {
	rep := Report{Passed: true}
	for _, c := range checks {
		res := r.runOne(ctx, c)
		if res.Status == StatusFail {
			rep.Passed = false
		}
		rep.Results = append(rep.Results, res)
	}
	return rep
}

// RunWithRetries repeats Run until it passes or retries are exhausted,
// waiting interval between attempts. With fix set, Fix runs before each
// retry. onReport, when non-nil, sees every attempt.
func (r *Runner) RunWithRetries(ctx context.Context, checks []Check, retries int, interval time.Duration, fix bool, onReport func(Report)) Report {
	var rep Report
	for attempt := 1; ; attempt++ {
		rep = r.Run(ctx, checks)
		rep.Attempt = attempt
		if onReport != nil {
			onReport(rep)
		}
		if rep.Passed || attempt > retries {
			return rep
		}
		if fix {
			r.Fix(ctx)
		}
		r.Reset()
		select {
		case <-ctx.Done():
			return rep
		case <-time.After(interval):
		}
	}
}

// Fix creates missing tables. It returns the repairs that succeeded.
func (r *Runner) Fix(ctx context.Context) []string {
	var applied []string
	db, err := r.database()
	if err != nil {
		return applied
	}
	if len(db.MissingTables(ctx)) > 0 {
		if err := db.Migrate(); err == nil {
			applied = append(applied, "created missing tables")
		}
	}
	return applied
}

// Reset closes the database so the next check opens a fresh pool.
func (r *Runner) Reset() {
	if r.db != nil {
		_ = r.db.Close()
		r.db = nil
	}
}

// Close releases the database.
func (r *Runner) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *Runner) database() (Database, error) {
	if r.db != nil {
		return r.db, nil
	}
	db, err := r.cfg.Open()
	if err != nil {
		return nil, MaskError(err, r.cfg.DSN)
	}
	r.db = db
	return db, nil
}

func (r *Runner) runOne(ctx context.Context, c Check) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CheckTimeout)
	defer cancel()

	var status Status
	var detail string
	switch c {
	case CheckConn:
		status, detail = r.checkConn()
	case CheckPort:
		status, detail = r.checkPort(ctx)
	case CheckPing:
		status, detail = r.checkPing(ctx)
	case CheckTables:
		status, detail = r.checkTables(ctx)
	case CheckWrite:
		status, detail = r.checkWrite(ctx)
	case CheckConcurrency:
		status, detail = r.checkConcurrency(ctx)
	case CheckPool:
		status, detail = r.checkPool(ctx)
	default:
		status, detail = StatusFail, fmt.Sprintf("unknown check %q", c)
	}
	return Result{
		Check:     c,
		Status:    status,
		Detail:    detail,
		ElapsedMS: time.Since(start).Milliseconds(),
	}
}

func (r *Runner) checkConn() (Status, string) {
	ep, err := ParseDSN(r.cfg.Driver, r.cfg.DSN)
	if err != nil {
		return StatusFail, err.Error()
	}
	if !ep.Networked() {
		return StatusPass, fmt.Sprintf("%s database %s", r.cfg.Driver, ep.Database)
	}
	return StatusPass, fmt.Sprintf("%s://%s@%s/%s (%s)", r.cfg.Driver, ep.User, net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)), ep.Database, MaskDSN(r.cfg.DSN))
}

// checkPort only warns: a proxy or socket path can make the port look closed
// while the database is reachable, and the ping check is authoritative.
func (r *Runner) checkPort(ctx context.Context) (Status, string) {
	ep, err := ParseDSN(r.cfg.Driver, r.cfg.DSN)
	if err != nil {
		return StatusSkip, "no usable dsn"
	}
	if !ep.Networked() {
		return StatusSkip, "database is not reached over the network"
	}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	conn, err := r.cfg.Dial(ctx, "tcp", addr)
	if err != nil {
		return StatusWarn, fmt.Sprintf("cannot connect to %s: %v", addr, err)
	}
	_ = conn.Close()
	return StatusPass, addr + " accepts connections"
}

func (r *Runner) checkPing(ctx context.Context) (Status, string) {
	db, err := r.database()
	if err != nil {
		return StatusFail, "open: " + err.Error()
	}
	if err := db.Ping(ctx); err != nil {
		return StatusFail, MaskError(err, r.cfg.DSN).Error()
	}
	return StatusPass, "database answered"
}

func (r *Runner) checkTables(ctx context.Context) (Status, string) {
	db, err := r.database()
	if err != nil {
		return StatusFail, "open: " + err.Error()
	}
	if missing := db.MissingTables(ctx); len(missing) > 0 {
		return StatusFail, "missing tables: " + strings.Join(missing, ", ") + " (rerun with --fix to create them)"
	}
	return StatusPass, "all tables present"
}

func (r *Runner) checkWrite(ctx context.Context) (Status, string) {
	db, err := r.database()
	if err != nil {
		return StatusFail, "open: " + err.Error()
	}
	name := "diagnostic-" + uuid.NewString()
	if err := db.ProbeWrite(ctx, name); err != nil {
		return StatusFail, MaskError(err, r.cfg.DSN).Error()
	}
	return StatusPass, "scratch row created and deleted"
}

// checkConcurrency passes when at least 60% of the simultaneous round trips
// succeed.
func (r *Runner) checkConcurrency(ctx context.Context) (Status, string) {
	db, err := r.database()
	if err != nil {
		return StatusFail, "open: " + err.Error()
	}
	n := r.cfg.Concurrency
	var ok atomic.Int64
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := db.Ping(ctx); err == nil {
				ok.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	detail := fmt.Sprintf("%d/%d simultaneous round trips succeeded", ok.Load(), n)
	if ok.Load()*5 < int64(n)*3 {
		return StatusFail, detail
	}
	return StatusPass, detail
}

// checkPool passes when at least 80% of the sequential round trips succeed.
func (r *Runner) checkPool(ctx context.Context) (Status, string) {
	db, err := r.database()
	if err != nil {
		return StatusFail, "open: " + err.Error()
	}
	rounds := r.cfg.PoolRounds
	ok := 0
	for i := 0; i < rounds; i++ {
		if err := db.Ping(ctx); err == nil {
			ok++
		}
	}
	stats, err := db.PoolStats()
	if err != nil {
		return StatusFail, "pool stats: " + err.Error()
	}
	detail := fmt.Sprintf("%d/%d round trips succeeded; open=%d in_use=%d idle=%d max_open=%d wait_count=%d",
		ok, rounds, stats.OpenConnections, stats.InUse, stats.Idle, stats.MaxOpenConnections, stats.WaitCount)
	if ok*5 < rounds*4 {
		return StatusFail, detail
	}
	return StatusPass, detail
}
