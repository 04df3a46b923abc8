package dump_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/willibrandon/pgshovel/internal/config"
	"github.com/willibrandon/pgshovel/internal/dump"
)

// PipelineTestSuite runs the full dump pipeline between two real PostgreSQL
// instances on a shared Docker network. The destination reaches the source
// through container IPs, which CREATE SUBSCRIPTION needs for its CONNECTION
// clause.
type PipelineTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	env    *pipelineEnv
}

type pipelineEnv struct {
	network *testcontainers.DockerNetwork

	sourceContainer testcontainers.Container
	sourcePool      *pgxpool.Pool
	sourceIP        string

	destContainer testcontainers.Container
	destPool      *pgxpool.Pool
	destIP        string
}

func TestPipelineSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	suite.Run(t, new(PipelineTestSuite))
}

func (s *PipelineTestSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Minute)

	env := &pipelineEnv{}

	netName := fmt.Sprintf("pgshovel-test-%d", time.Now().UnixNano())
	net, err := network.New(s.ctx, network.WithDriver("bridge"), network.WithLabels(map[string]string{"test": netName}))
	s.Require().NoError(err, "Failed to create Docker network")
	env.network = net

	env.sourceContainer, env.sourcePool, env.sourceIP = s.startPostgres(net.Name, "pgshovel-source")
	env.destContainer, env.destPool, env.destIP = s.startPostgres(net.Name, "pgshovel-dest")

	s.env = env
	s.seedSchema()
}

func (s *PipelineTestSuite) TearDownSuite() {
	if s.env != nil {
		if s.env.sourcePool != nil {
			s.env.sourcePool.Close()
		}
		if s.env.destPool != nil {
			s.env.destPool.Close()
		}
		if s.env.sourceContainer != nil {
			_ = s.env.sourceContainer.Terminate(s.ctx)
		}
		if s.env.destContainer != nil {
			_ = s.env.destContainer.Terminate(s.ctx)
		}
		if s.env.network != nil {
			_ = s.env.network.Remove(s.ctx)
		}
	}
	s.cancel()
}

// startPostgres launches one logical-replication-enabled PostgreSQL container
// and returns it with a host-side pool and its network IP.
func (s *PipelineTestSuite) startPostgres(netName, alias string) (testcontainers.Container, *pgxpool.Pool, string) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Networks:     []string{netName},
		NetworkAliases: map[string][]string{
			netName: {alias},
		},
		Env: map[string]string{
			"POSTGRES_USER":             "test",
			"POSTGRES_DB":               "testdb",
			"POSTGRES_HOST_AUTH_METHOD": "trust",
		},
		Cmd: []string{
			"-c", "wal_level=logical",
			"-c", "max_wal_senders=10",
			"-c", "max_replication_slots=10",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(s.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	s.Require().NoError(err, "Failed to start container %s", alias)

	// Pipeline config uses the container IP so the destination server can
	// dial the source for its subscription; the host-side seed pool goes
	// through the mapped port.
	ip, err := container.ContainerIP(s.ctx)
	s.Require().NoError(err, "Failed to get container IP for %s", alias)

	host, err := container.Host(s.ctx)
	s.Require().NoError(err, "Failed to get host for %s", alias)
	mappedPort, err := container.MappedPort(s.ctx, nat.Port("5432/tcp"))
	s.Require().NoError(err, "Failed to get mapped port for %s", alias)

	pool, err := pgxpool.New(s.ctx, fmt.Sprintf("postgres://test@%s:%d/testdb?sslmode=disable", host, mappedPort.Int()))
	s.Require().NoError(err, "Failed to create pool for %s", alias)

	s.Require().Eventually(func() bool {
		return pool.Ping(s.ctx) == nil
	}, 30*time.Second, time.Second, "database %s never became ready", alias)

	return container, pool, ip
}

// seedSchema creates identical table definitions on both sides and loads
// source data. The destination tables start empty.
func (s *PipelineTestSuite) seedSchema() {
	ddl := []string{
		`CREATE TABLE users (
			id      bigint PRIMARY KEY,
			name    text NOT NULL,
			email   text,
			created timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE empty_items (
			id    bigint PRIMARY KEY,
			label text
		)`,
	}

	for _, stmt := range ddl {
		_, err := s.env.sourcePool.Exec(s.ctx, stmt)
		s.Require().NoError(err, "Failed to create source table")
		_, err = s.env.destPool.Exec(s.ctx, stmt)
		s.Require().NoError(err, "Failed to create destination table")
	}

	// Skewed keys: most ids dense at the low end, a sparse tail above.
	_, err := s.env.sourcePool.Exec(s.ctx, `
		INSERT INTO users (id, name, email)
		SELECT i, 'user-' || i, 'user-' || i || '@example.com'
		FROM generate_series(1, 9000) AS i`)
	s.Require().NoError(err, "Failed to seed dense rows")

	_, err = s.env.sourcePool.Exec(s.ctx, `
		INSERT INTO users (id, name, email)
		SELECT 100000 + i * 997, 'sparse-' || i, NULL
		FROM generate_series(1, 1000) AS i`)
	s.Require().NoError(err, "Failed to seed sparse rows")
}

func (s *PipelineTestSuite) pipelineConfig(table string) *config.Config {
	cfg := &config.Config{
		Source: config.PostgreSQLConfig{
			Host:     s.env.sourceIP,
			Port:     5432,
			Database: "testdb",
			User:     "test",
			SSLMode:  "disable",
		},
		Destination: config.PostgreSQLConfig{
			Host:     s.env.destIP,
			Port:     5432,
			Database: "testdb",
			User:     "test",
			SSLMode:  "disable",
		},
	}
	cfg.Dump.Table = table
	cfg.Dump.KeyColumn = "id"
	cfg.Dump.Workers = 4
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func (s *PipelineTestSuite) TestFullPipeline() {
	archiveDir := s.T().TempDir()

	cfg := s.pipelineConfig("public.users")
	cfg.Dump.Verify = true
	cfg.Dump.ArchiveDir = archiveDir
	cfg.Dump.ArchiveCompression = "zstd"

	orch := dump.NewOrchestrator(cfg, testLogger())

	var lastCompleted, lastTotal atomic.Int32
	orch.SetProgressCallback(func(completed, total int, rows, bytes int64) {
		lastCompleted.Store(int32(completed))
		lastTotal.Store(int32(total))
	})

	report, err := orch.Run(s.ctx)
	s.Require().NoError(err, "Pipeline failed: %s", report.Error)

	s.Equal(dump.StateDone, report.State)
	s.Equal(int64(10000), report.RowsCopied, "All source rows should transfer")
	s.Len(report.Ranges, 4, "One range per worker")
	s.Equal(int32(4), lastTotal.Load())
	s.Equal(int32(4), lastCompleted.Load(), "Progress callback should see every range complete")

	var destCount int64
	err = s.env.destPool.QueryRow(s.ctx, "SELECT count(*) FROM users").Scan(&destCount)
	s.Require().NoError(err)
	s.Equal(int64(10000), destCount)

	// Snapshot metadata made it into the report.
	s.NotEmpty(report.Snapshot.SnapshotID)
	s.Equal("pgoutput", report.Snapshot.OutputPlugin)
	s.NotEmpty(report.Snapshot.ConsistentPoint)

	// Verification ran and matched.
	s.Require().NotNil(report.Verification)
	s.True(report.Verification.Match)
	s.Equal(report.Verification.Source.Hash, report.Verification.Destination.Hash)
	s.Equal(int64(10000), report.Verification.Source.Rows)

	// Each range left a checksummed archive behind.
	for _, line := range report.Ranges {
		s.Equal("ok", line.Status)
		s.Contains(line.Checksum, "sha256:")
		_, err := os.Stat(filepath.Join(archiveDir, line.ArchiveFile))
		s.NoError(err, "Archive file %s should exist", line.ArchiveFile)
	}

	// The subscription keeps replicating past the dump: a new source row
	// shows up on the destination without another dump.
	s.Require().NotNil(report.Subscription)
	_, err = s.env.sourcePool.Exec(s.ctx,
		"INSERT INTO users (id, name) VALUES (999999, 'post-dump')")
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		var n int
		if err := s.env.destPool.QueryRow(s.ctx,
			"SELECT count(*) FROM users WHERE id = 999999").Scan(&n); err != nil {
			return false
		}
		return n == 1
	}, 30*time.Second, 500*time.Millisecond, "Replicated row never appeared on destination")
}

func (s *PipelineTestSuite) TestEmptyTableSkipsDump() {
	cfg := s.pipelineConfig("public.empty_items")

	orch := dump.NewOrchestrator(cfg, testLogger())
	report, err := orch.Run(s.ctx)
	s.Require().NoError(err, "Empty-table pipeline failed: %s", report.Error)

	s.Equal(dump.StateDone, report.State)
	s.Empty(report.Ranges, "No ranges for an empty table")
	s.Zero(report.RowsCopied)
	s.Require().NotNil(report.Subscription, "Subscription should attach even with nothing to dump")

	// Replication alone brings the table current.
	_, err = s.env.sourcePool.Exec(s.ctx,
		"INSERT INTO empty_items (id, label) VALUES (1, 'first')")
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		var n int
		if err := s.env.destPool.QueryRow(s.ctx,
			"SELECT count(*) FROM empty_items WHERE id = 1").Scan(&n); err != nil {
			return false
		}
		return n == 1
	}, 30*time.Second, 500*time.Millisecond, "Replicated row never appeared on destination")
}

func (s *PipelineTestSuite) TestLiveWritesDuringDump() {
	for _, pool := range []*pgxpool.Pool{s.env.sourcePool, s.env.destPool} {
		_, err := pool.Exec(s.ctx, `CREATE TABLE live_rows (id bigint PRIMARY KEY, body text)`)
		s.Require().NoError(err)
	}
	_, err := s.env.sourcePool.Exec(s.ctx, `
		INSERT INTO live_rows (id, body)
		SELECT i, 'seed' FROM generate_series(1, 5000) AS i`)
	s.Require().NoError(err)

	// Concurrent writer running for the whole pipeline. Every committed row
	// must arrive through either the snapshot or the change stream; none may
	// fall between them.
	writerCtx, stopWriter := context.WithCancel(s.ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for id := int64(1000001); ; id++ {
			if _, err := s.env.sourcePool.Exec(writerCtx,
				"INSERT INTO live_rows (id, body) VALUES ($1, 'live')", id); err != nil {
				return
			}
			select {
			case <-writerCtx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()

	cfg := s.pipelineConfig("public.live_rows")
	orch := dump.NewOrchestrator(cfg, testLogger())
	report, err := orch.Run(s.ctx)
	stopWriter()
	<-writerDone
	s.Require().NoError(err, "Pipeline failed: %s", report.Error)
	s.Equal(dump.StateDone, report.State)

	var srcCount int64
	s.Require().NoError(s.env.sourcePool.QueryRow(s.ctx,
		"SELECT count(*) FROM live_rows").Scan(&srcCount))
	s.Greater(srcCount, int64(5000), "Writer should have landed rows during the dump")

	s.Require().Eventually(func() bool {
		var n int64
		if err := s.env.destPool.QueryRow(s.ctx,
			"SELECT count(*) FROM live_rows").Scan(&n); err != nil {
			return false
		}
		return n == srcCount
	}, 30*time.Second, 500*time.Millisecond, "Destination never converged with source")
}

func (s *PipelineTestSuite) TestMissingOrderingKey() {
	for _, pool := range []*pgxpool.Pool{s.env.sourcePool, s.env.destPool} {
		_, err := pool.Exec(s.ctx, `CREATE TABLE no_key (name text, note text)`)
		s.Require().NoError(err)
	}

	cfg := s.pipelineConfig("public.no_key")
	orch := dump.NewOrchestrator(cfg, testLogger())

	report, err := orch.Run(s.ctx)
	s.Require().Error(err)
	s.ErrorIs(err, dump.ErrNoOrderingKey)
	s.Equal(dump.StateFailed, report.State)

	// The slot must not leak: nothing attached, so the failed run drops it.
	s.Require().Eventually(func() bool {
		var n int
		if err := s.env.sourcePool.QueryRow(s.ctx,
			"SELECT count(*) FROM pg_replication_slots WHERE slot_name = $1",
			orch.SlotName()).Scan(&n); err != nil {
			return false
		}
		return n == 0
	}, 15*time.Second, 500*time.Millisecond, "Orphaned replication slot left behind")
}

func (s *PipelineTestSuite) TestVerifyMismatch() {
	for _, pool := range []*pgxpool.Pool{s.env.sourcePool, s.env.destPool} {
		_, err := pool.Exec(s.ctx, `CREATE TABLE verify_rows (id bigint PRIMARY KEY, name text)`)
		s.Require().NoError(err)
	}
	_, err := s.env.sourcePool.Exec(s.ctx, `
		INSERT INTO verify_rows (id, name)
		SELECT i, 'row-' || i FROM generate_series(1, 500) AS i`)
	s.Require().NoError(err)

	// A stray destination row the dump never wrote; the fingerprints must
	// catch it.
	_, err = s.env.destPool.Exec(s.ctx,
		"INSERT INTO verify_rows (id, name) VALUES (900001, 'stray')")
	s.Require().NoError(err)

	cfg := s.pipelineConfig("public.verify_rows")
	cfg.Dump.Verify = true

	orch := dump.NewOrchestrator(cfg, testLogger())
	report, err := orch.Run(s.ctx)

	s.Require().Error(err)
	s.ErrorIs(err, dump.ErrVerificationMismatch)
	s.Equal(dump.StateFailed, report.State)
	s.Equal(dump.StateVerifying, report.FailedDuring)

	s.Require().NotNil(report.Verification)
	s.False(report.Verification.Match)
	s.NotEqual(report.Verification.Source.Hash, report.Verification.Destination.Hash)
	s.Equal(int64(500), report.Verification.Source.Rows)
	s.Equal(int64(501), report.Verification.Destination.Rows)
}

func (s *PipelineTestSuite) TestCancellation() {
	// Dedicated table: a cancelled run leaves partially transferred ranges
	// on the destination, which must not leak into other tests.
	for _, pool := range []*pgxpool.Pool{s.env.sourcePool, s.env.destPool} {
		_, err := pool.Exec(s.ctx, `CREATE TABLE cancel_rows (id bigint PRIMARY KEY, body text)`)
		s.Require().NoError(err)
	}
	_, err := s.env.sourcePool.Exec(s.ctx, `
		INSERT INTO cancel_rows (id, body)
		SELECT i, repeat('x', 200) FROM generate_series(1, 20000) AS i`)
	s.Require().NoError(err)

	cfg := s.pipelineConfig("public.cancel_rows")

	ctx, cancel := context.WithCancel(s.ctx)
	orch := dump.NewOrchestrator(cfg, testLogger())
	orch.SetProgressCallback(func(completed, total int, rows, bytes int64) {
		// Cancel as soon as the first range lands; remaining ranges abort.
		cancel()
	})

	report, err := orch.Run(ctx)
	cancel()

	s.Require().Error(err, "Cancelled pipeline should not report success")
	s.Equal(dump.StateFailed, report.State)

	// No subscription was attached, so the slot is cleaned up.
	s.Require().Eventually(func() bool {
		var n int
		if err := s.env.sourcePool.QueryRow(s.ctx,
			"SELECT count(*) FROM pg_replication_slots WHERE slot_name = $1",
			orch.SlotName()).Scan(&n); err != nil {
			return false
		}
		return n == 0
	}, 15*time.Second, 500*time.Millisecond, "Orphaned replication slot left behind")
}
