package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

const leaveTypes = `types:
  - id: 1
    name:
      en: Vacation
    flow: [2, 3]
    sla_per_step:
      - step_index: 0
        seconds: 3600
        on_expire: AUTO_APPROVE
  - id: 2
    name:
      en: Equipment
    flow: [3, 3, 0]
    capabilities:
      allows_attachments: true
`

// --- test helpers ---

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// writeConfig lays out a definitions directory and a config file that uses
// a sqlite store in dir. It returns the config path and the database path.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	defs := filepath.Join(dir, "types")
	dbPath := filepath.Join(dir, "approvals.db")
	writeFile(t, filepath.Join(defs, "leave.yaml"), leaveTypes)

	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "definitions:\n  directories: ["+defs+"]\n"+
		"store:\n  driver: sqlite\n  path: "+dbPath+"\n"+
		"observability:\n  log_level: error\n")
	return cfgPath, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand("1.2.3", "abc1234")
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// --- Root ---

func TestRootCommand_subcommands(t *testing.T) {
	cmd := NewRootCommand("dev", "unknown")
	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "sweep", "types"})

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "config.yaml", flag.DefValue)
}

func TestRootCommand_version(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3 (abc1234)\n", out)
}

// --- types ---

func TestTypesCommand_fromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "leave.yaml"), leaveTypes)

	out, err := execute(t, "types", "--dir", dir)
	require.NoError(t, err)

	var report TypesReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Types, 2)
	assert.Equal(t, int64(1), report.Types[0].ID)
	assert.Equal(t, []int64{3}, report.Types[1].Flow)
	assert.NotEmpty(t, report.Checksum)
	assert.Len(t, report.Issues, 2)
}

func TestTypesCommand_check(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "leave.yaml"), leaveTypes)

	out, err := execute(t, "types", "--dir", dir, "--check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 definition issues")
	assert.Contains(t, out, `"checksum"`)
}

func TestTypesCommand_fromConfig(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, "--config", cfgPath, "types")
	require.NoError(t, err)
	assert.Contains(t, out, `"Vacation"`)
}

func TestTypesCommand_missingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "types")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: reading")
}

// --- sweep ---

func overdueBundle(now time.Time) model.Bundle {
	requester := int64(100)
	created := now.Add(-3 * time.Hour)
	submitted := now.Add(-2 * time.Hour)
	return model.Bundle{
		Application: model.Application{
			ID:               7,
			Number:           "TKT-2025-00007",
			TypeID:           1,
			RequesterID:      requester,
			Status:           model.StatusPending,
			CurrentStepIndex: 0,
			CreatedAt:        created,
			UpdatedAt:        submitted,
			SubmittedAt:      &submitted,
		},
		Values:      []model.FieldValue{},
		Attachments: []model.Attachment{},
		AuditTrail: []model.AuditEntry{
			{ID: 1, ApplicationID: 7, ActorID: &requester, Action: model.ActionCreate, At: created},
			{ID: 2, ApplicationID: 7, ActorID: &requester, Action: model.ActionSubmit, At: submitted},
		},
		Delegates: []model.Delegate{},
	}
}

func TestSweepCommand_autoApprovesOverdue(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	store, err := workflow.OpenSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), overdueBundle(time.Now().UTC().Truncate(time.Microsecond))))
	require.NoError(t, store.Close())

	out, err := execute(t, "--config", cfgPath, "sweep")
	require.NoError(t, err)

	var report SweepReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []int64{7}, report.Changed)
	assert.Equal(t, 1, report.AutoApproved)
	assert.Empty(t, report.Error)

	store, err = workflow.OpenSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	b, err := store.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Application.CurrentStepIndex)
	last, _ := b.LastAudit()
	assert.Equal(t, model.ActionAutoApprove, last.Action)
	assert.Nil(t, last.ActorID)
	assert.Equal(t, int64(3), last.ID)

	// A second pass finds nothing to do.
	out, err = execute(t, "--config", cfgPath, "sweep")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Empty(t, report.Changed)
}

// --- buildApp ---

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "leave.yaml"), leaveTypes)
	cfg := config.Defaults()
	cfg.Definitions.Directories = []string{dir}
	return cfg
}

func TestBuildApp_memory(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(t), zap.NewNop())
	defer a.close()
	require.NoError(t, err)

	assert.Equal(t, 2, a.types.Len())
	assert.IsType(t, &workflow.MemoryStore{}, a.store)
	require.NotNil(t, a.ready.DefinitionsLoaded)
	assert.True(t, a.ready.DefinitionsLoaded())
	assert.Nil(t, a.ready.Lock)
	assert.IsType(t, &idempotency.MemoryStore{}, a.idem)

	families, err := a.reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "go_goroutines")
}

func TestBuildApp_strictRejectsRepairs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Definitions.Strict = true

	a, err := buildApp(context.Background(), cfg, zap.NewNop())
	defer a.close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict mode")
	assert.True(t, strings.Contains(err.Error(), "flow[1]"))
}

func TestBuildApp_missingDefinitions(t *testing.T) {
	cfg := config.Defaults()
	cfg.Definitions.Directories = []string{filepath.Join(t.TempDir(), "missing")}

	a, err := buildApp(context.Background(), cfg, zap.NewNop())
	defer a.close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitions")
}

func TestBuildApp_redisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("TEST_APPROVALS_REDIS", mr.Addr())

	cfg := testConfig(t)
	cfg.Lock.Driver = config.LockRedis
	cfg.Lock.AddrEnv = "TEST_APPROVALS_REDIS"

	a, err := buildApp(context.Background(), cfg, zap.NewNop())
	defer a.close()
	require.NoError(t, err)
	require.NotNil(t, a.ready.Lock)
	assert.NoError(t, a.ready.Lock.HealthCheck(context.Background()))
	assert.IsType(t, &idempotency.RedisStore{}, a.idem)

	_, err = a.svc.CreateApplication(context.Background(), 1, 100, nil, nil, "")
	require.NoError(t, err)
}

func TestBuildApp_missingEnv(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name: "redis address",
			mutate: func(c *config.Config) {
				c.Lock.Driver = config.LockRedis
				c.Lock.AddrEnv = "TEST_APPROVALS_UNSET_REDIS"
			},
			want: "TEST_APPROVALS_UNSET_REDIS",
		},
		{
			name: "postgres dsn",
			mutate: func(c *config.Config) {
				c.Store.Driver = config.StorePostgres
				c.Store.DSNEnv = "TEST_APPROVALS_UNSET_DSN"
			},
			want: "TEST_APPROVALS_UNSET_DSN",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)

			a, err := buildApp(context.Background(), cfg, zap.NewNop())
			defer a.close()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewHandler_health(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(t), zap.NewNop())
	defer a.close()
	require.NoError(t, err)

	h := newHandler(a, []byte("secret"))
	for path, want := range map[string]int{
		"/health":           http.StatusOK,
		"/ready":            http.StatusOK,
		"/metrics":          http.StatusOK,
		"/api/applications": http.StatusUnauthorized,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}
}

func TestBuildApp_idempotencyDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Idempotency.Enabled = false

	a, err := buildApp(context.Background(), cfg, zap.NewNop())
	defer a.close()
	require.NoError(t, err)
	assert.Nil(t, a.idem)
}
