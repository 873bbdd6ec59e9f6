package rollback

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipway/internal/integration"
	"shipway/internal/ledger"
	"shipway/internal/store"
)

type fakeDeployer struct {
	mu     sync.Mutex
	calls  int
	lastID int64
}

func (d *fakeDeployer) DeployOnly(ctx context.Context, integ *integration.Integration, source *ledger.Record, environment string) (*ledger.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastID = source.ID
	out := *source
	out.IsRollback = true
	out.RollbackSourceID = &source.ID
	return &out, nil
}

type fakeRegistry struct {
	exists bool
	err    error
	image  string
	tag    string
}

func (r *fakeRegistry) ManifestExists(ctx context.Context, image, tag string) (bool, error) {
	r.image, r.tag = image, tag
	return r.exists, r.err
}

type engineEnv struct {
	engine   *Engine
	ledger   *ledger.Store
	integs   *integration.Store
	deployer *fakeDeployer
	registry *fakeRegistry
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	led, err := ledger.NewStore(db)
	require.NoError(t, err)
	integs, err := integration.NewStore(db)
	require.NoError(t, err)

	d := &fakeDeployer{}
	r := &fakeRegistry{exists: true}

	return &engineEnv{
		engine: &Engine{
			Ledger:       led,
			Integrations: integs,
			Deployer:     d,
			Registry:     r,
			Freshness:    30 * 24 * time.Hour,
			Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
		ledger:   led,
		integs:   integs,
		deployer: d,
		registry: r,
	}
}

func (e *engineEnv) configure(t *testing.T) {
	t.Helper()
	build, deploy := int64(100), int64(200)
	_, err := e.integs.Upsert(context.Background(), &integration.Integration{
		Owner:             "acme",
		Repo:              "widgets",
		BuildProjectID:    &build,
		DeployProjectID:   &deploy,
		AutoDeployEnabled: true,
	})
	require.NoError(t, err)
}

// seed records a successful deployment and returns it.
func (e *engineEnv) seed(t *testing.T, token, sha string, isRollback bool) *ledger.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := e.ledger.Record(ctx, &ledger.Record{
		AttemptToken: token,
		Owner:        "acme",
		Repo:         "widgets",
		CommitSHA:    sha,
		Environment:  "production",
		ImageRef:     "registry.example.com/acme-widgets:" + sha[:7],
		IsRollback:   isRollback,
	})
	require.NoError(t, err)
	_, err = e.ledger.Transition(ctx, rec.ID, ledger.StatusSuccess, nil)
	require.NoError(t, err)
	got, err := e.ledger.Get(ctx, rec.ID)
	require.NoError(t, err)
	return got
}

var shas = []string{
	"1111111111111111111111111111111111111111",
	"2222222222222222222222222222222222222222",
	"3333333333333333333333333333333333333333",
}

func TestToPrevious_OneStep(t *testing.T) {
	e := newEngineEnv(t)
	e.configure(t)
	var recs []*ledger.Record
	for _, sha := range shas {
		recs = append(recs, e.seed(t, "tok-"+sha[:4], sha, false))
	}

	rec, err := e.engine.ToPrevious(context.Background(), "acme", "widgets", 1)
	require.NoError(t, err)

	// Current is c3; one step back is c2.
	assert.Equal(t, 1, e.deployer.calls)
	assert.Equal(t, recs[1].ID, e.deployer.lastID)
	assert.True(t, rec.IsRollback)
}

func TestToPrevious_InsufficientHistory(t *testing.T) {
	e := newEngineEnv(t)
	e.configure(t)
	for _, sha := range shas {
		e.seed(t, "tok-"+sha[:4], sha, false)
	}

	_, err := e.engine.ToPrevious(context.Background(), "acme", "widgets", 5)
	var insufficient *InsufficientHistoryError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 5, insufficient.Requested)
	assert.Equal(t, 2, insufficient.Available)
	assert.Equal(t, 0, e.deployer.calls)
}

func TestToPrevious_CurrentIsRollback(t *testing.T) {
	e := newEngineEnv(t)
	e.configure(t)
	recs := []*ledger.Record{
		e.seed(t, "tok-1", shas[0], false),
		e.seed(t, "tok-2", shas[1], false),
	}
	// Most recent deployment is itself a rollback: counting restarts
	// from the newest real candidate.
	e.seed(t, "tok-rb", shas[0], true)

	_, err := e.engine.ToPrevious(context.Background(), "acme", "widgets", 1)
	require.NoError(t, err)
	assert.Equal(t, recs[0].ID, e.deployer.lastID)
}

func TestToPrevious_NoHistoryNoExternalCalls(t *testing.T) {
	e := newEngineEnv(t)
	e.configure(t)

	_, err := e.engine.ToPrevious(context.Background(), "acme", "widgets", 1)
	assert.ErrorIs(t, err, ErrNoHistory)
	assert.Equal(t, 0, e.deployer.calls)
}

func TestToPrevious_NotConfigured(t *testing.T) {
	e := newEngineEnv(t)

	_, err := e.engine.ToPrevious(context.Background(), "acme", "widgets", 1)
	assert.ErrorIs(t, err, ErrNotConfigured)

	// Integration exists but has no service ids: same distinction.
	_, upErr := e.integs.Upsert(context.Background(), &integration.Integration{
		Owner: "acme", Repo: "widgets", AutoDeployEnabled: true,
	})
	require.NoError(t, upErr)
	_, err = e.engine.ToPrevious(context.Background(), "acme", "widgets", 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestToPrevious_InvalidSteps(t *testing.T) {
	e := newEngineEnv(t)
	_, err := e.engine.ToPrevious(context.Background(), "acme", "widgets", 0)
	assert.Error(t, err)
}

func TestToCommit(t *testing.T) {
	e := newEngineEnv(t)
	e.configure(t)
	recs := []*ledger.Record{
		e.seed(t, "tok-1", shas[0], false),
		e.seed(t, "tok-2", shas[1], false),
	}

	rec, err := e.engine.ToCommit(context.Background(), "acme", "widgets", shas[0][:7])
	require.NoError(t, err)
	assert.Equal(t, recs[0].ID, e.deployer.lastID)
	assert.True(t, rec.IsRollback)
}

func TestToCommit_UnknownCommit(t *testing.T) {
	e := newEngineEnv(t)
	e.configure(t)
	e.seed(t, "tok-1", shas[0], false)

	_, err := e.engine.ToCommit(context.Background(), "acme", "widgets", "fffffff")
	assert.ErrorIs(t, err, ErrNoHistory)
	assert.Equal(t, 0, e.deployer.calls)
}

func TestFreshness_StaleTarget(t *testing.T) {
	e := newEngineEnv(t)
	e.configure(t)
	e.seed(t, "tok-1", shas[0], false)
	e.seed(t, "tok-2", shas[1], false)
	e.engine.Freshness = time.Nanosecond

	_, err := e.engine.ToPrevious(context.Background(), "acme", "widgets", 1)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, 0, e.deployer.calls)
}

func TestCandidateList(t *testing.T) {
	e := newEngineEnv(t)
	e.configure(t)
	for _, sha := range shas {
		e.seed(t, "tok-"+sha[:4], sha, false)
	}

	list, err := e.engine.CandidateList(context.Background(), "acme", "widgets", 10)
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.True(t, list[0].IsCurrent)
	assert.Equal(t, 0, list[0].StepsBack)
	assert.Equal(t, 1, list[1].StepsBack)
	assert.Equal(t, 2, list[2].StepsBack)
	assert.Equal(t, shas[2][:7], list[0].ShortSHA)
}

func TestDiagnose(t *testing.T) {
	e := newEngineEnv(t)

	report, err := e.engine.Diagnose(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.False(t, report.Ready)
	assert.NotEmpty(t, report.Issues)

	e.configure(t)
	report, err = e.engine.Diagnose(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.False(t, report.Ready)

	e.seed(t, "tok-1", shas[0], false)
	report, err = e.engine.Diagnose(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.True(t, report.Ready)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, "acme-widgets", e.registry.image)
	assert.Equal(t, shas[0][:7], e.registry.tag)
}

func TestDiagnose_MissingImageWarns(t *testing.T) {
	e := newEngineEnv(t)
	e.configure(t)
	e.seed(t, "tok-1", shas[0], false)
	e.registry.exists = false

	report, err := e.engine.Diagnose(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.True(t, report.Ready)
	assert.NotEmpty(t, report.Warnings)
}
