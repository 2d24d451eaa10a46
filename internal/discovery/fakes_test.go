package discovery_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/vendor-discovery/internal/clock"
	"github.com/JakeFAU/vendor-discovery/internal/discovery"
	"github.com/JakeFAU/vendor-discovery/internal/hash/sha256"
	"github.com/JakeFAU/vendor-discovery/internal/id/uuid"
	pubmem "github.com/JakeFAU/vendor-discovery/internal/publisher/memory"
	"github.com/JakeFAU/vendor-discovery/internal/storage/memory"
)

const eventTopic = "discovery-runs"

var newYork = mustLocation("America/New_York")

// runHourNow is 09:30 in New York during daylight saving time.
var runHourNow = time.Date(2026, 6, 1, 13, 30, 0, 0, time.UTC)

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// fakeProvider answers Discover calls from a respond func and records requests.
type fakeProvider struct {
	mu       sync.Mutex
	requests []discovery.Request
	respond  func(ctx context.Context, req discovery.Request) (discovery.Result, error)
	started  chan struct{}
}

func newFakeProvider(respond func(ctx context.Context, req discovery.Request) (discovery.Result, error)) *fakeProvider {
	return &fakeProvider{respond: respond, started: make(chan struct{}, 16)}
}

func (f *fakeProvider) Discover(ctx context.Context, req discovery.Request) (discovery.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	select {
	case f.started <- struct{}{}:
	default:
	}
	if f.respond == nil {
		return discovery.Result{}, nil
	}
	return f.respond(ctx, req)
}

func (f *fakeProvider) Requests() []discovery.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]discovery.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// returning answers every call with the given candidate names.
func returning(names ...string) func(context.Context, discovery.Request) (discovery.Result, error) {
	return func(_ context.Context, req discovery.Request) (discovery.Result, error) {
		return resultFor(req, names...), nil
	}
}

// freshNames answers with req.Count names that are unique across calls.
func freshNames() func(context.Context, discovery.Request) (discovery.Result, error) {
	var mu sync.Mutex
	n := 0
	return func(_ context.Context, req discovery.Request) (discovery.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		names := make([]string, 0, req.Count)
		for i := 0; i < req.Count; i++ {
			n++
			names = append(names, fmt.Sprintf("Vendor %03d", n))
		}
		return resultFor(req, names...), nil
	}
}

// blockUntilCancelled waits for ctx like a hung provider call would.
func blockUntilCancelled() func(context.Context, discovery.Request) (discovery.Result, error) {
	return func(ctx context.Context, _ discovery.Request) (discovery.Result, error) {
		<-ctx.Done()
		return discovery.Result{}, ctx.Err()
	}
}

func resultFor(req discovery.Request, names ...string) discovery.Result {
	vendors := make([]discovery.Candidate, 0, len(names))
	for _, name := range names {
		vendors = append(vendors, discovery.Candidate{
			Name:       name,
			Location:   req.Area,
			Website:    "https://example.com/" + name,
			Categories: []string{req.Specialty},
		})
	}
	history := append([]discovery.Turn{}, req.History...)
	history = append(history,
		discovery.Turn{Role: discovery.RoleRequester, Parts: []string{fmt.Sprintf("find %d %s in %s", req.Count, req.Specialty, req.Area)}},
		discovery.Turn{Role: discovery.RoleResponder, Parts: []string{fmt.Sprintf("%v", names)}},
	)
	return discovery.Result{Vendors: vendors, History: history, Raw: []byte(fmt.Sprintf(`{"names":%q}`, names))}
}

// fakeVerifier marks every target valid (or no_url) and optionally fails.
// A hold func runs before anything is recorded; if ctx is done afterwards the
// batch stops with nothing recorded.
type fakeVerifier struct {
	mu      sync.Mutex
	batches [][]discovery.VerificationTarget
	err     error
	hold    func(ctx context.Context)
}

func (f *fakeVerifier) VerifyBatch(
	ctx context.Context,
	targets []discovery.VerificationTarget,
	record discovery.RecordFunc,
) error {
	f.mu.Lock()
	f.batches = append(f.batches, append([]discovery.VerificationTarget(nil), targets...))
	f.mu.Unlock()
	if f.hold != nil {
		f.hold(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	for _, t := range targets {
		status := discovery.WebsiteValid
		if t.URL == "" {
			status = discovery.WebsiteNoURL
		}
		if err := record(ctx, t, status); err != nil {
			return err
		}
	}
	return f.err
}

func (f *fakeVerifier) Batches() [][]discovery.VerificationTarget {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

// conversationSaveFails wraps a store whose conversation writes always fail.
type conversationSaveFails struct {
	*memory.Store
}

func (conversationSaveFails) SaveConversation(context.Context, discovery.Conversation) error {
	return errors.New("conversation table unavailable")
}

// progressFails wraps a store whose job progress writes always fail.
type progressFails struct {
	*memory.Store
}

func (progressFails) RecordJobProgress(context.Context, string, int, time.Time) error {
	return errors.New("jobs table locked")
}

// cancelAfterStaging cancels the run context once n vendors are staged.
type cancelAfterStaging struct {
	*memory.Store
	n      int
	cancel context.CancelFunc

	mu     sync.Mutex
	staged int
}

func (c *cancelAfterStaging) StageVendor(ctx context.Context, v discovery.StagedVendor) error {
	if err := c.Store.StageVendor(ctx, v); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged++
	if c.staged == c.n {
		c.cancel()
	}
	return nil
}

// stagingFailsAfter stages n vendors and then rejects every write.
type stagingFailsAfter struct {
	*memory.Store
	n int

	mu     sync.Mutex
	staged int
}

func (s *stagingFailsAfter) StageVendor(ctx context.Context, v discovery.StagedVendor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged >= s.n {
		return errors.New("staged_vendors write timeout")
	}
	if err := s.Store.StageVendor(ctx, v); err != nil {
		return err
	}
	s.staged++
	return nil
}

type fixture struct {
	store    *memory.Store
	clock    *clock.Manual
	ids      *uuid.Sequence
	provider *fakeProvider
	verifier *fakeVerifier
	blobs    *memory.BlobStore
	events   *pubmem.Publisher
	pipeline *discovery.Pipeline
}

type fixtureOption func(*fixtureSettings)

type fixtureSettings struct {
	store discovery.Store
	cfg   discovery.PipelineConfig
	hold  func(ctx context.Context)
}

func withStore(wrap func(*memory.Store) discovery.Store) fixtureOption {
	return func(s *fixtureSettings) {
		s.store = wrap(s.store.(*memory.Store))
	}
}

func withPipelineConfig(cfg discovery.PipelineConfig) fixtureOption {
	return func(s *fixtureSettings) {
		s.cfg = cfg
	}
}

// withVerifierHold runs hold at the start of every verification batch.
func withVerifierHold(hold func(ctx context.Context)) fixtureOption {
	return func(s *fixtureSettings) {
		s.hold = hold
	}
}

func newFixture(t *testing.T, respond func(context.Context, discovery.Request) (discovery.Result, error), opts ...fixtureOption) *fixture {
	t.Helper()
	mem := memory.NewStore()
	settings := fixtureSettings{store: mem}
	for _, opt := range opts {
		opt(&settings)
	}
	settings.cfg.Location = newYork
	settings.cfg.EventTopic = eventTopic
	settings.cfg.ArchivePrefix = "raw"

	f := &fixture{
		store:    mem,
		clock:    clock.NewManual(runHourNow),
		ids:      uuid.NewSequence("id"),
		provider: newFakeProvider(respond),
		verifier: &fakeVerifier{hold: settings.hold},
		blobs:    memory.NewBlobStore(),
		events:   pubmem.New(),
	}
	f.pipeline = discovery.NewPipeline(discovery.PipelineDeps{
		Store:     settings.store,
		Provider:  f.provider,
		Verifier:  f.verifier,
		Clock:     f.clock,
		IDs:       f.ids,
		Archive:   f.blobs,
		Hasher:    sha256.NewShort(16),
		Publisher: f.events,
	}, settings.cfg, zap.NewNop())
	return f
}

func (f *fixture) today() string {
	return discovery.DateKey(f.clock.Now(), newYork)
}

func (f *fixture) addJob(t *testing.T, job discovery.Job) discovery.Job {
	t.Helper()
	if job.Area == "" {
		job.Area = "Austin, TX"
	}
	if job.Specialty == "" {
		job.Specialty = "florist"
	}
	if job.CountPerRun == 0 {
		job.CountPerRun = 10
	}
	job.IsActive = true
	job.CreatedAt = f.clock.Now().Add(-24 * time.Hour)
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) startRun(t *testing.T, job discovery.Job) discovery.Run {
	t.Helper()
	id, err := f.ids.NewID()
	require.NoError(t, err)
	run := discovery.Run{
		ID:          "run-" + id,
		JobID:       job.ID,
		RunDate:     f.today(),
		Status:      discovery.RunStatusRunning,
		TriggeredBy: discovery.TriggerScheduler,
		StartedAt:   f.clock.Now(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
	return run
}

// seedStagedToday records a completed run that staged n vendors today.
func (f *fixture) seedStagedToday(t *testing.T, jobID string, n int) {
	t.Helper()
	ctx := context.Background()
	id, err := f.ids.NewID()
	require.NoError(t, err)
	run := discovery.Run{ID: "seed-" + id, JobID: jobID, RunDate: f.today(), Status: discovery.RunStatusRunning}
	require.NoError(t, f.store.CreateRun(ctx, run))
	require.NoError(t, f.store.FinishRun(ctx, run.ID, discovery.RunStatusCompleted,
		discovery.RunCounters{VendorsDiscovered: n, VendorsStaged: n}, "", f.clock.Now()))
}

func (f *fixture) stagedNames(t *testing.T, jobID string) []string {
	t.Helper()
	vendors, err := f.store.ListStagedVendors(context.Background(), jobID)
	require.NoError(t, err)
	names := make([]string, 0, len(vendors))
	for _, v := range vendors {
		names = append(names, v.NormalizedName)
	}
	return names
}

func intPtr(v int) *int {
	return &v
}
