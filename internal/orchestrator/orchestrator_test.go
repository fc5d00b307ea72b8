package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"flowlens/internal/engine"
	domainerrors "flowlens/internal/errors"
	"flowlens/internal/model"
	"flowlens/internal/store"
)

// MockStore is a mock of the store.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) UnprocessedMutations(ctx context.Context) ([]store.Mutation, error) {
	args := m.Called(ctx)
	return args.Get(0).([]store.Mutation), args.Error(1)
}
func (m *MockStore) MutationByID(ctx context.Context, kind store.MutationKind, id uuid.UUID) (store.Mutation, error) {
	args := m.Called(ctx, kind, id)
	return args.Get(0).(store.Mutation), args.Error(1)
}
func (m *MockStore) Claim(ctx context.Context, mut store.Mutation) (bool, error) {
	args := m.Called(ctx, mut)
	return args.Bool(0), args.Error(1)
}
func (m *MockStore) ChangeRequest(ctx context.Context, repoID uuid.UUID, number int) (model.ChangeRequest, error) {
	args := m.Called(ctx, repoID, number)
	return args.Get(0).(model.ChangeRequest), args.Error(1)
}
func (m *MockStore) PipelineRun(ctx context.Context, repoID uuid.UUID, number int) (model.PipelineRun, error) {
	args := m.Called(ctx, repoID, number)
	return args.Get(0).(model.PipelineRun), args.Error(1)
}
func (m *MockStore) InsightExists(ctx context.Context, repoID uuid.UUID, number int, commitSHA string) (bool, error) {
	args := m.Called(ctx, repoID, number, commitSHA)
	return args.Bool(0), args.Error(1)
}
func (m *MockStore) InsertInsight(ctx context.Context, in model.Insight) (model.Insight, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(model.Insight), args.Error(1)
}
func (m *MockStore) InsightsFor(ctx context.Context, repoID uuid.UUID, number int) ([]model.Insight, error) {
	args := m.Called(ctx, repoID, number)
	return args.Get(0).([]model.Insight), args.Error(1)
}
func (m *MockStore) Dashboard(ctx context.Context) ([]store.DashboardEntry, error) {
	args := m.Called(ctx)
	return args.Get(0).([]store.DashboardEntry), args.Error(1)
}
func (m *MockStore) Repositories(ctx context.Context) ([]model.Repository, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Repository), args.Error(1)
}
func (m *MockStore) UpdateRepositoryMetadata(ctx context.Context, repo model.Repository) error {
	args := m.Called(ctx, repo)
	return args.Error(0)
}

// MockAnalyzer is a mock of the Analyzer interface.
type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, files []engine.FileAnalysis) (*engine.Assessment, error) {
	args := m.Called(ctx, files)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.Assessment), args.Error(1)
}

// recordingBroadcaster collects broadcast deltas.
type recordingBroadcaster struct {
	mu     sync.Mutex
	deltas []model.Delta
}

func (b *recordingBroadcaster) Broadcast(d model.Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deltas = append(b.deltas, d)
}

func (b *recordingBroadcaster) all() []model.Delta {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Delta(nil), b.deltas...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startOrchestrator(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("orchestrator did not stop on cancel")
		}
	})
}

func changeRequestFixture(repoID uuid.UUID) model.ChangeRequest {
	return model.ChangeRequest{
		ID:        uuid.New(),
		RepoID:    repoID,
		Number:    42,
		Title:     "introduce worker pool",
		CommitSHA: "abc123",
		FilesChanged: []model.FileChange{
			{Filename: "pool.go", Status: "added", Additions: 120, Deletions: 0, Patch: "+func NewPool..."},
		},
	}
}

func buildingRun(repoID uuid.UUID) model.PipelineRun {
	return model.PipelineRun{
		RepoID:         repoID,
		Number:         42,
		StatusPR:       model.StageCreated,
		StatusBuild:    model.StageRunning,
		StatusApproval: model.StagePending,
		StatusMerge:    model.StagePending,
	}
}

func TestHandleMutation_EnrichesAndBroadcasts(t *testing.T) {
	repoID := uuid.New()
	cr := changeRequestFixture(repoID)
	mut := store.Mutation{Kind: store.KindChangeRequest, ID: cr.ID, RepoID: repoID, Number: 42}

	mockSt := new(MockStore)
	mockSt.On("ChangeRequest", mock.Anything, repoID, 42).Return(cr, nil).Once()
	mockSt.On("PipelineRun", mock.Anything, repoID, 42).Return(buildingRun(repoID), nil).Once()
	mockSt.On("InsightExists", mock.Anything, repoID, 42, "abc123").Return(false, nil).Once()
	inserted := make(chan struct{})
	mockSt.On("InsertInsight", mock.Anything, mock.MatchedBy(func(in model.Insight) bool {
		return in.RepoID == repoID && in.Number == 42 && in.RiskLevel == model.RiskMedium
	})).Run(func(mock.Arguments) { close(inserted) }).Return(model.Insight{}, nil).Once()

	mockAn := new(MockAnalyzer)
	mockAn.On("Analyze", mock.Anything, mock.MatchedBy(func(files []engine.FileAnalysis) bool {
		return len(files) == 1 && files[0].Filename == "pool.go"
	})).Return(&engine.Assessment{RiskLevel: model.RiskMedium, Summary: "new concurrency"}, nil).Once()

	bc := &recordingBroadcaster{}
	o := New(mockSt, mockAn, bc, 2, testLogger())
	startOrchestrator(t, o)

	require.NoError(t, o.HandleMutation(context.Background(), mut))

	// The delta goes out synchronously.
	require.Len(t, bc.all(), 1)
	assert.Equal(t, model.Delta{RepoID: repoID, Number: 42, State: model.StatusBuilding}, bc.all()[0])

	// The insight lands asynchronously on the worker pool.
	select {
	case <-inserted:
	case <-time.After(time.Second):
		t.Fatal("insight was never persisted")
	}
	mockAn.AssertExpectations(t)
}

func TestHandleMutation_EngineFailureStillBroadcasts(t *testing.T) {
	repoID := uuid.New()
	cr := changeRequestFixture(repoID)
	mut := store.Mutation{Kind: store.KindChangeRequest, ID: cr.ID, RepoID: repoID, Number: 42}

	mockSt := new(MockStore)
	mockSt.On("ChangeRequest", mock.Anything, repoID, 42).Return(cr, nil).Once()
	mockSt.On("PipelineRun", mock.Anything, repoID, 42).Return(buildingRun(repoID), nil).Once()
	mockSt.On("InsightExists", mock.Anything, repoID, 42, "abc123").Return(false, nil).Once()

	analyzed := make(chan struct{})
	mockAn := new(MockAnalyzer)
	mockAn.On("Analyze", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { close(analyzed) }).
		Return(nil, errors.New("deadline exceeded")).Once()

	bc := &recordingBroadcaster{}
	o := New(mockSt, mockAn, bc, 1, testLogger())
	startOrchestrator(t, o)

	require.NoError(t, o.HandleMutation(context.Background(), mut))
	require.Len(t, bc.all(), 1, "delta must not wait on enrichment")

	select {
	case <-analyzed:
	case <-time.After(time.Second):
		t.Fatal("analyzer was never called")
	}
	time.Sleep(20 * time.Millisecond)
	mockSt.AssertNotCalled(t, "InsertInsight", mock.Anything, mock.Anything)
}

func TestHandleMutation_SkipsDuplicateCommitEnrichment(t *testing.T) {
	repoID := uuid.New()
	cr := changeRequestFixture(repoID)
	mut := store.Mutation{Kind: store.KindChangeRequest, ID: cr.ID, RepoID: repoID, Number: 42}

	insightChecked := make(chan struct{})
	mockSt := new(MockStore)
	mockSt.On("ChangeRequest", mock.Anything, repoID, 42).Return(cr, nil).Once()
	mockSt.On("PipelineRun", mock.Anything, repoID, 42).Return(buildingRun(repoID), nil).Once()
	mockSt.On("InsightExists", mock.Anything, repoID, 42, "abc123").
		Run(func(mock.Arguments) { close(insightChecked) }).
		Return(true, nil).Once()

	mockAn := new(MockAnalyzer)
	bc := &recordingBroadcaster{}
	o := New(mockSt, mockAn, bc, 1, testLogger())
	startOrchestrator(t, o)

	require.NoError(t, o.HandleMutation(context.Background(), mut))

	select {
	case <-insightChecked:
	case <-time.After(time.Second):
		t.Fatal("existing-insight check never ran")
	}
	time.Sleep(20 * time.Millisecond)
	mockAn.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
	assert.Len(t, bc.all(), 1)
}

func TestHandleMutation_NoPipelineRunMeansPending(t *testing.T) {
	repoID := uuid.New()
	mut := store.Mutation{Kind: store.KindPipelineRun, ID: uuid.New(), RepoID: repoID, Number: 7}

	mockSt := new(MockStore)
	mockSt.On("PipelineRun", mock.Anything, repoID, 7).
		Return(model.PipelineRun{}, domainerrors.ErrNotFound).Once()

	bc := &recordingBroadcaster{}
	o := New(mockSt, new(MockAnalyzer), bc, 1, testLogger())

	require.NoError(t, o.HandleMutation(context.Background(), mut))
	require.Len(t, bc.all(), 1)
	assert.Equal(t, model.StatusPending, bc.all()[0].State)
	mockSt.AssertNotCalled(t, "ChangeRequest", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleMutation_PipelineMutationSkipsEnrichment(t *testing.T) {
	repoID := uuid.New()
	mut := store.Mutation{Kind: store.KindPipelineRun, ID: uuid.New(), RepoID: repoID, Number: 42}

	run := buildingRun(repoID)
	run.StatusBuild = model.StageSuccess
	run.StatusApproval = model.StageApproved

	mockSt := new(MockStore)
	mockSt.On("PipelineRun", mock.Anything, repoID, 42).Return(run, nil).Once()

	bc := &recordingBroadcaster{}
	o := New(mockSt, new(MockAnalyzer), bc, 1, testLogger())

	require.NoError(t, o.HandleMutation(context.Background(), mut))
	require.Len(t, bc.all(), 1)
	assert.Equal(t, model.StatusApproved, bc.all()[0].State)
}

func TestPersistInsight_RetriesStoreWrites(t *testing.T) {
	repoID := uuid.New()
	in := model.Insight{RepoID: repoID, Number: 42, CommitSHA: "abc123", RiskLevel: model.RiskLow}

	mockSt := new(MockStore)
	mockSt.On("InsertInsight", mock.Anything, in).
		Return(model.Insight{}, errors.New("connection reset")).Once()
	mockSt.On("InsertInsight", mock.Anything, in).Return(in, nil).Once()

	o := New(mockSt, new(MockAnalyzer), &recordingBroadcaster{}, 1, testLogger())

	require.NoError(t, o.persistInsight(context.Background(), in))
	mockSt.AssertExpectations(t)
}
