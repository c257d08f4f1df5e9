// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/oracle"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Oracle() config.OracleConfig {
	args := m.Called()
	return args.Get(0).(config.OracleConfig)
}

func (m *MockConfig) Resolver() config.ResolverConfig {
	args := m.Called()
	return args.Get(0).(config.ResolverConfig)
}

func (m *MockConfig) Classifier() config.ClassifierConfig {
	args := m.Called()
	return args.Get(0).(config.ClassifierConfig)
}

func (m *MockConfig) FormMapper() config.FormMapperConfig {
	args := m.Called()
	return args.Get(0).(config.FormMapperConfig)
}

func (m *MockConfig) Submitter() config.SubmitterConfig {
	args := m.Called()
	return args.Get(0).(config.SubmitterConfig)
}

func (m *MockConfig) Profile() config.ProfileConfig {
	args := m.Called()
	return args.Get(0).(config.ProfileConfig)
}

// --- Setters ---

func (m *MockConfig) SetEngineWorkerConcurrency(w int) {
	m.Called(w)
}

func (m *MockConfig) SetEngineMaxAttempts(n int) {
	m.Called(n)
}

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetBrowserNavigationTimeout(d time.Duration) {
	m.Called(d)
}

func (m *MockConfig) SetDatabaseURL(u string) {
	m.Called(u)
}

// -- Browser Mocks --

// MockBrowserDriver mocks schemas.BrowserDriver.
type MockBrowserDriver struct {
	mock.Mock
}

var _ schemas.BrowserDriver = (*MockBrowserDriver)(nil)

func (m *MockBrowserDriver) Open(ctx context.Context, url string) (schemas.BrowserSession, error) {
	args := m.Called(ctx, url)
	if s, ok := args.Get(0).(schemas.BrowserSession); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockBrowserSession mocks schemas.BrowserSession.
type MockBrowserSession struct {
	mock.Mock
}

var _ schemas.BrowserSession = (*MockBrowserSession)(nil)

func (m *MockBrowserSession) ID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockBrowserSession) URL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowserSession) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBrowserSession) DOMSnapshot(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowserSession) Click(ctx context.Context, selector string) error {
	args := m.Called(ctx, selector)
	return args.Error(0)
}

func (m *MockBrowserSession) Fill(ctx context.Context, selector, value string) error {
	args := m.Called(ctx, selector, value)
	return args.Error(0)
}

func (m *MockBrowserSession) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Oracle Mocks --

// MockOracle mocks oracle.Oracle.
type MockOracle struct {
	mock.Mock
}

var _ oracle.Oracle = (*MockOracle)(nil)

func (m *MockOracle) Classify(ctx context.Context, snap oracle.Snapshot, goal schemas.Goal, hints oracle.Hints) schemas.Decision {
	args := m.Called(ctx, snap, goal, hints)
	return args.Get(0).(schemas.Decision)
}

// MockLLMClient mocks schemas.LLMClient.
type MockLLMClient struct {
	mock.Mock
}

var _ schemas.LLMClient = (*MockLLMClient)(nil)

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Profile Mock --

// MockProfileProvider mocks schemas.ProfileProvider.
type MockProfileProvider struct {
	mock.Mock
}

var _ schemas.ProfileProvider = (*MockProfileProvider)(nil)

func (m *MockProfileProvider) GetProfile(ctx context.Context, ref string) (*schemas.Profile, error) {
	args := m.Called(ctx, ref)
	if p, ok := args.Get(0).(*schemas.Profile); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

// -- Store Mock --

// MockStore mocks schemas.Store. Used where a test needs to inject store
// failures; behavior tests use store.NewMemory.
type MockStore struct {
	mock.Mock
}

var _ schemas.Store = (*MockStore)(nil)

func (m *MockStore) CreateWorkflow(ctx context.Context, wf *schemas.Workflow) error {
	return m.Called(ctx, wf).Error(0)
}

func (m *MockStore) GetWorkflow(ctx context.Context, id string) (*schemas.Workflow, error) {
	args := m.Called(ctx, id)
	if wf, ok := args.Get(0).(*schemas.Workflow); ok {
		return wf, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) UpdateWorkflow(ctx context.Context, wf *schemas.Workflow) error {
	return m.Called(ctx, wf).Error(0)
}

func (m *MockStore) CreateJob(ctx context.Context, job *schemas.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *MockStore) GetJob(ctx context.Context, id string) (*schemas.Job, error) {
	args := m.Called(ctx, id)
	if j, ok := args.Get(0).(*schemas.Job); ok {
		return j, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) UpdateJob(ctx context.Context, job *schemas.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *MockStore) ListJobs(ctx context.Context, workflowID string) ([]*schemas.Job, error) {
	args := m.Called(ctx, workflowID)
	if j, ok := args.Get(0).([]*schemas.Job); ok {
		return j, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) CreateTask(ctx context.Context, task *schemas.Task) error {
	return m.Called(ctx, task).Error(0)
}

func (m *MockStore) GetTask(ctx context.Context, id string) (*schemas.Task, error) {
	args := m.Called(ctx, id)
	if t, ok := args.Get(0).(*schemas.Task); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) UpdateTask(ctx context.Context, task *schemas.Task) error {
	return m.Called(ctx, task).Error(0)
}

func (m *MockStore) RequeueTask(ctx context.Context, task *schemas.Task) (bool, error) {
	args := m.Called(ctx, task)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*schemas.Task, error) {
	args := m.Called(ctx, workflowID)
	if t, ok := args.Get(0).([]*schemas.Task); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ListTasksByJob(ctx context.Context, jobID string) ([]*schemas.Task, error) {
	args := m.Called(ctx, jobID)
	if t, ok := args.Get(0).([]*schemas.Task); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ClaimNextTask(ctx context.Context, now time.Time) (*schemas.Task, error) {
	args := m.Called(ctx, now)
	if t, ok := args.Get(0).(*schemas.Task); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}
