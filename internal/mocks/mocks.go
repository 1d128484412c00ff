// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

// -- Driver Mock --

// MockDriver mocks the schemas.Driver interface.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Capture(ctx context.Context, scope []string) (*schemas.RawDocument, error) {
	args := m.Called(ctx, scope)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.RawDocument), args.Error(1)
}

func (m *MockDriver) Click(ctx context.Context, scope []string, locator string) error {
	return m.Called(ctx, scope, locator).Error(0)
}

func (m *MockDriver) Type(ctx context.Context, scope []string, locator, value string) error {
	return m.Called(ctx, scope, locator, value).Error(0)
}

func (m *MockDriver) Choose(ctx context.Context, scope []string, locator, option string) error {
	return m.Called(ctx, scope, locator, option).Error(0)
}

func (m *MockDriver) Toggle(ctx context.Context, scope []string, locator, value string) error {
	return m.Called(ctx, scope, locator, value).Error(0)
}

func (m *MockDriver) Hover(ctx context.Context, scope []string, locator string) error {
	return m.Called(ctx, scope, locator).Error(0)
}

func (m *MockDriver) ReadValue(ctx context.Context, scope []string, locator string) (string, error) {
	args := m.Called(ctx, scope, locator)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) EnterContext(ctx context.Context, contextID string) error {
	return m.Called(ctx, contextID).Error(0)
}

func (m *MockDriver) ExitContext(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockDriver) CurrentScope(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDriver) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) ResetToCheckpoint(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockDriver) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// -- Oracle Mock --

// MockOracle mocks the schemas.Oracle interface.
type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) Interpret(ctx context.Context, req schemas.OracleRequest) (*schemas.Interpretation, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Interpretation), args.Error(1)
}

func (m *MockOracle) AnalyzeError(ctx context.Context, req schemas.ErrorAnalysisRequest) (*schemas.ErrorAnalysis, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.ErrorAnalysis), args.Error(1)
}

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Store Mock --

// MockStore mocks the schemas.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveRun(ctx context.Context, run *schemas.RunRecord) error {
	return m.Called(ctx, run).Error(0)
}

func (m *MockStore) LoadDocument(ctx context.Context, runID string) (schemas.MappingDocument, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(schemas.MappingDocument), args.Error(1)
}
