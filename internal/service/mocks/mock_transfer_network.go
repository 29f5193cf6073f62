package mocks

import (
	"context"

	"datagate/internal/transfernet"

	"github.com/stretchr/testify/mock"
)

type MockTransferNetwork struct {
	mock.Mock
}

func (m *MockTransferNetwork) SubmitTransfer(ctx context.Context, req transfernet.SubmitRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockTransferNetwork) GetStatus(ctx context.Context, submissionID string) (transfernet.Status, error) {
	args := m.Called(ctx, submissionID)
	return args.Get(0).(transfernet.Status), args.Error(1)
}
