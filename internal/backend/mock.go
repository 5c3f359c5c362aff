package backend

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Query(ctx context.Context, table string, filter Filter) ([]Row, error) {
	args := m.Called(ctx, table, filter)
	if rows, ok := args.Get(0).([]Row); ok {
		return rows, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Insert(ctx context.Context, table string, row Row) (Row, error) {
	args := m.Called(ctx, table, row)
	if stored, ok := args.Get(0).(Row); ok {
		return stored, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Update(ctx context.Context, table string, filter Filter, patch Row) ([]Row, error) {
	args := m.Called(ctx, table, filter, patch)
	if rows, ok := args.Get(0).([]Row); ok {
		return rows, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Delete(ctx context.Context, table string, filter Filter) ([]Row, error) {
	args := m.Called(ctx, table, filter)
	if rows, ok := args.Get(0).([]Row); ok {
		return rows, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockSubscriber struct {
	mock.Mock
}

func (m *MockSubscriber) Subscribe(table string, filter Filter) (*Subscription, error) {
	args := m.Called(table, filter)
	if sub, ok := args.Get(0).(*Subscription); ok {
		return sub, args.Error(1)
	}
	return nil, args.Error(1)
}
