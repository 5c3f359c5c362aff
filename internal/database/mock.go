package database

import (
	"github.com/stretchr/testify/mock"
)

type MockMarketRepository struct {
	mock.Mock
}

func (m *MockMarketRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockMarketRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	args := m.Called(params)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockMarketRepository) GetAccountByEmail(email string) (Account, error) {
	args := m.Called(email)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockMarketRepository) GetAccountById(accountId string) (Account, error) {
	args := m.Called(accountId)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockMarketRepository) QueryRows(table string, filter map[string]any) ([]Row, error) {
	args := m.Called(table, filter)
	if rows, ok := args.Get(0).([]Row); ok {
		return rows, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMarketRepository) InsertRow(table string, row Row) (Row, error) {
	args := m.Called(table, row)
	if stored, ok := args.Get(0).(Row); ok {
		return stored, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMarketRepository) UpdateRows(table string, filter map[string]any, patch Row) ([]Row, error) {
	args := m.Called(table, filter, patch)
	if rows, ok := args.Get(0).([]Row); ok {
		return rows, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMarketRepository) DeleteRows(table string, filter map[string]any) ([]Row, error) {
	args := m.Called(table, filter)
	if rows, ok := args.Get(0).([]Row); ok {
		return rows, args.Error(1)
	}
	return nil, args.Error(1)
}
