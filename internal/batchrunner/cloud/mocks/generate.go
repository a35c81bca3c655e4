package mocks

// Mock implementations used by tests
//go:generate mockgen -destination=./mock_client.go -package=mocks "github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud" Client
