package main

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type MockSNSClient struct {
	PublishRequests []*sns.PublishInput
	PublishErr      error

	lock sync.Mutex
}

func (c *MockSNSClient) PublishMessage(ctx context.Context, msg *sns.PublishInput) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.PublishRequests = append(c.PublishRequests, msg)
	return c.PublishErr
}

func NewMockSNSClient() *MockSNSClient {
	return &MockSNSClient{
		PublishRequests: make([]*sns.PublishInput, 0),
	}
}
