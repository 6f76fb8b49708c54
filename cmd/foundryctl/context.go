package main

import (
	"strings"
	"sync"
)

type globalOptions struct {
	apiURL string
	token  string
	json   bool
}

type commandContext struct {
	opts *globalOptions

	clientOnce sync.Once
	client     *apiClient
}

func newCommandContext(opts *globalOptions) *commandContext {
	return &commandContext{opts: opts}
}

func (c *commandContext) api() *apiClient {
	c.clientOnce.Do(func() {
		c.client = newAPIClient(strings.TrimSpace(c.opts.apiURL), c.opts.token)
	})
	return c.client
}
