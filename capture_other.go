//go:build !linux

// Stub backend for non-Linux builds so the repository compiles and the
// userspace packages remain testable during development on other
// systems. Actual capture needs a Linux kernel.

package main

import (
	"errors"

	"uprobe-tracer/config"
	"uprobe-tracer/tracer"
)

type capture struct{}

func initCapture(*config.Config) (*capture, error) {
	return nil, errors.New("uprobe capture requires Linux")
}

func (c *capture) Attach(string, uint64) (*tracer.Attachment, error) {
	return nil, errors.New("uprobe capture requires Linux")
}

func (c *capture) Counters() (uint64, uint64, error) {
	return 0, 0, nil
}

func (c *capture) Close() error {
	return nil
}
