//go:build linux

// Linux implementation of the capture backend: loads the assembled BPF
// programs and their maps, and arms them at the resolved address.

package main

import (
	"uprobe-tracer/config"
	"uprobe-tracer/probe"
	"uprobe-tracer/tracer"
)

// capture owns the loaded BPF objects for one run.
type capture struct {
	objs *probe.Objects
	cfg  *config.Config
}

// initCapture loads the ring buffer, the counters map and both capture
// programs through the verifier.
func initCapture(cfg *config.Config) (*capture, error) {
	objs, err := probe.Load(cfg.RingBufferBytes)
	if err != nil {
		return nil, err
	}
	return &capture{objs: objs, cfg: cfg}, nil
}

// Attach arms both probes at addr in lib across all processes.
func (c *capture) Attach(lib string, addr uint64) (*tracer.Attachment, error) {
	return tracer.Attach(c.objs, lib, c.cfg.Symbol, addr)
}

// Counters reads the commit and reservation-failure counts from the
// kernel side.
func (c *capture) Counters() (sent, reserveFail uint64, err error) {
	return c.objs.ReadCounters()
}

// Close releases programs and maps, and with them the ring buffer
// mapping.
func (c *capture) Close() error {
	return c.objs.Close()
}
