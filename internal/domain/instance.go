package domain

import (
	"context"
	"time"
)

type InstanceStatus string

const (
	StatusProvisioning InstanceStatus = "provisioning"
	StatusRunning      InstanceStatus = "running"
	StatusTerminating  InstanceStatus = "terminating"
)

// Browser is a launched browser process bound to a single port.
type Browser interface {
	// Endpoint is the websocket URL remote clients attach to, exactly as the
	// browser reported it.
	Endpoint() string
	PID() int
	// Close terminates the process and releases its on-disk state. It is
	// safe to call more than once.
	Close(ctx context.Context) error
}

// LaunchOptions describes how a browser process is started.
type LaunchOptions struct {
	Port     int
	Headless bool
	Args     []string
}

// Launcher starts browser processes. Any process supervisor satisfying this
// contract can back the provisioning service.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Instance is a running browser owned by the registry.
type Instance struct {
	ID        string
	Port      int
	Endpoint  string
	Status    InstanceStatus
	CreatedAt time.Time
	Browser   Browser
}
