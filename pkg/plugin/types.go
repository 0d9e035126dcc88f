package plugin

// Type represents the functional category of a plugin.
type Type string

const (
	// TypeDriver plugins provide browser automation drivers for sessions.
	TypeDriver Type = "driver"
	// TypeNotifier plugins deliver OTP, approval and task events to an extra channel.
	TypeNotifier Type = "notifier"
)

// Capability expresses optional features a plugin may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
	CapabilityBrowser    Capability = "browser"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Author       string       `json:"author,omitempty"`
	Version      string       `json:"version,omitempty"`
	Category     Type         `json:"category"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)

// Status is a point-in-time view of a registered plugin.
type Status struct {
	Info   Info   `json:"info"`
	State  State  `json:"state"`
	Source string `json:"source"`
}
