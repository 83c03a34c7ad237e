package network

import (
	"time"

	"github.com/testbed-project/sdk-go/pkg/ptypes"
)

// FilterAction is serialized as an integer on the wire.
type FilterAction int

const (
	Accept FilterAction = iota
	Reject
	Drop
)

const (
	// DefaultDataNetwork is the `data` network the sidecar configures.
	DefaultDataNetwork = "default"
)

// LinkShape defines how egress traffic should be shaped.
type LinkShape struct {
	// Latency is the egress latency.
	Latency time.Duration `json:"latency"`

	// Jitter is the egress jitter.
	Jitter time.Duration `json:"jitter"`

	// Bandwidth is egress bits per second.
	Bandwidth uint64 `json:"bandwidth"`

	// Filter drops all inbound traffic.
	// TODO: Not implemented by the sidecar.
	Filter FilterAction `json:"filter"`

	// Loss is the egress packet loss (%).
	Loss float32 `json:"loss"`

	// Corrupt is the egress packet corruption probability (%).
	Corrupt float32 `json:"corrupt"`

	// CorruptCorr is the egress packet corruption correlation (%).
	CorruptCorr float32 `json:"corrupt_corr"`

	// Reorder is the probability that an egress packet will be reordered (%).
	//
	// Reordered packets skip the latency delay and are sent immediately, so
	// a non-zero Latency is required for this option to make sense.
	Reorder float32 `json:"reorder"`

	// ReorderCorr is the egress packet reordering correlation (%).
	ReorderCorr float32 `json:"reorder_corr"`

	// Duplicate is the percentage of packets that are duplicated (%).
	Duplicate float32 `json:"duplicate"`

	// DuplicateCorr is the correlation between egress packet duplication (%).
	DuplicateCorr float32 `json:"duplicate_corr"`
}

// LinkRule applies a LinkShape to a subnet.
type LinkRule struct {
	LinkShape
	Subnet ptypes.IPNet `json:"subnet"`
}

// RoutingPolicyType defines the data routing policy of a node.
type RoutingPolicyType string

const (
	AllowAll = RoutingPolicyType("allow_all")
	DenyAll  = RoutingPolicyType("deny_all")
)

// Config specifies how a node's network should be configured.
type Config struct {
	// Network is the name of the network to configure.
	Network string `json:"network"`

	// IPv4 and IPv6 set the IP addresses of this network device. If
	// unspecified, the sidecar will leave them alone.
	//
	// The test case is assigned a B block in the range 16.0.0.1-32.0.0.0.
	// X.Y.0.1 is always reserved for the gateway and must not be used by
	// the test.
	IPv4 *ptypes.IPNet `json:"IPv4"`

	// TODO: IPv6 is currently not supported by the sidecar.
	IPv6 *ptypes.IPNet `json:"IPv6"`

	// Enable enables this network device.
	Enable bool `json:"enable"`

	// Default is the default link shaping rule.
	Default LinkShape `json:"default"`

	// Rules defines how traffic should be shaped to different subnets.
	// TODO: Not implemented by the sidecar.
	Rules []LinkRule `json:"rules"`

	// CallbackState is signalled by the sidecar when the link changes have
	// been applied. Instances can barrier on the same state to wait for all
	// (or a subset of) instances to reach the desired network state.
	CallbackState string `json:"callback_state"`

	// CallbackTarget is the number of instances that must have signalled on
	// CallbackState for the configuration to be considered applied. When
	// nil, the client waits for every instance in the run.
	CallbackTarget *uint64 `json:"callback_target,omitempty"`

	// RoutingPolicy defines the data routing policy of this node, affecting
	// networks other than DefaultDataNetwork, e.g. external Internet access.
	RoutingPolicy RoutingPolicyType `json:"routing_policy"`
}
