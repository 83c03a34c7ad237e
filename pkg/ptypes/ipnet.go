package ptypes

import (
	"encoding/json"
	"net"

	"github.com/pkg/errors"
)

// IPNet wraps net.IPNet so that subnets travel as CIDR strings in JSON,
// e.g. "16.0.0.0/16".
type IPNet struct {
	net.IPNet
}

var (
	_ json.Marshaler   = IPNet{}
	_ json.Unmarshaler = (*IPNet)(nil)
)

// ParseIPNet parses a CIDR string into an IPNet.
func ParseIPNet(s string) (*IPNet, error) {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid subnet %q", s)
	}
	return &IPNet{IPNet: *ipnet}, nil
}

func (i IPNet) MarshalJSON() ([]byte, error) {
	if len(i.IP) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(i.String())
}

func (i *IPNet) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "subnet must be a CIDR string")
	}
	if s == "" {
		*i = IPNet{}
		return nil
	}
	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return errors.Wrapf(err, "invalid subnet %q", s)
	}
	// keep the host bits the caller specified, e.g. 16.0.1.1/24.
	ipnet.IP = ip
	i.IPNet = *ipnet
	return nil
}
