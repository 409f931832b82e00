package domain

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// =============================================================================
// Target Identity
// =============================================================================

// Environments accepted by basic validation.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
)

// KnownEnvironments returns the environments basic validation accepts.
func KnownEnvironments() []string {
	return []string{EnvProduction, EnvStaging, EnvDevelopment}
}

// Target identifies what is being deployed and where.
type Target struct {
	Service     string `json:"service" yaml:"service" mapstructure:"service"`
	Environment string `json:"environment" yaml:"environment" mapstructure:"environment"`

	// Address is the host that runs the platform CLI. Empty or "local://"
	// means this machine; "ssh://user@host:port" means a remote host.
	Address string `json:"address,omitempty" yaml:"address,omitempty" mapstructure:"address"`
}

// String renders the target as service/environment.
func (t Target) String() string {
	return t.Service + "/" + t.Environment
}

// Validate checks that the target identity is complete.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Service) == "" {
		return Validationf("target service name is required")
	}
	if strings.TrimSpace(t.Environment) == "" {
		return Validationf("target environment is required for %q", t.Service)
	}
	if _, err := ParseAddress(t.Address); err != nil {
		return err
	}
	return nil
}

// IsProduction reports whether the target environment is production.
func (t Target) IsProduction() bool {
	return t.Environment == EnvProduction
}

// =============================================================================
// Deployment-Target Address
// =============================================================================

// AddressKind tells which runner executes the platform CLI.
type AddressKind string

const (
	AddressLocal AddressKind = "local"
	AddressSSH   AddressKind = "ssh"
)

// Address is a parsed deployment-target address.
type Address struct {
	Kind AddressKind
	User string
	Host string
	Port int
}

// ParseAddress parses a target address. An empty string is the local host.
func ParseAddress(raw string) (Address, error) {
	if raw == "" || raw == "local://" || raw == "local" {
		return Address{Kind: AddressLocal}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, Validationf("invalid target address %q: %v", raw, err)
	}

	switch u.Scheme {
	case "local":
		return Address{Kind: AddressLocal}, nil
	case "ssh":
		if u.Hostname() == "" {
			return Address{}, Validationf("ssh target address %q has no host", raw)
		}
		addr := Address{
			Kind: AddressSSH,
			Host: u.Hostname(),
			Port: 22,
		}
		if u.User != nil {
			addr.User = u.User.Username()
		}
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil || port <= 0 || port > 65535 {
				return Address{}, Validationf("invalid port in target address %q", raw)
			}
			addr.Port = port
		}
		return addr, nil
	default:
		return Address{}, Validationf("unsupported target address scheme %q", u.Scheme)
	}
}

// HostPort returns host:port for dialing.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
