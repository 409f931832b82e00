package provider

import (
	"errors"
	"fmt"
)

// =============================================================================
// Credential Validation (Pure - no I/O)
// =============================================================================

var (
	ErrAWSAccessKeyRequired = errors.New("AWS access key ID is required")
	ErrAWSSecretKeyRequired = errors.New("AWS secret access key is required")
	ErrDOTokenRequired      = errors.New("DigitalOcean API token is required")
	ErrHetznerTokenRequired = errors.New("Hetzner API token is required")
)

// Credentials holds the fields any supported provider may need.
type Credentials struct {
	AccessKeyID     string `mapstructure:"access_key_id" json:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" json:"secret_access_key,omitempty"`
	Region          string `mapstructure:"region" json:"region,omitempty"`
	APIToken        string `mapstructure:"api_token" json:"api_token,omitempty"`
}

// ValidateCredentials checks the fields the provider needs.
func ValidateCredentials(provider string, creds Credentials) error {
	switch provider {
	case AWS:
		if creds.AccessKeyID == "" {
			return ErrAWSAccessKeyRequired
		}
		if creds.SecretAccessKey == "" {
			return ErrAWSSecretKeyRequired
		}
		return nil
	case DigitalOcean:
		if creds.APIToken == "" {
			return ErrDOTokenRequired
		}
		return nil
	case Hetzner:
		if creds.APIToken == "" {
			return ErrHetznerTokenRequired
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}
