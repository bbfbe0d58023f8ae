package config

import "github.com/dbrheo/dbrheo/pkg/protocol"

// NewConfigError reports configuration misuse; these fail loudly at startup.
func NewConfigError(message string) error {
	return protocol.NewError(protocol.ErrConfig, message)
}

func WrapConfigError(message string, err error) error {
	return protocol.WrapError(protocol.ErrConfig, message, err)
}
