package resolver

import (
	"errors"
	"fmt"
	"log/slog"
)

// Options selects the per-deployment resolver configuration.
type Options struct {
	Plugins    []string `mapstructure:"plugins" toml:"plugins"`
	Serializer string   `mapstructure:"serializer" toml:"serializer"`
	Identity   string   `mapstructure:"identity" toml:"identity"`
}

func DefaultOptions() Options {
	return Options{
		Serializer: SerializerJSON,
		Identity:   IdentityClient,
	}
}

func (o Options) Validate() error {
	var errs []error
	if _, err := SerializerByName(o.Serializer); err != nil {
		errs = append(errs, err)
	}
	if _, err := IdentityByName(o.Identity); err != nil {
		errs = append(errs, err)
	}
	for _, name := range o.Plugins {
		if _, ok := pluginFactory(name); !ok {
			errs = append(errs, fmt.Errorf("resolver: unknown plugin '%s'", name))
		}
	}
	return errors.Join(errs...)
}

// NewRoot builds the root container for a service: serializer, identity
// strategy and logger as shared instances, plugins as a per-scope provider.
func NewRoot(opts Options, logger *slog.Logger) (*Container, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ser, _ := SerializerByName(opts.Serializer)
	ident, _ := IdentityByName(opts.Identity)

	c := NewContainer()
	c.RegisterInstance(KeySerializer, ser)
	c.RegisterInstance(KeyIdentity, ident)
	c.RegisterInstance(KeyLogger, logger)
	c.Register(KeyPlugins, buildPlugins(append([]string(nil), opts.Plugins...)))
	return c, nil
}
