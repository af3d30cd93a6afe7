package module

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"go.viam.com/modhost/clienthub"
	"go.viam.com/modhost/config"
)

// Context exposes the objects a module needs at hook time: its configuration
// section, an optional database handle, the shared client hub, and a named
// logger. Contexts are resolved fresh for every phase; modules must not
// assume identity across calls.
type Context struct {
	name   string
	logger golog.Logger
	attrs  config.AttributeMap
	db     DB
	hasDB  bool
	hub    *clienthub.Hub
}

// Name returns the module's registered name.
func (c *Context) Name() string {
	return c.name
}

// Logger returns a logger named after the module.
func (c *Context) Logger() golog.Logger {
	return c.logger
}

// RawConfig returns the module's raw configuration section. The map is empty,
// not nil, when the host configuration has no section for the module.
func (c *Context) RawConfig() config.AttributeMap {
	return c.attrs
}

// DecodeConfig decodes the module's configuration section into target using
// JSON field tags. Unknown keys are ignored; a missing section leaves target
// at its zero values.
func (c *Context) DecodeConfig(target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: target})
	if err != nil {
		return err
	}
	if err := decoder.Decode(map[string]interface{}(c.attrs)); err != nil {
		return errors.WithMessagef(err, "failed to decode configuration for module %q", c.name)
	}
	return nil
}

// DB returns the module's database handle, if one resolved.
func (c *Context) DB() (DB, bool) {
	return c.db, c.hasDB
}

// Clients returns the hub shared by all modules of this host.
func (c *Context) Clients() *clienthub.Hub {
	return c.hub
}

// ContextBuilder lazily resolves per-module Contexts. Resolution is
// side-effect-free and may be repeated once per phase, per module.
type ContextBuilder struct {
	logger golog.Logger
	conf   *config.Config
	db     DBProvider
	hub    *clienthub.Hub
}

// NewContextBuilder returns a builder over the given host configuration.
// conf and db may be nil; hub may be nil, in which case a fresh hub is
// created.
func NewContextBuilder(logger golog.Logger, conf *config.Config, db DBProvider, hub *clienthub.Hub) *ContextBuilder {
	if hub == nil {
		hub = clienthub.New()
	}
	return &ContextBuilder{logger: logger, conf: conf, db: db, hub: hub}
}

// Clients returns the hub this builder hands to every module.
func (b *ContextBuilder) Clients() *clienthub.Hub {
	return b.hub
}

// ForModule resolves the Context for the named module.
func (b *ContextBuilder) ForModule(ctx context.Context, name string) (*Context, error) {
	mctx := &Context{
		name:   name,
		logger: b.logger.Named(name),
		attrs:  config.AttributeMap{},
		hub:    b.hub,
	}
	if b.conf != nil {
		if attrs, ok := b.conf.ModuleAttributes(name); ok {
			mctx.attrs = attrs
		}
	}
	if b.db != nil {
		db, ok, err := b.db.DBFor(ctx, name)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to resolve database handle for module %q", name)
		}
		if ok {
			mctx.db = db
			mctx.hasDB = true
		}
	}
	return mctx, nil
}
