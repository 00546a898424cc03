package app

import (
	"fmt"

	"github.com/datallboy/nzbengine/internal/catalog"
	"github.com/datallboy/nzbengine/internal/infra/config"
	"github.com/datallboy/nzbengine/internal/infra/logger"
	"github.com/datallboy/nzbengine/internal/throttle"
)

// Context hold the core environment and shared resources for nzbengine.
// It is passed explicitly to everything that needs it; there is no global
// engine state.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	// Throttle is shared by every connection of every server.
	Throttle *throttle.Throttle

	// Catalog is nil until OpenCatalog is called.
	Catalog *catalog.Catalog
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	if log == nil {
		log = logger.Discard()
	}
	return &Context{
		Config:   cfg,
		Logger:   log,
		Throttle: throttle.New(cfg.Engine.RateLimit),
	}
}

// OpenCatalog opens the overview catalog configured under store.
func (c *Context) OpenCatalog() error {
	if c.Catalog != nil {
		return nil
	}
	cat, err := catalog.Open(c.Config.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	c.Catalog = cat
	return nil
}

// Close releases the catalog and the log file.
func (c *Context) Close() error {
	var err error
	if c.Catalog != nil {
		err = c.Catalog.Close()
		c.Catalog = nil
	}
	c.Logger.Close()
	return err
}
