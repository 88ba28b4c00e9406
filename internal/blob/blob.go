// Package blob re-exports the blob abstractions and selects a driver from
// configuration.
package blob

import (
	"context"
	"fmt"

	"worksafety/internal/blob/core"
	"worksafety/internal/infra/blob/fs"
	"worksafety/internal/infra/blob/gcs"
	memorystore "worksafety/internal/infra/blob/memory"
	"worksafety/internal/infra/blob/s3"
)

type (
	Driver = core.Driver
	Info   = core.Info
	Store  = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverGCS        = core.DriverGCS
	DriverMemory     = core.DriverMemory
)

// ErrNotFound matches missing objects of every driver.
var ErrNotFound = core.ErrNotFound

// Config selects and configures a driver.
type Config struct {
	Driver    string `mapstructure:"driver"`
	Root      string `mapstructure:"root"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// Open constructs the configured store; an empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch Driver(cfg.Driver) {
	case "", DriverFilesystem:
		return fs.New(cfg.Root)
	case DriverMemory:
		return memorystore.New(), nil
	case DriverS3:
		return s3.New(ctx, s3.Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint, PathStyle: cfg.PathStyle})
	case DriverGCS:
		return gcs.New(ctx, gcs.Config{Bucket: cfg.Bucket, Endpoint: cfg.Endpoint})
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
