// Package service provides the run wrapper shared by long-running components.
package service

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
)

// Service exposes a Run method that blocks until the service ends or the context is canceled.
type Service interface {
	// Run starts the service and blocks until it is shut down via context cancellation,
	// an error occurs, or all work is done.
	Run(ctx context.Context) error
}

// BaseService provides a basic implementation of the Service interface.
type BaseService struct {
	Logger logging.EventLogger
	name   string
	impl   Service
}

// NewBaseService creates a new BaseService.
// The provided implementation (impl) is the component that implements Run.
// A nil logger is replaced by a logger that only reports fatal errors.
func NewBaseService(logger logging.EventLogger, name string, impl Service) *BaseService {
	if logger == nil {
		logger = logging.Logger("nop")
		_ = logging.SetLogLevel("nop", "FATAL")
	}
	return &BaseService{
		Logger: logger,
		name:   name,
		impl:   impl,
	}
}

// SetLogger sets the logger.
func (bs *BaseService) SetLogger(l logging.EventLogger) {
	bs.Logger = l
}

// Run implements the Service interface. It logs the start and the end of the
// service and defers to the implementation's Run method. Without an
// implementation it waits for ctx to be canceled.
func (bs *BaseService) Run(ctx context.Context) error {
	bs.Logger.Infof("starting %s service", bs.name)

	var err error
	if bs.impl == nil || bs.impl == bs {
		<-ctx.Done()
		err = ctx.Err()
	} else {
		err = bs.impl.Run(ctx)
	}

	bs.Logger.Infof("%s service stopped: %v", bs.name, err)
	return err
}

// String returns the service name.
func (bs *BaseService) String() string {
	return bs.name
}
