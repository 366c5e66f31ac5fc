package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner runs registered shutdown callbacks in reverse registration order,
// then shuts the logger down last.
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	cleaning       bool
	timeout        time.Duration
	loggerShutdown Callable
}

func NewCleaner(loggerShutdown Callable) *Cleaner {
	return &Cleaner{loggerShutdown: loggerShutdown, timeout: 10 * time.Second}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Clean invokes every callback once. Later calls are no-ops.
func (c *Cleaner) Clean() []error {
	c.mu.Lock()
	if c.cleaning {
		c.mu.Unlock()
		return nil
	}
	c.cleaning = true
	cleanersCopy := make([]Callable, len(c.cleaners))
	copy(cleanersCopy, c.cleaners)
	c.mu.Unlock()

	logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

	var errs []error
	for i := len(cleanersCopy) - 1; i >= 0; i-- {
		callable := cleanersCopy[i]
		func() {
			logger.DebugF("Invoking cleaner #%d (%T)", i+1, callable)
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			if err := callable.Invoke(ctx); err != nil {
				logger.ErrorF("Cleaner #%d (%T) failed: %v", i+1, callable, err)
				errs = append(errs, err)
			}
		}()
	}

	if len(errs) > 0 {
		logger.ErrorF("%d errors occurred during cleanup", len(errs))
	} else {
		logger.Debug("All cleaners executed successfully")
	}
	logger.Info("Cleanup finished, gateway offline")

	if c.loggerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.loggerShutdown.Invoke(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
		}
	}
	return errs
}

// WaitForSignal blocks until SIGINT/SIGTERM arrives or ctx is done.
func WaitForSignal(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("Received interrupt signal, shutting down")
	return nil
}
