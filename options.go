package kvstore

import (
	"fmt"
	"time"
)

// Options configures a Store. The zero Options is invalid;
// use defaultOptions() as the base and apply functional Option values on
// top of it.
type Options struct {
	Cache              bool
	CacheSize          int
	CacheTTL           time.Duration
	CacheMaxMemoryMB   float64
	Batch              bool
	BatchSize          int
	BatchDelay         time.Duration
	OperationTimeout   time.Duration
	KeepConnectionOpen bool
	Timeout            time.Duration
	WALMode            bool
}

func defaultOptions() Options {
	return Options{
		Cache:              true,
		CacheSize:          1000,
		CacheTTL:           0,
		CacheMaxMemoryMB:   100,
		Batch:              true,
		BatchSize:          100,
		BatchDelay:         50 * time.Millisecond,
		OperationTimeout:   30 * time.Second,
		KeepConnectionOpen: true,
		Timeout:            5 * time.Second,
		WALMode:            true,
	}
}

// Option mutates Options at construction time. There is deliberately no
// mechanism for passing unknown option keys: unknown keys
// must be rejected, and a typed functional-option API makes an unknown
// key a compile error rather than a runtime one.
type Option func(*Options)

func WithCache(enabled bool) Option       { return func(o *Options) { o.Cache = enabled } }
func WithCacheSize(n int) Option          { return func(o *Options) { o.CacheSize = n } }
func WithCacheTTL(d time.Duration) Option { return func(o *Options) { o.CacheTTL = d } }
func WithCacheMaxMemoryMB(mb float64) Option {
	return func(o *Options) { o.CacheMaxMemoryMB = mb }
}
func WithBatch(enabled bool) Option         { return func(o *Options) { o.Batch = enabled } }
func WithBatchSize(n int) Option            { return func(o *Options) { o.BatchSize = n } }
func WithBatchDelay(d time.Duration) Option { return func(o *Options) { o.BatchDelay = d } }
func WithOperationTimeout(d time.Duration) Option {
	return func(o *Options) { o.OperationTimeout = d }
}
func WithKeepConnectionOpen(enabled bool) Option {
	return func(o *Options) { o.KeepConnectionOpen = enabled }
}
func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithWALMode(enabled bool) Option    { return func(o *Options) { o.WALMode = enabled } }

// validate enforces the positivity and range constraints on each option.
func (o Options) validate() error {
	if o.CacheSize <= 0 {
		return fmt.Errorf("kvstore: cacheSize must be positive, got %d", o.CacheSize)
	}
	if o.CacheTTL < 0 {
		return fmt.Errorf("kvstore: cacheTTL must be non-negative, got %v", o.CacheTTL)
	}
	if o.CacheMaxMemoryMB <= 0 {
		return fmt.Errorf("kvstore: cacheMaxMemoryMB must be positive, got %v", o.CacheMaxMemoryMB)
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("kvstore: batchSize must be positive, got %d", o.BatchSize)
	}
	if o.BatchDelay < 0 {
		return fmt.Errorf("kvstore: batchDelay must be non-negative, got %v", o.BatchDelay)
	}
	if o.OperationTimeout <= 0 {
		return fmt.Errorf("kvstore: operationTimeout must be positive, got %v", o.OperationTimeout)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("kvstore: timeout must be positive, got %v", o.Timeout)
	}
	return nil
}
