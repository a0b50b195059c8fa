/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package xshm

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/xshm/pkg/shm"
)

const (
	defaultCallbackWorkers     = 4
	defaultDeferredEventHint   = 64
	defaultStuckThreshold      = 5 * time.Second
	defaultPollInitialInterval = 500 * time.Microsecond
	defaultPollMaxInterval     = 50 * time.Millisecond
	defaultMetricsNamespace    = "xshm"
	maxCallbackWorkers         = 1 << 12
)

// Config is used to tune a Display.
type Config struct {
	// Allocator creates the OS regions. Defaults to the System V allocator.
	Allocator shm.Allocator

	// CallbackWorkers is the size of the pool running OnComplete callbacks.
	CallbackWorkers int

	// DeferredEventHint sizes the queue holding events unrelated to shared
	// memory until the application takes them.
	DeferredEventHint int64

	// CheckHostMemory rejects a segment larger than the host's available
	// memory before asking the OS for it.
	CheckHostMemory bool

	// StuckThreshold is how long an operation may wait for its completion
	// before it is reported as stuck.
	StuckThreshold time.Duration

	// PollInitialInterval and PollMaxInterval bound the backoff Run uses
	// while a non-blocking connection has no event.
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration

	// Registerer, when set, receives the Prometheus collectors of the display.
	Registerer       prometheus.Registerer
	MetricsNamespace string

	// Observers receive lifecycle notifications in addition to the metrics.
	Observers []Observer
}

// DefaultConfig is used to return a default configuration.
func DefaultConfig() *Config {
	return &Config{
		CallbackWorkers:     defaultCallbackWorkers,
		DeferredEventHint:   defaultDeferredEventHint,
		StuckThreshold:      defaultStuckThreshold,
		PollInitialInterval: defaultPollInitialInterval,
		PollMaxInterval:     defaultPollMaxInterval,
		MetricsNamespace:    defaultMetricsNamespace,
	}
}

// VerifyConfig is used to verify the sanity of configuration.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("config is nil")
	}
	if config.CallbackWorkers <= 0 || config.CallbackWorkers > maxCallbackWorkers {
		return fmt.Errorf("CallbackWorkers must be in (0, %d], got %d", maxCallbackWorkers, config.CallbackWorkers)
	}
	if config.DeferredEventHint <= 0 {
		return fmt.Errorf("DeferredEventHint must be positive, got %d", config.DeferredEventHint)
	}
	if config.StuckThreshold <= 0 {
		return fmt.Errorf("StuckThreshold must be positive, got %s", config.StuckThreshold)
	}
	if config.PollInitialInterval <= 0 || config.PollMaxInterval < config.PollInitialInterval {
		return fmt.Errorf("poll intervals must satisfy 0 < initial (%s) <= max (%s)",
			config.PollInitialInterval, config.PollMaxInterval)
	}
	for i, ob := range config.Observers {
		if ob == nil {
			return fmt.Errorf("Observers[%d] is nil", i)
		}
	}
	return nil
}
