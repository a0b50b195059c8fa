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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/xshm/internal/shm"
	"github.com/srediag/xshm/internal/transport"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	s.Require().NotNil(VerifyConfig(nil))

	config := DefaultConfig()
	s.Require().Nil(VerifyConfig(config))

	config.CallbackWorkers = 0
	s.Require().NotNil(VerifyConfig(config))
	config.CallbackWorkers = maxCallbackWorkers + 1
	s.Require().NotNil(VerifyConfig(config))
	config.CallbackWorkers = 2

	config.DeferredEventHint = 0
	s.Require().NotNil(VerifyConfig(config))
	config.DeferredEventHint = 8

	config.StuckThreshold = 0
	s.Require().NotNil(VerifyConfig(config))
	config.StuckThreshold = time.Second

	config.PollInitialInterval = time.Second
	config.PollMaxInterval = time.Millisecond
	s.Require().NotNil(VerifyConfig(config))
	config.PollMaxInterval = 2 * time.Second

	config.Observers = []Observer{nil}
	s.Require().NotNil(VerifyConfig(config))
	config.Observers = nil

	s.Require().Nil(VerifyConfig(config))
}

func (s *ConfigTestSuite) TestNewDisplayByWrongConfig() {
	heap := internalshm.NewHeapAllocator(0)
	srv, err := transport.NewLoopback(transport.Options{Allocator: heap})
	s.Require().NoError(err)
	defer srv.Disconnect()

	config := DefaultConfig()
	config.CallbackWorkers = -1
	d, err := NewDisplay(srv, transport.DefaultCapabilities(), config)
	s.Require().NotNil(err)
	s.Require().Nil(d)

	caps := transport.DefaultCapabilities()
	caps.MaxSegmentSize = 0
	d, err = NewDisplay(srv, caps, DefaultConfig())
	s.Require().NotNil(err)
	s.Require().Nil(d)

	d, err = NewDisplay(nil, transport.DefaultCapabilities(), nil)
	s.Require().NotNil(err)
	s.Require().Nil(d)
}

func (s *ConfigTestSuite) TestDuplicateMetricsRegistration() {
	heap := internalshm.NewHeapAllocator(0)
	srv, err := transport.NewLoopback(transport.Options{Allocator: heap})
	s.Require().NoError(err)
	defer srv.Disconnect()

	config := DefaultConfig()
	config.Allocator = heap
	config.Registerer = prometheus.NewRegistry()
	d, err := NewDisplay(srv, transport.DefaultCapabilities(), config)
	s.Require().NoError(err)
	defer d.Close()

	again, err := NewDisplay(srv, transport.DefaultCapabilities(), config)
	s.Require().Error(err)
	s.Require().Nil(again)

	config.MetricsNamespace = "second"
	again, err = NewDisplay(srv, transport.DefaultCapabilities(), config)
	s.Require().NoError(err)
	s.Require().NoError(again.Close())
}
