/*
Copyright 2025 Worldgate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package service

import (
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
)

// Supervisor keeps track of the gateway's long-lived goroutines.
type Supervisor interface {
	// Register adds the service to the pool. If the supervisor has
	// already been started the service starts immediately, otherwise
	// it starts when Start is called.
	Register(srv Service)

	// RegisterFunc wraps a plain function into a Service and
	// registers it.
	RegisterFunc(fn ServiceFunc)

	// Start starts all unstarted services.
	Start() error

	// Wait blocks until all services exit.
	Wait() error

	// Run is a combination of Start and Wait.
	Run() error
}

// LocalSupervisor runs registered services on their own goroutines and
// collects their exit errors. A failed service does not take the
// process down; the relay keeps serving with whatever is left and the
// failure is logged and reported from Wait.
type LocalSupervisor struct {
	state int
	sync.Mutex
	wg       *sync.WaitGroup
	services []Service
	errors   []error
	log      *log.Entry
}

func (s *LocalSupervisor) Register(srv Service) {
	s.Lock()
	defer s.Unlock()

	s.services = append(s.services, srv)
	if s.state == stateStarted {
		s.serve(srv)
	}
}

func (s *LocalSupervisor) RegisterFunc(fn ServiceFunc) {
	s.Register(fn)
}

func (s *LocalSupervisor) serve(srv Service) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(); err != nil {
			s.log.WithError(err).Error("Service exited with error.")
			s.Lock()
			s.errors = append(s.errors, err)
			s.Unlock()
		}
	}()
}

func (s *LocalSupervisor) Start() error {
	s.Lock()
	defer s.Unlock()
	s.state = stateStarted

	if len(s.services) == 0 {
		s.log.Info("No services registered, returning.")
		return nil
	}

	for _, srv := range s.services {
		s.serve(srv)
	}

	return nil
}

func (s *LocalSupervisor) Wait() error {
	s.wg.Wait()
	s.Lock()
	defer s.Unlock()
	return trace.NewAggregate(s.errors...)
}

func (s *LocalSupervisor) Run() error {
	if err := s.Start(); err != nil {
		return trace.Wrap(err)
	}
	return s.Wait()
}

// NewSupervisor returns an empty supervisor.
func NewSupervisor() Supervisor {
	return &LocalSupervisor{
		services: []Service{},
		wg:       &sync.WaitGroup{},
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentService,
		}),
	}
}

// Service is one long-lived goroutine of the gateway process.
type Service interface {
	Serve() error
}

// ServiceFunc adapts a plain function into a Service.
type ServiceFunc func() error

func (s ServiceFunc) Serve() error {
	return s()
}

const (
	stateCreated = iota
	stateStarted = iota
)
