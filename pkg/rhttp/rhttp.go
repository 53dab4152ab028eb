// Copyright 2018-2023 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package rhttp serves the admin http services of the transfer manager.
package rhttp

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Service is an http service mounted under its prefix.
type Service interface {
	Handler() http.Handler
	Prefix() string
	Close() error
}

// Middleware wraps the handler of the whole server.
type Middleware func(h http.Handler) http.Handler

// Config configures a Server.
type Config func(*Server)

// WithServices sets the services to mount.
func WithServices(services ...Service) Config {
	return func(s *Server) {
		s.services = append(s.services, services...)
	}
}

// WithMiddlewares sets the middlewares, outermost last.
func WithMiddlewares(middlewares ...Middleware) Config {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, middlewares...)
	}
}

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Config {
	return func(s *Server) {
		s.log = log
	}
}

// WithShutdownTimeout bounds how long Stop waits for open requests.
func WithShutdownTimeout(d time.Duration) Config {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// Server contains the server info.
type Server struct {
	httpServer      *http.Server
	listener        net.Listener
	services        []Service
	handlers        map[string]http.Handler
	middlewares     []Middleware
	shutdownTimeout time.Duration
	log             zerolog.Logger
}

// New returns a new server.
func New(c ...Config) (*Server, error) {
	s := &Server{
		log:             zerolog.Nop(),
		httpServer:      &http.Server{ReadHeaderTimeout: 10 * time.Second},
		handlers:        map[string]http.Handler{},
		shutdownTimeout: time.Second,
	}
	for _, cc := range c {
		cc(s)
	}
	for _, svc := range s.services {
		prefix := cleanURL(svc.Prefix())
		if _, ok := s.handlers[prefix]; ok {
			return nil, errors.Errorf("rhttp: prefix %q is used twice", svc.Prefix())
		}
		s.handlers[prefix] = svc.Handler()
		s.log.Info().Msgf("http service enabled: /%s", svc.Prefix())
	}
	return s, nil
}

// Start serves on ln until the server is stopped.
func (s *Server) Start(ln net.Listener) error {
	s.httpServer.Handler = s.Handler()
	s.listener = ln

	s.log.Info().Msgf("http server listening at http://%s", s.listener.Addr())
	err := s.httpServer.Serve(s.listener)
	if err == nil || err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes the services and shuts the server down, waiting at most the
// shutdown timeout for open requests.
func (s *Server) Stop() error {
	s.closeServices()
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// GracefulStop closes the services and waits for all open requests.
func (s *Server) GracefulStop() error {
	s.closeServices()
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) closeServices() {
	for _, svc := range s.services {
		if err := svc.Close(); err != nil {
			s.log.Error().Err(err).Msgf("error closing service %q", svc.Prefix())
		} else {
			s.log.Info().Msgf("service %q correctly closed", svc.Prefix())
		}
	}
}

// Address returns the network address.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

// clean the url putting a slash (/) at the beginning if it does not have it
// and removing the slashes at the end
// if the url is "/", the output is "".
func cleanURL(url string) string {
	if len(url) > 0 {
		if url[0] != '/' {
			url = "/" + url
		}
		url = strings.TrimRight(url, "/")
	}
	return url
}

func urlHasPrefix(url, prefix string) bool {
	partsURL := strings.Split(cleanURL(url), "/")
	partsPrefix := strings.Split(cleanURL(prefix), "/")

	if len(partsPrefix) > len(partsURL) {
		return false
	}
	for i, p := range partsPrefix {
		if p != partsURL[i] {
			return false
		}
	}
	return true
}

// getSubURL strips prefix from url, which must start with it.
// example: url = "/api/v0/", prefix = "/api", res = "/v0"
func getSubURL(url, prefix string) string {
	url = cleanURL(url)
	prefix = cleanURL(prefix)
	sub := url[len(prefix):]
	if sub == "" {
		return "/"
	}
	return sub
}

func (s *Server) match(url string) (http.Handler, string, bool) {
	var (
		match string
		found bool
	)
	for k := range s.handlers {
		if urlHasPrefix(url, k) && (!found || len(k) > len(match)) {
			match, found = k, true
		}
	}
	return s.handlers[match], match, found
}

// Handler routes each request to the service with the longest matching
// prefix, stripping the prefix from the path.
func (s *Server) Handler() http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, prefix, ok := s.match(r.URL.Path); ok {
			s.log.Debug().Msgf("http routing: url=%s svc=%s", r.URL.Path, prefix)
			r.URL.Path = getSubURL(r.URL.Path, prefix)
			h.ServeHTTP(w, r)
			return
		}

		s.log.Debug().Msgf("http routing: url=%s svc=not-found", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})

	handler := http.Handler(h)
	for _, m := range s.middlewares {
		handler = m(handler)
	}
	return handler
}
