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

// Package appctx creates a context with useful
// components attached to the context like loggers.
package appctx

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/opencloud-eu/transfermanager/pkg/appctx"
	"github.com/rs/zerolog"
)

// New returns a new HTTP middleware that stores the log
// in the context with request ID information. It has to run inside
// chi's RequestID middleware to see the id.
func New(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return handler(log, next)
	}
}

func handler(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sub := log.With().Str("request_id", middleware.GetReqID(ctx)).Logger()
		ctx = appctx.WithLogger(ctx, &sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
