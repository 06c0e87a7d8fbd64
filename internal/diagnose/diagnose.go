// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package diagnose wraps driver-level errors (package load failures,
// unresolved configured symbols, failed source rewrites) with a call
// stack when the caller asks for it -- the core balance/allocator/closure
// engines never return an error at all, since every finding they produce is
// a diagnostic on the sink, not a failure of the run itself. This package
// exists only for cmd/rchk's own plumbing.
package diagnose

import (
	"fmt"

	"github.com/pkg/errors"
)

// Wrap annotates err with message and, when trace is true, a captured call
// stack (cheap to skip when the trace-errors option is off, since pkg/errors only
// walks the stack when WithStack/Wrap is actually called).
func Wrap(trace bool, err error, message string) error {
	if err == nil {
		return nil
	}
	if !trace {
		return fmt.Errorf("%s: %w", message, err)
	}
	return errors.WithMessage(errors.WithStack(err), message)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(trace bool, err error, format string, args ...interface{}) error {
	return Wrap(trace, err, fmt.Sprintf(format, args...))
}

// StackTrace renders err's captured stack, if trace was on when it was
// wrapped; otherwise it returns an empty string.
func StackTrace(err error) string {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	var st stackTracer
	for e := err; e != nil; {
		if s, ok := e.(stackTracer); ok {
			st = s
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if st == nil {
		return ""
	}
	return fmt.Sprintf("%+v", st.StackTrace())
}
