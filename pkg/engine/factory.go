// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package engine

import "fmt"

// Name identifies one of the four backends by its wire/CLI string, kept
// here (rather than in each backend package) so callers can validate a
// name without importing every backend.
type Name string

const (
	NameSync   Name = "sync"
	NameURing  Name = "uring"
	NameLibaio Name = "libaio"
	NameMmap   Name = "mmap"
	NameMock   Name = "mock"
)

// Factory constructs a fresh Engine instance for name. Constructors are
// registered by cmd/main.go's init so pkg/engine itself never imports the concrete
// backend packages (which would make mmap/libaio/uring mandatory
// dependencies of every caller of this package, including tests that
// only need the interface).
type Factory func(name Name) (Engine, error)

var factories = map[Name]func() Engine{}

// Register adds a constructor for name. Backend packages are expected to
// stay decoupled from pkg/engine's consumers, so registration happens
// from cmd/main.go's init rather than from the backend packages
// themselves.
func Register(name Name, ctor func() Engine) {
	factories[name] = ctor
}

// New constructs a fresh Engine for name using whatever constructor was
// registered for it.
func New(name Name) (Engine, error) {
	ctor, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("engine: unknown backend %q", name)
	}
	return ctor(), nil
}
