// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package distribution

import "fmt"

// Kind names one of the five block-selection distributions, used on the
// wire (Config messages can't carry a live Distribution interface) and
// on the CLI.
type Kind string

const (
	KindUniform    Kind = "uniform"
	KindSequential Kind = "sequential"
	KindZipf       Kind = "zipf"
	KindPareto     Kind = "pareto"
	KindGaussian   Kind = "gaussian"
)

// Spec is the gob/flag-friendly description of a distribution: a Kind
// plus whichever of its parameters apply.
type Spec struct {
	Kind   Kind
	Theta  float64 // zipf
	H      float64 // pareto
	Stddev float64 // gaussian
	Center float64 // gaussian
}

// New constructs the Distribution spec describes, seeded deterministically.
func New(spec Spec, seed uint64) (Distribution, error) {
	switch spec.Kind {
	case KindUniform:
		return NewUniformSeeded(seed), nil
	case KindSequential:
		return NewSequential(), nil
	case KindZipf:
		return NewZipfSeeded(spec.Theta, seed), nil
	case KindPareto:
		return NewParetoSeeded(spec.H, seed), nil
	case KindGaussian:
		return NewGaussianSeeded(spec.Stddev, spec.Center, seed), nil
	default:
		return nil, fmt.Errorf("distribution: unknown kind %q", spec.Kind)
	}
}
