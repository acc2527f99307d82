// Package selector implements the weighted rarity draw.
package selector

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-loot/internal/option"
)

var ErrZeroTotal = errors.New("granularity total must be positive")

// Source yields uniformly distributed values. Every call must return a
// fresh value; a source must never replay a value across draws.
type Source interface {
	// Uint64n returns a uniform value in [0, n). n is always positive.
	Uint64n(n uint64) (uint64, error)
}

// Draw picks one class from p against total.
//
// A single value v is drawn from [0, total). Classes are tested from the
// rarest down to index 1: v < p[i] selects i, otherwise p[i] is subtracted
// and the scan continues. Anything left over falls to Common.
func Draw(p option.Probabilities, total uint32, src Source) (option.Class, error) {
	if total == 0 {
		return option.Common, ErrZeroTotal
	}
	v, err := src.Uint64n(uint64(total))
	if err != nil {
		return option.Common, fmt.Errorf("random source: %w", err)
	}
	return Pick(p, v), nil
}

// Pick maps an already drawn value v to its class.
func Pick(p option.Probabilities, v uint64) option.Class {
	for i := option.NumClasses - 1; i > 0; i-- {
		w := uint64(p[i])
		if v < w {
			return option.Class(i)
		}
		v -= w
	}
	return option.Common
}

// Simulate runs n draws and returns how often each class came up.
func Simulate(p option.Probabilities, total uint32, src Source, n int) ([option.NumClasses]uint64, error) {
	var counts [option.NumClasses]uint64
	for i := 0; i < n; i++ {
		c, err := Draw(p, total, src)
		if err != nil {
			return counts, err
		}
		counts[c]++
	}
	return counts, nil
}
