// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package split partitions a pool of annotated samples into disjoint train, validation and test
// splits, and materializes them as the directory tree expected by the trainer.
//
// The partition is deterministic: the pool is shuffled with a seeded random number generator, and then
// cut by cumulative counts:
//
//	train: the first floor(n*Ratios.Train) samples.
//	val:   the next floor(n*Ratios.Val) samples.
//	test:  the remainder.
//
// So every sample belongs to exactly one split, and the samples lost to the integer truncation always
// end up in the test split.
package split

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/detpipe/pkg/dataset/samples"
	"github.com/pkg/errors"
)

// Name of a split.
type Name string

const (
	Train Name = "train"
	Val   Name = "val"
	Test  Name = "test"
)

// Names lists the splits in the order they are cut from the shuffled pool.
var Names = []Name{Train, Val, Test}

// Ratios is the fraction of the pool assigned to each split. They must add up to 1.
type Ratios struct {
	Train, Val, Test float64
}

// DefaultRatios used by the pipeline: 60% train, 20% validation, 20% test.
var DefaultRatios = Ratios{Train: 0.6, Val: 0.2, Test: 0.2}

// DefaultSeed used to shuffle the pool if none is configured.
const DefaultSeed int64 = 42

// ratiosTolerance is the tolerance when checking that the ratios add up to 1.
const ratiosTolerance = 1e-9

// Validate checks that each ratio is in [0, 1] and that they add up to 1.
func (r Ratios) Validate() error {
	for _, ratio := range []struct {
		name  Name
		value float64
	}{{Train, r.Train}, {Val, r.Val}, {Test, r.Test}} {
		if math.IsNaN(ratio.value) || ratio.value < 0 || ratio.value > 1 {
			return errors.Errorf("invalid ratio %g for split %q: it must be in [0, 1]", ratio.value, ratio.name)
		}
	}
	if sum := r.Train + r.Val + r.Test; math.Abs(sum-1) > ratiosTolerance {
		return errors.Errorf("split ratios %s add up to %g, they must add up to 1", r, sum)
	}
	return nil
}

// String implements fmt.Stringer.
func (r Ratios) String() string {
	return fmt.Sprintf("train=%g/val=%g/test=%g", r.Train, r.Val, r.Test)
}

// Sizes returns the number of samples assigned to each split for a pool of n samples.
func (r Ratios) Sizes(n int) (train, val, test int) {
	train = int(float64(n) * r.Train)
	val = int(float64(n) * r.Val)
	test = n - train - val
	return
}

// Splits maps each split name to its ordered list of pairs.
type Splits map[Name][]samples.Pair

// Len returns the total number of pairs over all splits.
func (s Splits) Len() int {
	var n int
	for _, pairs := range s {
		n += len(pairs)
	}
	return n
}

// String implements fmt.Stringer.
func (s Splits) String() string {
	return fmt.Sprintf("train=%d, val=%d, test=%d", len(s[Train]), len(s[Val]), len(s[Test]))
}

// Split shuffles a copy of pairs with the given seed and partitions it according to ratios.
//
// The input slice is not modified. An empty pool yields three empty splits. The only error
// condition are invalid ratios.
func Split(pairs []samples.Pair, ratios Ratios, seed int64) (Splits, error) {
	if err := ratios.Validate(); err != nil {
		return nil, err
	}
	shuffled := make([]samples.Pair, len(pairs))
	copy(shuffled, pairs)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	numTrain, numVal, _ := ratios.Sizes(len(shuffled))
	valEnd := numTrain + numVal
	return Splits{
		Train: shuffled[:numTrain:numTrain],
		Val:   shuffled[numTrain:valEnd:valEnd],
		Test:  shuffled[valEnd:],
	}, nil
}
