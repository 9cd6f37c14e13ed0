package errors_test

import (
	"fmt"

	"delta-calibration/pkg/errors"
)

func ExampleSanityError() {
	err := errors.SanityError("iterative", "trim -5.200 below -5mm")
	fmt.Println(err)
	fmt.Println(errors.IsSanity(err))
	// Output:
	// [CALIBRATION_SANITY:iterative] trim -5.200 below -5mm
	// true
}

func ExampleWrap() {
	base := fmt.Errorf("file not found")
	err := errors.Wrap(base, errors.ErrDepthMap, "load failed").SetSection("depth_map")
	fmt.Println(err)
	// Output:
	// [DEPTH_MAP:depth_map] load failed: file not found
}

func ExampleIs() {
	err := fmt.Errorf("scan: %w", errors.ProbeError("no trigger"))
	fmt.Println(errors.Is(err, errors.ErrProbe), errors.IsConfig(err))
	// Output:
	// true false
}
