// Package dataset loads annotated radiograph collections from disk and
// generates synthetic ones for tests and quick experiments. A sample couples
// an image with boundary landmarks, per-structure segmentation masks and a
// dense UV correspondence map that is NaN outside the masks.
package dataset

import (
	"github.com/densemark/uvtrain/training"
)

// JSRT chest radiograph annotation layout: five anatomical structures
// outlined by boundary landmarks on 256x256 images at 1.4 mm per pixel.
const (
	JSRTImageSize         = 256
	JSRTPixelResolutionMM = 1.4
)

var (
	// JSRTClassLabels names the annotated structures in channel order.
	JSRTClassLabels = []string{"right_lung", "left_lung", "heart", "right_clavicle", "left_clavicle"}

	// JSRTLandmarksPerClass gives the boundary landmark count of each
	// structure. The landmark table concatenates them in class order,
	// 166 in total.
	JSRTLandmarksPerClass = []int{44, 50, 26, 23, 23}
)

// JSRTInfo returns the dataset description of the JSRT annotation layout.
func JSRTInfo() training.DatasetInfo {
	return training.DatasetInfo{
		NumClasses:        len(JSRTClassLabels),
		ClassLabels:       append([]string(nil), JSRTClassLabels...),
		LandmarksPerClass: append([]int(nil), JSRTLandmarksPerClass...),
		PixelResolutionMM: JSRTPixelResolutionMM,
	}
}
