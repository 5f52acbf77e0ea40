package matching

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Keypoint is a single AKAZE/SIFT detection: an image-plane location paired
// with its descriptor vector.
type Keypoint struct {
	X, Y       float64
	Descriptor []float32
}

// KeypointSet decodes to/from the opaque keypoint blob referenced by
// ProductImage.KeypointRef / VideoFrame.KeypointRef; the actual decoding of
// that blob format is owned by the (out-of-scope) feature extraction
// runtime, so this package only operates on already-decoded keypoints.
type KeypointSet []Keypoint

// correspondence is one putative match between a product keypoint and a
// frame keypoint, found by nearest-descriptor matching.
type correspondence struct {
	src, dst Keypoint
}

// matchDescriptors finds each product keypoint's nearest frame keypoint by
// Euclidean descriptor distance (a stand-in for AKAZE/SIFT's Hamming/L2
// brute-force matcher), keeping the putative correspondence set RANSAC will
// filter down to its inlier core.
func matchDescriptors(product, frame KeypointSet) []correspondence {
	var out []correspondence
	for _, p := range product {
		bestIdx := -1
		bestDist := math.MaxFloat64
		for i, f := range frame {
			d := descriptorDistance(p.Descriptor, f.Descriptor)
			if d < bestDist {
				bestDist = d
				bestIdx = i
			}
		}
		if bestIdx >= 0 {
			out = append(out, correspondence{src: p, dst: frame[bestIdx]})
		}
	}
	return out
}

func descriptorDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return math.MaxFloat64
	}
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// ransacInlierRatio estimates a homography between product and frame
// keypoints via RANSAC and returns the fraction of putative correspondences
// that agree with the best model within reprojPx — the sim_keypoint signal
// the reference matcher mocks out; here it is backed by a real (if modest)
// RANSAC/DLT implementation using gonum for the linear solve.
func ransacInlierRatio(cfg Config, product, frame KeypointSet, rng *rand.Rand) (ratio float64, inliers int) {
	corr := matchDescriptors(product, frame)
	if len(corr) < 4 {
		return 0, 0
	}

	const iterations = 200
	bestInliers := 0

	for iter := 0; iter < iterations; iter++ {
		sample := sampleFour(corr, rng)
		H, ok := estimateHomography(sample)
		if !ok {
			continue
		}

		count := 0
		for _, c := range corr {
			px, py := applyHomography(H, c.src.X, c.src.Y)
			dx := px - c.dst.X
			dy := py - c.dst.Y
			if math.Hypot(dx, dy) <= cfg.RANSACReprojPx {
				count++
			}
		}
		if count > bestInliers {
			bestInliers = count
		}
	}

	return float64(bestInliers) / float64(len(corr)), bestInliers
}

func sampleFour(corr []correspondence, rng *rand.Rand) []correspondence {
	if len(corr) <= 4 {
		return corr
	}
	idx := rng.Perm(len(corr))[:4]
	out := make([]correspondence, 4)
	for i, j := range idx {
		out[i] = corr[j]
	}
	return out
}

// estimateHomography solves the 8-DoF planar homography via the Direct
// Linear Transform: each correspondence contributes two rows to an 8x8
// system A*h = b (fixing H[2][2]=1), solved with gonum's dense LU solver.
func estimateHomography(sample []correspondence) (*mat.Dense, bool) {
	if len(sample) < 4 {
		return nil, false
	}

	A := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)

	for i, c := range sample {
		x, y := c.src.X, c.src.Y
		u, v := c.dst.X, c.dst.Y
		row0 := 2 * i
		row1 := row0 + 1

		A.SetRow(row0, []float64{x, y, 1, 0, 0, 0, -x * u, -y * u})
		A.SetRow(row1, []float64{0, 0, 0, x, y, 1, -x * v, -y * v})
		b.SetVec(row0, u)
		b.SetVec(row1, v)
	}

	var h mat.VecDense
	if err := h.SolveVec(A, b); err != nil {
		return nil, false
	}

	H := mat.NewDense(3, 3, []float64{
		h.AtVec(0), h.AtVec(1), h.AtVec(2),
		h.AtVec(3), h.AtVec(4), h.AtVec(5),
		h.AtVec(6), h.AtVec(7), 1,
	})
	return H, true
}

func applyHomography(H *mat.Dense, x, y float64) (float64, float64) {
	w := H.At(2, 0)*x + H.At(2, 1)*y + H.At(2, 2)
	if w == 0 {
		return math.Inf(1), math.Inf(1)
	}
	px := (H.At(0, 0)*x + H.At(0, 1)*y + H.At(0, 2)) / w
	py := (H.At(1, 0)*x + H.At(1, 1)*y + H.At(1, 2)) / w
	return px, py
}
