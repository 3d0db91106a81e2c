// Package camera converts the flat camera descriptors of a dataset to the viewpoint transforms used by
// the renderer.
//
// A descriptor is a vector of 34 values: image height and width, the 4x4 intrinsics matrix and the
// 4x4 camera-to-world matrix, both in row-major order. Matrices of a Viewpoint are stored transposed
// (row-vector convention): a point p in world coordinates is projected with [p 1] · FullProjection.
package camera

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// VectorLen is the length of a flat camera descriptor.
	VectorLen = 34

	// DefaultZNear and DefaultZFar are the clipping planes used by ToViewpoint.
	DefaultZNear = 0.2
	DefaultZFar  = 1000.0
)

// Descriptor of a camera.
type Descriptor struct {
	Height, Width float64

	// Intrinsics and CameraToWorld are 4x4 matrices in row-major order.
	Intrinsics    [16]float64
	CameraToWorld [16]float64
}

// DescriptorFromVector parses the 34 values flat descriptor: [H, W, K (16 values), c2w (16 values)].
func DescriptorFromVector(v []float32) (Descriptor, error) {
	var d Descriptor
	if len(v) != VectorLen {
		return d, errors.Errorf("camera descriptor must have %d values, got %d", VectorLen, len(v))
	}
	d.Height, d.Width = float64(v[0]), float64(v[1])
	for i := range 16 {
		d.Intrinsics[i] = float64(v[2+i])
		d.CameraToWorld[i] = float64(v[18+i])
	}
	if d.Height <= 0 || d.Width <= 0 {
		return d, errors.Errorf("camera descriptor has invalid image size %gx%g", d.Height, d.Width)
	}
	return d, nil
}

// Vector returns the flat representation of the descriptor.
func (d Descriptor) Vector() []float32 {
	v := make([]float32, VectorLen)
	v[0], v[1] = float32(d.Height), float32(d.Width)
	for i := range 16 {
		v[2+i] = float32(d.Intrinsics[i])
		v[18+i] = float32(d.CameraToWorld[i])
	}
	return v
}

// FocalX returns the horizontal focal length, in pixels.
func (d Descriptor) FocalX() float64 { return d.Intrinsics[0] }

// FocalY returns the vertical focal length, in pixels.
func (d Descriptor) FocalY() float64 { return d.Intrinsics[5] }

// Viewpoint holds the transforms of a camera used for rendering.
type Viewpoint struct {
	Width, Height int
	FoVX, FoVY    float64
	ZNear, ZFar   float64

	// WorldView is the transposed world-to-camera transform, inverse(c2w)ᵀ.
	WorldView *mat.Dense

	// Projection is the transposed perspective projection.
	Projection *mat.Dense

	// FullProjection is WorldView · Projection.
	FullProjection *mat.Dense

	// Center of the camera in world coordinates.
	Center [3]float64
}

// String implements fmt.Stringer.
func (vp Viewpoint) String() string {
	return fmt.Sprintf("Viewpoint(%dx%d, fov=(%.1f°, %.1f°), center=(%.3f, %.3f, %.3f))", vp.Width, vp.Height,
		vp.FoVX*180/math.Pi, vp.FoVY*180/math.Pi, vp.Center[0], vp.Center[1], vp.Center[2])
}

// FocalToFov converts a focal length to the field of view (in radians) spanning the given number of pixels.
func FocalToFov(focal, pixels float64) float64 {
	return 2 * math.Atan(pixels/(2*focal))
}

// FovToFocal is the inverse of FocalToFov.
func FovToFocal(fov, pixels float64) float64 {
	return pixels / (2 * math.Tan(fov/2))
}

// ProjectionMatrix returns the perspective projection (column-vector convention) for the given clipping planes
// and fields of view: it maps camera space depth znear to 0 and zfar to 1, and w = z.
func ProjectionMatrix(znear, zfar, fovX, fovY float64) *mat.Dense {
	tanHalfFovY := math.Tan(fovY / 2)
	tanHalfFovX := math.Tan(fovX / 2)
	top := tanHalfFovY * znear
	bottom := -top
	right := tanHalfFovX * znear
	left := -right

	p := mat.NewDense(4, 4, nil)
	p.Set(0, 0, 2*znear/(right-left))
	p.Set(1, 1, 2*znear/(top-bottom))
	p.Set(0, 2, (right+left)/(right-left))
	p.Set(1, 2, (top+bottom)/(top-bottom))
	p.Set(3, 2, 1)
	p.Set(2, 2, zfar/(zfar-znear))
	p.Set(2, 3, -(zfar*znear)/(zfar-znear))
	return p
}

// ToViewpoint converts the descriptor using the default clipping planes.
func ToViewpoint(d Descriptor) (Viewpoint, error) {
	return ToViewpointWithPlanes(d, DefaultZNear, DefaultZFar)
}

// ToViewpointWithPlanes converts the descriptor using the given clipping planes.
// It fails if the camera-to-world matrix is not invertible.
func ToViewpointWithPlanes(d Descriptor, znear, zfar float64) (Viewpoint, error) {
	if znear <= 0 || zfar <= znear {
		return Viewpoint{}, errors.Errorf("invalid clipping planes znear=%g, zfar=%g", znear, zfar)
	}
	vp := Viewpoint{
		Width:  int(d.Width),
		Height: int(d.Height),
		FoVX:   FocalToFov(d.FocalX(), d.Width),
		FoVY:   FocalToFov(d.FocalY(), d.Height),
		ZNear:  znear,
		ZFar:   zfar,
	}
	c2w := mat.NewDense(4, 4, d.CameraToWorld[:])
	var w2c mat.Dense
	if err := w2c.Inverse(c2w); err != nil {
		return Viewpoint{}, errors.Wrap(err, "camera-to-world matrix is not invertible")
	}
	vp.WorldView = mat.DenseCopyOf(w2c.T())
	vp.Projection = mat.DenseCopyOf(ProjectionMatrix(znear, zfar, vp.FoVX, vp.FoVY).T())
	vp.FullProjection = mat.NewDense(4, 4, nil)
	vp.FullProjection.Mul(vp.WorldView, vp.Projection)
	for i := range 3 {
		vp.Center[i] = c2w.At(i, 3)
	}
	return vp, nil
}
