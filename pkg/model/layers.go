package model

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/menta2k/tumor-classifier/pkg/types"
)

// conv2d is a stride-1 square convolution. Weights are stored row-major as
// out x (in*k*k), matching the flattened [out, in, kh, kw] layout.
type conv2d struct {
	in, out int
	kernel  int
	pad     int
	weight  []float32
	bias    []float32
}

func newConv2d(in, out, kernel, pad int) *conv2d {
	return &conv2d{
		in:     in,
		out:    out,
		kernel: kernel,
		pad:    pad,
		weight: make([]float32, out*in*kernel*kernel),
		bias:   make([]float32, out),
	}
}

func (c *conv2d) fanIn() int {
	return c.in * c.kernel * c.kernel
}

func (c *conv2d) outputSize(h, w int) (int, int) {
	return h + 2*c.pad - c.kernel + 1, w + 2*c.pad - c.kernel + 1
}

// forward lowers the input with im2col and runs a single GEMM
func (c *conv2d) forward(x *types.Tensor) *types.Tensor {
	oh, ow := c.outputSize(x.Height, x.Width)
	cols := c.im2col(x, oh, ow)

	out := types.NewTensor(c.out, oh, ow)
	n := oh * ow
	for o := 0; o < c.out; o++ {
		row := out.Data[o*n : (o+1)*n]
		for i := range row {
			row[i] = c.bias[o]
		}
	}

	k := c.fanIn()
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: c.out, Cols: k, Stride: k, Data: c.weight},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: cols},
		1,
		blas32.General{Rows: c.out, Cols: n, Stride: n, Data: out.Data},
	)

	return out
}

// im2col returns a (in*k*k) x (oh*ow) matrix of input patches
func (c *conv2d) im2col(x *types.Tensor, oh, ow int) []float32 {
	n := oh * ow
	cols := make([]float32, c.fanIn()*n)

	for ci := 0; ci < c.in; ci++ {
		plane := x.Data[ci*x.Height*x.Width : (ci+1)*x.Height*x.Width]
		for ky := 0; ky < c.kernel; ky++ {
			for kx := 0; kx < c.kernel; kx++ {
				row := cols[((ci*c.kernel+ky)*c.kernel+kx)*n:]
				for y := 0; y < oh; y++ {
					sy := y + ky - c.pad
					if sy < 0 || sy >= x.Height {
						continue
					}
					src := plane[sy*x.Width:]
					dst := row[y*ow:]
					for xx := 0; xx < ow; xx++ {
						sx := xx + kx - c.pad
						if sx < 0 || sx >= x.Width {
							continue
						}
						dst[xx] = src[sx]
					}
				}
			}
		}
	}

	return cols
}

// linear is a fully connected layer with weights stored out x in
type linear struct {
	in, out int
	weight  []float32
	bias    []float32
}

func newLinear(in, out int) *linear {
	return &linear{
		in:     in,
		out:    out,
		weight: make([]float32, out*in),
		bias:   make([]float32, out),
	}
}

func (l *linear) forward(x []float32) []float32 {
	y := make([]float32, l.out)
	copy(y, l.bias)

	blas32.Gemv(blas.NoTrans, 1,
		blas32.General{Rows: l.out, Cols: l.in, Stride: l.in, Data: l.weight},
		blas32.Vector{N: l.in, Inc: 1, Data: x},
		1,
		blas32.Vector{N: l.out, Inc: 1, Data: y},
	)

	return y
}

func relu(data []float32) {
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

// maxPool2 applies 2x2 max pooling with stride 2. Odd trailing rows and
// columns are dropped.
func maxPool2(x *types.Tensor) *types.Tensor {
	oh, ow := x.Height/2, x.Width/2
	out := types.NewTensor(x.Channels, oh, ow)

	for c := 0; c < x.Channels; c++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				m := x.At(c, 2*y, 2*xx)
				if v := x.At(c, 2*y, 2*xx+1); v > m {
					m = v
				}
				if v := x.At(c, 2*y+1, 2*xx); v > m {
					m = v
				}
				if v := x.At(c, 2*y+1, 2*xx+1); v > m {
					m = v
				}
				out.Set(c, y, xx, m)
			}
		}
	}

	return out
}
