package tensors

import (
	"github.com/pkg/errors"

	"github.com/tensorio/tensorio/backends"
	"github.com/tensorio/tensorio/types/layouts"
)

// Connection reconciles two tensor layouts: it is either a zero-copy identity
// over a view (equivalent descriptors) or a Transformer running the backend's
// layout-conversion kernel. Returned by Dense.Connector.
type Connection interface {
	// Input tensor of the connection.
	Input() *Dense

	// Output tensor of the connection.
	Output() *Dense

	// Invoke makes the output hold the input's data, reformatted if needed,
	// and returns the output. An optional handle overrides the execution
	// stream captured at construction.
	Invoke(handle ...backends.Handle) (*Dense, error)

	// Connector chains this connection toward another descriptor: it returns
	// the connection itself when the descriptor already matches its output,
	// otherwise a new connection derived from the input.
	Connector(desc layouts.Descriptor) (Connection, error)

	// Release frees any tensor the connection allocated for its output. It
	// never frees the caller's tensors.
	Release() error
}

// identity is the zero-copy Connection between equivalent descriptors.
type identity struct {
	t *Dense
}

func (c identity) Input() *Dense  { return c.t }
func (c identity) Output() *Dense { return c.t }

func (c identity) Invoke(handle ...backends.Handle) (*Dense, error) {
	_ = handle
	c.t.AssertValid()
	return c.t, nil
}

func (c identity) Connector(desc layouts.Descriptor) (Connection, error) {
	return c.t.Connector(desc)
}

func (c identity) Release() error { return nil }

// Transformer is a reusable executable binding that converts data from the
// input tensor's layout into the output tensor's layout. It does not own
// either tensor (unless created through Connector, which allocates the
// output), and each invocation overwrites the output:
// output = 1.0*convert(input) + 0.0*output.
//
// Both tensors must live on the same backend; cross-backend movement goes
// through Transfer.
type Transformer struct {
	in, out *Dense
	handle  backends.Handle

	// ownsOutput is set when Connector allocated the output tensor.
	ownsOutput bool
}

var _ Connection = (*Transformer)(nil)

// NewTransformer builds a Transformer from in into out. It fails with
// ErrShapeMismatch if the tensors' dimensions differ, and with
// ErrUnsupportedOperation if they live on different backends.
func NewTransformer(in, out *Dense) (*Transformer, error) {
	in.AssertValid()
	out.AssertValid()
	if in.backend != out.backend {
		return nil, errors.Wrapf(backends.ErrUnsupportedOperation,
			"transformer requires both tensors on one backend, got %q and %q; use tensors.Transfer for cross-backend movement",
			in.backend.Name(), out.backend.Name())
	}
	if !in.desc.EqualDims(out.desc) {
		return nil, errors.Wrapf(backends.ErrShapeMismatch,
			"transformer input %s and output %s have different dimensions", in.desc, out.desc)
	}
	return &Transformer{in: in, out: out, handle: in.backend.Stream()}, nil
}

// Input implements Connection.
func (m *Transformer) Input() *Dense { return m.in }

// Output implements Connection.
func (m *Transformer) Output() *Dense { return m.out }

// Invoke runs the conversion, overwriting the output, and returns it. At most
// one handle may be given to target a different execution stream than the one
// captured at construction.
func (m *Transformer) Invoke(handle ...backends.Handle) (*Dense, error) {
	m.in.AssertValid()
	m.out.AssertValid()
	h := m.handle
	if len(handle) > 0 && handle[0] != nil {
		h = handle[0]
	}
	err := m.in.backend.Convert(h,
		1, m.in.desc, m.in.buffer, m.in.offset,
		0, m.out.desc, m.out.buffer, m.out.offset)
	if err != nil {
		return nil, err
	}
	return m.out, nil
}

// Revert returns the inverse-direction Transformer as a fresh view-backed
// instance: output becomes input and vice versa. No data moves.
func (m *Transformer) Revert() *Transformer {
	return &Transformer{in: m.out.asView(), out: m.in.asView(), handle: m.handle}
}

// Connector implements Connection: if desc already matches the output
// descriptor the Transformer itself is returned for re-use; otherwise the
// request is delegated to the input tensor, chaining conversions instead of
// nesting Transformers.
func (m *Transformer) Connector(desc layouts.Descriptor) (Connection, error) {
	if m.out.desc.Equivalent(desc) {
		return m, nil
	}
	return m.in.Connector(desc)
}

// Release implements Connection: it frees the output tensor only if this
// Transformer allocated it (through Dense.Connector).
func (m *Transformer) Release() error {
	if !m.ownsOutput || m.out == nil {
		return nil
	}
	err := m.out.Release()
	m.ownsOutput = false
	return err
}
