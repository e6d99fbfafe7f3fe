package tensor

import "fmt"

// ToFloat32 returns the tensor converted to float32. A float32 tensor is
// returned as is.
func (r *RawTensor) ToFloat32() (*RawTensor, error) {
	if r.dtype == Float32 {
		return r, nil
	}
	out, err := NewRaw(r.shape, Float32)
	if err != nil {
		return nil, err
	}
	dst := out.AsFloat32()
	switch r.dtype {
	case Float64:
		for i, v := range r.AsFloat64() {
			dst[i] = float32(v)
		}
	case Int32:
		for i, v := range r.AsInt32() {
			dst[i] = float32(v)
		}
	case Int64:
		for i, v := range r.AsInt64() {
			dst[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("cannot convert %s to float32", r.dtype)
	}
	return out, nil
}
