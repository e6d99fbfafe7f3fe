// Package onnx reads, writes and traces ONNX models.
//
// The protobuf messages are hand-declared (only the fields this module
// uses) and encoded field by field with protowire; no generated code is
// involved.
//
// Key components:
//   - ModelProto and friends: the subset of onnx.proto used by exported models
//   - Parse / Marshal: wire decoding and encoding
//   - Tracer: an nn.Ops implementation that records the forward pass as nodes
//   - Model: a small evaluator for traced graphs, used to check an exported
//     file against the module it came from
//
// Example usage:
//
//	model, err := onnx.ParseFile("vocals.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(model.Metadata()["stem_name"])
package onnx
