// Package stream declares the resource tree walked by the extraction engine.
//
// A Descriptor is the immutable definition of one resource type: its name,
// path template, HTTP method, primary keys, field schema and an optional
// parent. Descriptors are plain data; per-resource behaviour (pagination,
// request shaping, record transforms) is attached by the engine.
//
// Context carries the values a child stream needs from its parent record.
// Each Descriptor declares how its children's context is derived
// (ContextMapping) and which keys it consumes itself (RequiredKeys), so a
// Registry can reject a mis-wired tree at startup instead of failing on the
// first record:
//
//	reg := stream.NewRegistry()
//	_ = reg.Register(stores)
//	_ = reg.Register(shops) // Parent: "stores"
//	if err := reg.Validate(); err != nil {
//		// a child references a key its parent never provides
//	}
package stream
