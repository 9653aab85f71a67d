// Package spirv decodes the parts of a SPIR-V module gal validates
// pipelines against: entry points, vertex inputs, descriptor bindings and
// push-constant use.
//
// It is a reader for the binary layout in the SPIR-V specification
// (section 2.3, "Physical Layout of a SPIR-V Module and Instruction"),
// not a validator. Modules are trusted to be well-formed apart from the
// header and instruction lengths, which are checked.
package spirv
