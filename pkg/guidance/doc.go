// Package guidance turns a coordinator batch into the instruction block that
// is appended before the second model call.
package guidance
