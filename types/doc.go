// Package types defines the shared data model of TaskMesh: the task
// lifecycle state machine, provider scopes, node health, update packages,
// and the unified error type with stable reason codes.
//
// All other packages depend on types; types depends on nothing but the
// standard library.
package types
