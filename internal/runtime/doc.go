// Package runtime implements the stageflow core: the factory with its
// endpoint registry, the stage worker runtime with its transactional scope
// per message, the process context with its at-most-one-outgoing builder,
// and initiators.
//
// The public surface is re-exported by the root stageflow package; this
// package is not meant to be imported directly.
package runtime
