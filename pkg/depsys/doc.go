// Package depsys implements the package registry for prepdeps. Package definitions are Starlark scripts
// that register named install functions; the orchestrator runs them in order and collects the CMake
// snippets they emit into a single build descriptor.
// Shell commands inside definitions run through mvdan.cc/sh so definitions stay portable.
package depsys
