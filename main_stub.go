//go:build !tinygo

package main

// This file provides a stub entry point for the regular Go toolchain
// (staticcheck, go vet). The firmware binding in the tinygo-tagged files
// is TinyGo only; the portable logic lives in the subpackages and is
// tested there.

func main() {}
