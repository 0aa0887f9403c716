//go:build windows

package main

// onResize is a no-op: Windows consoles have no resize signal.
func onResize(func()) (stop func()) { return func() {} }
