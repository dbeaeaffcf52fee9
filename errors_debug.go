//go:build debug

package main

func init() {
	debugAssertions = true
}
