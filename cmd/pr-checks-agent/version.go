package main

import "fmt"

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func printVersion() {
	fmt.Printf("pr-checks-agent %s\n", version)
}
