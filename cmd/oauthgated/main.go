package main

// Version is set during build with -ldflags.
var version = "dev"

func main() {
	Execute(version)
}
