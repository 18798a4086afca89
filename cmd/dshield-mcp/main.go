package main

import "os"

// version is stamped by the release build.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}
