package main

import (
	"os"

	"github.com/AcaciaLinux/tooling/internal/tooling"
)

func main() {
	os.Exit(tooling.Main(os.Args[1:]))
}
