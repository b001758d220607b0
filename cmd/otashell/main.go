package main

import (
	"github.com/robotalks/sensornode/pkg/cli/sh"
)

func main() {
	sh.Main()
}
