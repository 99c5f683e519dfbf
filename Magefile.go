//go:build mage
// +build mage

package main

import (
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var Default = Build

func Build() error {
	return sh.Run(mg.GoCmd(), "build", "./...")
}

func Test() error {
	args := []string{"test"}
	if mg.Verbose() {
		args = append(args, "-v")
	}
	args = append(args, "./...")
	return sh.Run(mg.GoCmd(), args...)
}

// Race runs the tests with the race detector.
func Race() error {
	return sh.Run(mg.GoCmd(), "test", "-race", "./...")
}

// Cover writes a coverage profile to cover.out.
func Cover() error {
	defer os.Remove("cover.tmp")
	if err := sh.Run(mg.GoCmd(), "test", "-coverprofile=cover.tmp", "./..."); err != nil {
		return err
	}
	return os.Rename("cover.tmp", "cover.out")
}
