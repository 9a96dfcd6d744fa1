//go:build mage

package main

import (
	"os"
	"path"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	serverPkg = "github.com/tunnelvision/tunnelvision/server/cmd/server"
	pushPkg   = "github.com/tunnelvision/tunnelvision/host/cmd/push"
	ldflags   = "-X main.version=$VERSION -X main.commit=$COMMIT"
	outDir    = "bin"
)

var Default = Build

var vars map[string]string

// GOEXE overrides the go executable.
var goexe = "go"

func init() {
	if exe := os.Getenv("GOEXE"); exe != "" {
		goexe = exe
	}
}

// Build builds tunnelvision-server and tunnelvision-push into bin/.
func Build() error {
	mg.Deps(mkBin)
	if err := build(serverPkg, "tunnelvision-server"); err != nil {
		return err
	}
	return build(pushPkg, "tunnelvision-push")
}

// BuildRace builds tunnelvision-server with the race detector enabled.
func BuildRace() error {
	mg.Deps(mkBin)
	return sh.RunWith(getVars(), goexe, "build", "-race", "-ldflags", ldflags,
		"-o", path.Join(outDir, binName("tunnelvision-server")), serverPkg)
}

// Install installs both commands.
func Install() error {
	if err := sh.RunWith(getVars(), goexe, "install", "-ldflags", ldflags, serverPkg); err != nil {
		return err
	}
	return sh.RunWith(getVars(), goexe, "install", pushPkg)
}

// Test runs the test suite with the race detector.
func Test() error {
	return sh.RunV(goexe, "test", "-race", "./...")
}

// Clean removes all files and directories created by mage targets.
func Clean() error {
	return os.RemoveAll(outDir)
}

func build(pkg, name string) error {
	return sh.RunWith(getVars(), goexe, "build", "-ldflags", ldflags,
		"-o", path.Join(outDir, binName(name)), pkg)
}

func binName(name string) string {
	if os.Getenv("GOOS") == "windows" {
		return name + ".exe"
	}
	return name
}

func mkBin() error {
	if _, err := os.Stat(outDir); err == nil {
		return nil
	}
	return os.Mkdir(outDir, 0o755)
}

func getVars() map[string]string {
	if vars != nil {
		return vars
	}

	vars = make(map[string]string)
	version, err := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	if err != nil {
		version = "dev"
	}
	vars["VERSION"] = version

	commit, err := sh.Output("git", "rev-parse", "--short", "HEAD")
	if err != nil {
		commit = "none"
	}
	vars["COMMIT"] = commit
	return vars
}
