// Markmill is a document to Markdown conversion service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

/*
Markmill Build Automation

Usage:
    go run build.go                   # Full validation pipeline
    go run build.go test              # Run tests only
    go run build.go build             # Build binary only
    go run build.go clean             # Clean build artifacts
    go run build.go fmt               # Format Go code
    go run build.go lint              # Run static analysis
    go run build.go coverage          # Run tests with coverage
    go run build.go deps              # Check and download dependencies
    go run build.go build-all         # Build for all platforms
    go run build.go --platform linux/amd64 build  # Build for one platform
*/

package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorRed   = "\033[91m"
	colorGreen = "\033[92m"
	colorCyan  = "\033[96m"
)

type buildRunner struct {
	rootDir    string
	buildDir   string
	binaryName string
	startTime  time.Time
}

func newBuildRunner() (*buildRunner, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	binaryName := "markmill"
	if runtime.GOOS == "windows" {
		binaryName = "markmill.exe"
	}

	return &buildRunner{
		rootDir:    wd,
		buildDir:   filepath.Join(wd, "build"),
		binaryName: binaryName,
		startTime:  time.Now(),
	}, nil
}

func (br *buildRunner) printStep(step string) {
	fmt.Printf("%s%s→%s %s\n", colorBold, colorCyan, colorReset, step)
}

func (br *buildRunner) printSuccess(message string) {
	fmt.Printf("%s%s✓%s %s\n", colorBold, colorGreen, colorReset, message)
}

func (br *buildRunner) printError(message string) {
	fmt.Printf("%s%s✗%s %s\n", colorBold, colorRed, colorReset, message)
}

func (br *buildRunner) runCommand(name string, args []string, env []string, check bool) (int, string, string) {
	cmd := exec.Command(name, args...)
	cmd.Dir = br.rootDir
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	if check && exitCode != 0 {
		br.printError(fmt.Sprintf("Command failed: %s %s", name, strings.Join(args, " ")))
		if stdout.Len() > 0 {
			fmt.Printf("STDOUT:\n%s\n", stdout.String())
		}
		if stderr.Len() > 0 {
			fmt.Printf("STDERR:\n%s\n", stderr.String())
		}
	}

	return exitCode, stdout.String(), stderr.String()
}

func (br *buildRunner) checkPrerequisites() bool {
	br.printStep("Checking prerequisites")

	exitCode, stdout, _ := br.runCommand("go", []string{"version"}, nil, false)
	if exitCode != 0 {
		br.printError("Go is not installed or not in PATH")
		return false
	}
	br.printSuccess(fmt.Sprintf("Found %s", strings.TrimSpace(stdout)))

	if _, err := os.Stat(filepath.Join(br.rootDir, "go.mod")); os.IsNotExist(err) {
		br.printError("go.mod not found - not in a Go module directory")
		return false
	}
	return true
}

func (br *buildRunner) clean() bool {
	br.printStep("Cleaning build artifacts")

	if err := os.RemoveAll(br.buildDir); err != nil && !os.IsNotExist(err) {
		br.printError(fmt.Sprintf("Failed to remove build directory: %v", err))
		return false
	}
	_ = os.Remove(filepath.Join(br.rootDir, br.binaryName))

	for _, pattern := range []string{"coverage.out", "coverage.html", "*.test", "*.sqlite", "*.sqlite3"} {
		matches, _ := filepath.Glob(filepath.Join(br.rootDir, pattern))
		for _, match := range matches {
			_ = os.Remove(match)
		}
	}

	br.printSuccess("Cleaned build artifacts")
	return true
}

func (br *buildRunner) downloadDependencies() bool {
	br.printStep("Downloading dependencies")

	if exitCode, _, _ := br.runCommand("go", []string{"mod", "download"}, nil, true); exitCode != 0 {
		return false
	}
	if exitCode, _, _ := br.runCommand("go", []string{"mod", "verify"}, nil, true); exitCode != 0 {
		br.printError("Dependency verification failed")
		return false
	}

	br.printSuccess("Dependencies downloaded and verified")
	return true
}

func (br *buildRunner) formatCode() bool {
	br.printStep("Formatting Go code")

	if exitCode, _, _ := br.runCommand("go", []string{"fmt", "./..."}, nil, true); exitCode != 0 {
		return false
	}
	br.printSuccess("Code formatted")
	return true
}

func (br *buildRunner) lintCode() bool {
	br.printStep("Linting code")

	if exitCode, _, _ := br.runCommand("go", []string{"vet", "./..."}, nil, true); exitCode != 0 {
		return false
	}
	br.printSuccess("Static analysis passed (go vet)")
	return true
}

func (br *buildRunner) runTests(withCoverage bool) bool {
	br.printStep("Running tests")

	args := []string{"test"}
	if withCoverage {
		args = append(args, "-coverprofile=coverage.out")
	}
	args = append(args, "./...")

	if exitCode, _, _ := br.runCommand("go", args, nil, true); exitCode != 0 {
		return false
	}
	br.printSuccess("All tests passed")

	if withCoverage {
		if exitCode, stdout, _ := br.runCommand("go", []string{"tool", "cover", "-func=coverage.out"}, nil, false); exitCode == 0 {
			for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
				if strings.Contains(line, "total:") {
					fields := strings.Fields(line)
					br.printSuccess(fmt.Sprintf("Test coverage: %s", fields[len(fields)-1]))
					break
				}
			}
		}
	}
	return true
}

func (br *buildRunner) buildForPlatform(goos, goarch string) bool {
	br.printStep(fmt.Sprintf("Building for %s/%s", goos, goarch))

	if err := os.MkdirAll(br.buildDir, 0o755); err != nil {
		br.printError(fmt.Sprintf("Failed to create build directory: %v", err))
		return false
	}

	ext := ""
	if goos == "windows" {
		ext = ".exe"
	}
	binaryPath := filepath.Join(br.buildDir, fmt.Sprintf("markmill-%s-%s%s", goos, goarch, ext))

	args := []string{
		"build",
		"-ldflags", "-s -w",
		"-o", binaryPath,
		"./cmd/markmill",
	}
	env := []string{"CGO_ENABLED=0", "GOOS=" + goos, "GOARCH=" + goarch}
	if exitCode, _, _ := br.runCommand("go", args, env, true); exitCode != 0 {
		return false
	}

	info, err := os.Stat(binaryPath)
	if err != nil {
		br.printError("Binary was not created")
		return false
	}
	br.printSuccess(fmt.Sprintf("Built: %s (%.1f MB)", binaryPath, float64(info.Size())/(1024*1024)))
	return true
}

func (br *buildRunner) buildBinary() bool {
	br.printStep("Building application")

	if err := os.MkdirAll(br.buildDir, 0o755); err != nil {
		br.printError(fmt.Sprintf("Failed to create build directory: %v", err))
		return false
	}

	binaryPath := filepath.Join(br.buildDir, br.binaryName)
	args := []string{
		"build",
		"-ldflags", "-s -w",
		"-o", binaryPath,
		"./cmd/markmill",
	}
	if exitCode, _, _ := br.runCommand("go", args, []string{"CGO_ENABLED=0"}, true); exitCode != 0 {
		return false
	}

	info, err := os.Stat(binaryPath)
	if err != nil {
		br.printError("Binary was not created")
		return false
	}
	br.printSuccess(fmt.Sprintf("Binary built: %s (%.1f MB)", binaryPath, float64(info.Size())/(1024*1024)))
	return true
}

func (br *buildRunner) buildAllPlatforms() bool {
	platforms := [][2]string{
		{"linux", "amd64"},
		{"linux", "arm64"},
		{"darwin", "amd64"},
		{"darwin", "arm64"},
		{"windows", "amd64"},
	}

	ok := true
	for _, p := range platforms {
		if !br.buildForPlatform(p[0], p[1]) {
			ok = false
		}
	}
	return ok
}

func (br *buildRunner) validate() bool {
	steps := []struct {
		name string
		fn   func() bool
	}{
		{"Prerequisites", br.checkPrerequisites},
		{"Dependencies", br.downloadDependencies},
		{"Format", br.formatCode},
		{"Lint", br.lintCode},
		{"Tests", func() bool { return br.runTests(true) }},
		{"Build", br.buildBinary},
	}

	for _, step := range steps {
		if !step.fn() {
			br.printError(fmt.Sprintf("Step '%s' failed", step.name))
			return false
		}
	}
	return true
}

func (br *buildRunner) printSummary(success bool) {
	status := "SUCCESS"
	color := colorGreen
	if !success {
		status = "FAILED"
		color = colorRed
	}
	fmt.Printf("\n%sStatus: %s%s%s (%.1fs)\n", colorBold, color, status, colorReset, time.Since(br.startTime).Seconds())
}

func main() {
	var platformFlag string
	flag.StringVar(&platformFlag, "platform", "", "Target platform in the form os/arch (e.g., linux/amd64)")
	flag.Parse()

	command := "validate"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	runner, err := newBuildRunner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize build runner: %v\n", err)
		os.Exit(1)
	}

	success := false
	switch command {
	case "clean":
		success = runner.clean()
	case "deps":
		success = runner.checkPrerequisites() && runner.downloadDependencies()
	case "fmt":
		success = runner.checkPrerequisites() && runner.formatCode()
	case "lint":
		success = runner.checkPrerequisites() && runner.lintCode()
	case "test":
		success = runner.checkPrerequisites() && runner.downloadDependencies() && runner.runTests(false)
	case "coverage":
		success = runner.checkPrerequisites() && runner.downloadDependencies() && runner.runTests(true)
	case "build":
		if platformFlag != "" {
			parts := strings.Split(platformFlag, "/")
			if len(parts) != 2 {
				fmt.Fprintln(os.Stderr, "--platform must be in the form os/arch, e.g., linux/amd64")
				os.Exit(1)
			}
			success = runner.checkPrerequisites() && runner.downloadDependencies() && runner.buildForPlatform(parts[0], parts[1])
		} else {
			success = runner.checkPrerequisites() && runner.downloadDependencies() && runner.buildBinary()
		}
	case "build-all":
		success = runner.checkPrerequisites() && runner.downloadDependencies() && runner.buildAllPlatforms()
	case "validate":
		success = runner.validate()
	default:
		fmt.Fprintf(os.Stderr, "Invalid command: %s\n", command)
		fmt.Fprintln(os.Stderr, "Valid commands: build, build-all, test, clean, fmt, lint, coverage, deps, validate")
		os.Exit(1)
	}

	runner.printSummary(success)
	if !success {
		os.Exit(1)
	}
}
