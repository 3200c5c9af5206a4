package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	serverBinary       = "pahe-extract-server"
	serverStartTimeout = 10 * time.Second
	serverPollInterval = 200 * time.Millisecond
)

var healthClient = &http.Client{Timeout: time.Second}

// isServerRunning checks if the server is responding to health checks
func isServerRunning() bool {
	resp, err := healthClient.Get(serverURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// findServerBinary looks next to the CLI binary, then on PATH, then in
// the platform's install directories
func findServerBinary() (string, error) {
	var candidates []string
	if execPath, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(execPath), serverExe))
	}
	if path, err := exec.LookPath(serverExe); err == nil {
		candidates = append(candidates, path)
	}
	for _, dir := range installDirs() {
		candidates = append(candidates, filepath.Join(dir, serverExe))
	}

	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s binary not found", serverExe)
}

// startServerBackground starts the server as a detached background process
func startServerBackground() error {
	serverPath, err := findServerBinary()
	if err != nil {
		return err
	}

	var args []string
	if configFile != "" {
		args = append(args, "-config", configFile)
	}
	cmd := exec.Command(serverPath, args...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	// reap the child if it exits while the CLI is still running
	go func() {
		_ = cmd.Wait()
	}()

	return nil
}

// waitForServerReady polls the server until it's ready or timeout
func waitForServerReady() error {
	deadline := time.Now().Add(serverStartTimeout)
	for time.Now().Before(deadline) {
		if isServerRunning() {
			return nil
		}
		time.Sleep(serverPollInterval)
	}
	return fmt.Errorf("server did not start within %v", serverStartTimeout)
}

// ensureServerRunning checks if server is running, starts it if not
func ensureServerRunning() error {
	if isServerRunning() {
		return nil
	}

	fmt.Fprintln(os.Stderr, "Server not running, starting...")

	if err := startServerBackground(); err != nil {
		return err
	}
	if err := waitForServerReady(); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Server started successfully")
	return nil
}
