package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config.yaml",
	Long: `init writes a config.yaml with the orchestrator's defaults to
the directory named by --config (or the current directory), for the
operator to edit in place.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config.yaml")
}

// defaultConfigYAML mirrors internal/common/config's setDefaults, spelled
// out as a file an operator can read and edit directly rather than
// reverse-engineered from the Config struct's in-memory defaults.
const defaultConfigYAML = `server:
  host: 127.0.0.1
  port: 8080
  readTimeout: 30
  writeTimeout: 30

database:
  driver: sqlite
  path: ~/.local/share/octo/octo.db

nats:
  url: ""
  clientId: octo-orchestrator
  maxReconnects: 10

runtime:
  mode: local
  workspaceRoot: ~/.local/share/octo/workspaces
  idleTimeoutSec: 1800
  reapIntervalSec: 60

docker:
  enabled: true
  host: unix:///var/run/docker.sock
  apiVersion: "1.41"
  defaultNetwork: octo-network

platform:
  enabled: false
  usernamePrefix: octo_
  group: octo
  uidStart: 2000
  shell: /bin/bash

sandbox:
  enabled: true
  profile: default
  isolatePid: true
  isolateNetwork: false
  cpuSeconds: 0
  maxMemoryBytes: 0
  maxOpenFiles: 0

ports:
  start: 41820
  end: 61820
  maxAgentPorts: 8

agent:
  binary: pi
  idleTimeoutSec: 1800
  freshAgeSec: 86400

auth:
  jwtSecret: ""
  tokenDuration: 3600

logging:
  level: info
  format: console
  outputPath: stdout
`

func runInit(cmd *cobra.Command, args []string) error {
	dir := configPath
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	path := filepath.Join(dir, "config.yaml")
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
