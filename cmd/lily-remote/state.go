// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// pairingFile is the name of the persisted pairing credential file
// under the controller state directory. Co-located with the key files
// written by client.SaveIdentity.
const pairingFile = "pairing.yaml"

// pairingState is what the pair command persists: everything needed
// to start sessions later without re-pairing.
type pairingState struct {
	Agent      string `yaml:"agent"`
	ClientID   string `yaml:"client_id"`
	Credential string `yaml:"credential"`
	MaxLevel   uint8  `yaml:"max_level"`
}

func defaultStateDir() string {
	if dir := os.Getenv("LILY_REMOTE_STATE"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "lily-remote")
}

func savePairing(dir string, state *pairingState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, pairingFile), data, 0o600)
}

func loadPairing(dir string) (*pairingState, error) {
	data, err := os.ReadFile(filepath.Join(dir, pairingFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("not paired; run 'lily-remote pair' first")
		}
		return nil, err
	}
	var state pairingState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", pairingFile, err)
	}
	return &state, nil
}
