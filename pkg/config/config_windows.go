// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2018 Datadog, Inc.

//go:build windows

package config

import (
	"os"
	"path/filepath"
)

// defaultVRChatLogPath returns the directory VRChat writes its output logs
// to. The game uses the Unity persistent data path under LocalLow.
func defaultVRChatLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "AppData", "LocalLow", "VRChat", "VRChat")
}

func defaultConfigSearchPath() string {
	if programData := os.Getenv("ProgramData"); programData != "" {
		return filepath.Join(programData, "vrc-log-relay")
	}
	return "."
}
