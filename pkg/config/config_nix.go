// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2018 Datadog, Inc.

//go:build !windows

package config

import (
	"os"
	"path/filepath"
)

// vrchatSteamAppID is the Steam catalog id of VRChat, part of the Proton
// prefix path.
const vrchatSteamAppID = "438100"

// defaultVRChatLogPath returns the directory VRChat writes its output logs
// to. There is no native build outside Windows; under Steam Proton the
// prefix mirrors the Windows LocalLow layout.
func defaultVRChatLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".steam", "steam", "steamapps", "compatdata", vrchatSteamAppID,
		"pfx", "drive_c", "users", "steamuser", "AppData", "LocalLow", "VRChat", "VRChat")
}

func defaultConfigSearchPath() string {
	return "/etc/vrc-log-relay"
}
