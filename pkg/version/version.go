// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version defines the version of the relay
package version

// RelayVersion contains the version of the relay.
// It is populated at build time using build flags.
var RelayVersion string

// Commit is populated with the short commit hash from which the relay was built
var Commit string

var relayVersionDefault = "1.2.0"

func init() {
	if RelayVersion == "" {
		RelayVersion = relayVersionDefault
	}
}
