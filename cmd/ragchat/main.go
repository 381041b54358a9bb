// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ragchat serves the RAG orchestrator.
//
// # Usage
//
//	ragchat serve --config /etc/ragchat/config.yaml
//	ragchat serve --port 8080 --log-level debug --json-logs
//	ragchat version
//
// Configuration is layered: built-in defaults, the YAML file, environment
// variables (RAG_*, AZURE_*, OPENAI_*, OTEL_*) and finally flags.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
