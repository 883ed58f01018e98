// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command weaverd verifies edits before they reach disk.
//
// Every edit set is applied to in-memory overlays, parsed with
// tree-sitter, and checked by the workspace's language servers. It is
// committed atomically only when no file has a syntax error and no new
// diagnostic appears; otherwise the workspace is left untouched.
//
// Usage:
//
//	weaverd serve --config weaverd.yaml
//	weaverd apply --patch change.diff
//	weaverd mcp
//	weaverd version
//
// Example requests:
//
//	# Submit an edit set
//	curl -X POST http://127.0.0.1:7411/v1/transactions \
//	  -H "Content-Type: application/json" \
//	  -d '{"edits": [{"path": "main.go", "op": "modify", "content": "package main\n"}]}'
//
//	# Submit a patch
//	curl -X POST http://127.0.0.1:7411/v1/patches \
//	  -H "Content-Type: application/json" \
//	  -d '{"patch": "--- a/main.go\n+++ b/main.go\n..."}'
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
