// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// comhra is a terminal front-end for chatting with local and hosted
// language models.
package main

import (
	"os"

	"github.com/jeranaias/comhra/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
