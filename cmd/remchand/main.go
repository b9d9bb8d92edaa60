// Copyright © 2024 The Remchan Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import "github.com/remchan/remchan/cmd/remchand/commands"

func main() {
	commands.Execute()
}
