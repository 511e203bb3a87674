//go:build unicorn

package main

import _ "github.com/wnxd/twilight/emulator/unicorn"
