package main

import (
	"gold-rate-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
