//go:build !no_psi

package main

import (
	"context"

	"pkt.systems/psi"
)

// psi reaps orphaned mld children when the daemon runs as PID 1.
func main() {
	psi.Run(func(ctx context.Context) int {
		return submain(ctx)
	})
}
