//go:build !no_psi

package main

import "pkt.systems/psi"

// psi reaps orphaned children and forwards signals when intentd runs as
// pid 1 in a container.
func main() {
	psi.Run(submain)
}
