// coapstackctl is a standalone CLI that exercises a CoAP/UDP/IPv6 stack
// directly, without talking to a running coapstackd instance.
package main

import "github.com/edgenet6/coapstack/cmd/coapstackctl/commands"

func main() {
	commands.Execute()
}
