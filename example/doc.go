/*
Package main contains a command-line example for gxenclave.

The example shows how to:
  - configure the enclave serial connection from command-line flags
  - register media callbacks (trace, state, error, receive)
  - send a raw command to the enclave
  - read forwarded packets and the device state mirror
*/
package main
