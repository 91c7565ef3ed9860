// Command peagate exposes a register store over a Modbus RTU server and a
// CANopen style gateway while polling a rotary encoder on a second serial line.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
