// Rulectl works with rule files offline.
//
// Usage:
//
//	# Check rule files for errors and warnings
//	rulectl validate pricing.rules shipping.rules
//
//	# Execute a rule file against facts
//	rulectl run --rules pricing.rules --facts order.json
//
//	# Print the rule set id a file would deploy under
//	rulectl fingerprint pricing.rules
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
