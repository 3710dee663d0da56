// The main package for the receipts executable.
package main

import (
	"github.com/JakeFAU/receipts/cmd"
)

func main() {
	cmd.Execute()
}
