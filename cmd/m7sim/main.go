// Command m7sim runs synthetic walker populations on the distributed row
// store and reports how blocks were rebalanced.
package main

func main() {
	execute()
}
