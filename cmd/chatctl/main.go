// Command chatctl is the operator tool for the conversation store.
package main

func main() {
	Execute()
}
