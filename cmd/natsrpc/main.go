// Command natsrpc serves and calls the demo Arith service over NATS and
// publishes or subscribes to scoped topics.
package main

func main() {
	Execute()
}
