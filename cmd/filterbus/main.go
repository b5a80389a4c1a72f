// Package main provides the filterbus CLI.
//
// The CLI builds an order processing bus from a configuration file and
// the FILTERBUS_* environment, and can print its probe tree, validate its
// configuration or run it against a broker.
//
// Usage:
//
//	filterbus probe -c filterbus.yaml
//	filterbus validate -c filterbus.yaml
//	filterbus run -c filterbus.yaml --metrics-addr :9090
//
// See --help for all available options.
package main

func main() {
	Execute()
}
