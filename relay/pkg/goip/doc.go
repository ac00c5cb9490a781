// Package goip understands the wire formats spoken by GOIP GSM gateways:
// the port token that multiplexes a device and SIM slot into one string, and
// the line-oriented text payload a gateway posts for every received SMS.
//
// Everything here is pure and allocation-light so it can be shared by the
// relay service and the relayctl CLI.
package goip
