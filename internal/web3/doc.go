// Package web3 houses blockchain connectivity used by the network plugin:
// chain definitions loaded from YAML and a minimal client interface for
// probing EVM endpoints.
package web3
