// Package web3 houses chain connectivity for deployed tokens: cluster
// definitions loaded from YAML and the signature-status types shared by the
// Solana JSON-RPC client in the solana subpackage.
package web3
