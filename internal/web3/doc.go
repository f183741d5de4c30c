// Package web3 houses blockchain connectivity utilities, including signer
// abstractions, RPC clients, smart contract bindings, and multi-chain
// configuration helpers. It lets the settlement service drive the escrow
// and token contracts on EVM compatible networks such as Ethereum, BSC,
// and Polygon, supporting contract deployment, event subscriptions, ranged
// log polling, receipt confirmation waits, and batched transactions.
package web3
