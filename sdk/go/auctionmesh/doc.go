// Package auctionmesh is a Go client for the AuctionMesh HTTP API.
//
// It submits free-text tasks, follows their per-subtask progress, cancels
// them and streams live auction bids over WebSocket.
package auctionmesh
