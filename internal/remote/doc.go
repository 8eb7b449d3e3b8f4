// Package remote carries ProxyMessages over websocket.
//
// A Server hosts Active Stores by storage key. Each connection attaches one
// subscription to its store; frames are storage.Envelope JSON, and every
// operations frame is answered with an ack frame carrying the correlation
// id and whether the batch was applied. A Client implements the
// proxy-facing store interface over one connection, so a proxy can sit on
// the far side of the network unchanged.
package remote
