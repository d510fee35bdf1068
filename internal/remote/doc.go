// Package remote carries buffer operations across a connection.
//
// A Client owns one connection and any number of sourcebuf.Remote buffers.
// It sends their requests and routes correlated responses back by buffer id.
// A Host sits on the other end, runs a sourcebuf.Local per buffer over
// resources created by a sourcebuf.Source and answers every request it
// completes. Both sides speak the messages defined in package protocol.
package remote
