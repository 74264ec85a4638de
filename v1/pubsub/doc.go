// Package pubsub fans store pub/sub messages out to in-process subscribers.
//
// A Hub owns one dedicated subscriber connection, dialed on the first
// Subscribe and closed again once no topic has subscribers. Any number of
// local callbacks may share a topic; the store sees a single SUBSCRIBE when the
// first callback for a topic registers and a single UNSUBSCRIBE when the last
// one leaves. Delivery is at most once to the callbacks registered when a
// message arrives. Publishing goes through the regular connection pool.
//
// Variable builds on the Hub to mirror a single store key locally.
package pubsub
