// Package lock provides advisory distributed locks on top of the shared store.
//
// A lock is the key "<name>.lock" holding a token unique to the acquisition.
// It is created with SET NX PX and released with a compare-and-delete script,
// so a holder whose TTL expired can never delete a lock that was since taken
// by someone else. Locks are not renewed: work that outlives the TTL may
// overlap with the next holder.
package lock
