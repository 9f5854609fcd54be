// Package audit records who changed what through the automation RPC.
//
// Each state-changing call (emitting an event, running an execution,
// starting or cancelling a chain) leaves one entry naming the token
// subject, the user the call acted for, and the record it touched.
package audit
